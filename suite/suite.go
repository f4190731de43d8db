package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/pterodactyl/roottest/environment"
	"github.com/pterodactyl/roottest/sandbox"
)

// Pool runs submitted tasks with bounded concurrency. A gammazero/workerpool
// WorkerPool satisfies it.
type Pool interface {
	Submit(task func())
}

// Suite runs a set of test folders and collects their verdicts.
type Suite struct {
	stager *environment.Stager
	runner *sandbox.Runner
	pool   Pool
	opts   Options

	// OnVerdict, if set, is called with every verdict as soon as it is
	// available. Calls are serialized but arrive in completion order.
	OnVerdict func(v *Verdict)
}

func New(stager *environment.Stager, runner *sandbox.Runner, pool Pool, opts Options) *Suite {
	if opts.Scope == "" {
		opts.Scope = ScopeHome
	}
	if opts.TimeoutVerdict == "" {
		opts.TimeoutVerdict = TimeoutFail
	}
	return &Suite{stager: stager, runner: runner, pool: pool, opts: opts}
}

// Discover returns one test folder for every non-hidden directory directly
// below root, ordered by name. Folders are not validated here; a broken
// folder shows up as an errored verdict once it is run.
func Discover(root string) ([]string, error) {
	items, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "suite: failed to read tests root")
	}
	var out []string
	for _, i := range items {
		if strings.HasPrefix(i.Name(), ".") {
			continue
		}
		p := filepath.Join(root, i.Name())
		if !i.IsDir() {
			// Symlinks to directories count as test folders.
			if st, err := os.Stat(p); err != nil || !st.IsDir() {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Run executes every test folder on the pool and waits for all of them. The
// verdicts in the report are in the order the folders were given, no matter
// the order they completed in.
//
// Cancelling the context kills running programs; cases that had not started
// yet are reported as errored without being staged.
func (s *Suite) Run(ctx context.Context, dirs []string) *Report {
	start := time.Now()
	r := &Report{Verdicts: make([]*Verdict, len(dirs))}

	if err := s.runner.Preflight(); err != nil {
		r.Preflight = err
		log.WithField("error", err).WithField("driver", s.runner.Driver().Name()).
			Error("sandbox tool is not available, every test is going to error")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, dir := range dirs {
		i, dir := i, dir
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			v := s.runCase(ctx, dir)
			r.Verdicts[i] = v
			if s.OnVerdict != nil {
				mu.Lock()
				s.OnVerdict(v)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	r.Duration = time.Since(start)
	r.count()
	return r
}

// runCase runs a single case, converting a panic into an errored verdict so
// one broken case cannot take down the rest of the suite.
func (s *Suite) runCase(ctx context.Context, dir string) (v *Verdict) {
	c := NewCase(dir, s.stager, s.runner, s.opts)
	defer func() {
		if p := recover(); p != nil {
			log.WithField("test", c.Name()).WithField("panic", p).Error("test case panicked")
			v = &Verdict{
				Name:   c.Name(),
				Dir:    dir,
				Status: Errored,
				State:  StateErrored,
				Err:    newError(ErrKindExecution, StageExecute, c.Name(), errors.New(fmt.Sprint(p))),
			}
		}
	}()
	return c.Run(ctx)
}
