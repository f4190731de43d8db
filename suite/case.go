package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/pterodactyl/roottest/environment"
	"github.com/pterodactyl/roottest/sandbox"
	"github.com/pterodactyl/roottest/tree"
)

// State is the position of a test case in its lifecycle. A case moves
// strictly forward through the states and never re-enters one.
type State int

const (
	StateDiscovered State = iota
	StateStaged
	StateExecuted
	StateCompared
	StatePassed
	StateFailed
	StateErrored
)

var stateNames = map[State]string{
	StateDiscovered: "discovered",
	StateStaged:     "staged",
	StateExecuted:   "executed",
	StateCompared:   "compared",
	StatePassed:     "passed",
	StateFailed:     "failed",
	StateErrored:    "errored",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateErrored
}

// next is the only state reachable from each non-terminal state other than
// errored, which is reachable from all of them.
var next = map[State][]State{
	StateDiscovered: {StateStaged},
	StateStaged:     {StateExecuted},
	StateExecuted:   {StateCompared},
	StateCompared:   {StatePassed, StateFailed},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateErrored {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TimeoutVerdict decides what a test exceeding its timeout results in.
type TimeoutVerdict string

const (
	TimeoutFail  TimeoutVerdict = "fail"
	TimeoutError TimeoutVerdict = "error"
)

// Options are the suite wide settings applied to every case.
type Options struct {
	// Scope is the default comparison scope for tests not setting their own.
	Scope Scope
	// Timeout is used for tests that do not configure one. Zero disables it.
	Timeout        time.Duration
	TimeoutVerdict TimeoutVerdict
	// StrictPermissions also compares permission bits of tree entries.
	StrictPermissions bool
	// MaxDiffBytes limits the size of every rendered diff.
	MaxDiffBytes int
}

// Case is a single test folder on its way to a verdict. A case is run once.
type Case struct {
	dir    string
	name   string
	state  State
	stager *environment.Stager
	runner *sandbox.Runner
	opts   Options
	logger *log.Entry
}

// NewCase returns a case for the test folder at dir.
func NewCase(dir string, stager *environment.Stager, runner *sandbox.Runner, opts Options) *Case {
	name := filepath.Base(filepath.Clean(dir))
	return &Case{
		dir:    dir,
		name:   name,
		state:  StateDiscovered,
		stager: stager,
		runner: runner,
		opts:   opts,
		logger: log.WithField("test", name),
	}
}

func (c *Case) Name() string {
	return c.name
}

func (c *Case) State() State {
	return c.state
}

// transition moves the case into the given state. Moving into a state that
// is not reachable from the current one is a programming error.
func (c *Case) transition(to State) {
	if !canTransition(c.state, to) {
		panic(fmt.Sprintf("suite: illegal transition of %s from %s to %s", c.name, c.state, to))
	}
	c.logger.WithField("from", c.state.String()).WithField("to", to.String()).Debug("test case changed state")
	c.state = to
}

// Run drives the case through every stage and returns its verdict. Any
// failure is captured in the verdict; Run itself never fails. The staged
// root, if one was created, is always removed before Run returns.
func (c *Case) Run(ctx context.Context) *Verdict {
	start := time.Now()
	v := &Verdict{Name: c.name, Dir: c.dir}
	defer func() {
		v.State = c.state
		v.Duration = time.Since(start)
	}()

	spec, err := LoadSpec(c.dir, c.opts.Scope)
	if err != nil {
		return c.errored(v, err)
	}
	if ctx.Err() != nil {
		return c.errored(v, newError(ErrKindCancelled, StageStage, c.name, ctx.Err()))
	}

	root, err := c.stager.Stage(ctx, c.name, spec.Root, spec.HomeBefore)
	if err != nil {
		kind := ErrKindStaging
		if ctx.Err() != nil {
			kind = ErrKindCancelled
		}
		return c.errored(v, newError(kind, StageStage, c.name, err))
	}
	logger := c.logger.WithField("scratch", root.Dir())
	defer func() {
		if err := root.Teardown(); err != nil {
			logger.WithField("error", err).Error("failed to tear down staged root")
		}
	}()
	c.transition(StateStaged)

	timeout := spec.Timeout(c.opts.Timeout)
	res, err := c.runner.Run(ctx, sandbox.Request{
		Root:    root.Root(),
		Workdir: spec.Config.Workdir,
		Command: spec.Config.Command,
		Args:    spec.Config.Args,
		Env:     spec.Config.EnvVars,
		Stdin:   spec.Stdin,
		Timeout: timeout,
	})
	v.Result = res
	if err != nil {
		kind := ErrKindExecution
		if errors.Is(err, sandbox.ErrCancelled) {
			kind = ErrKindCancelled
		}
		return c.errored(v, newError(kind, StageExecute, c.name, err))
	}
	c.transition(StateExecuted)
	logger.WithField("status", res.Status.String()).Debug("program finished")

	if res.Status.Outcome == sandbox.TimedOut && c.opts.TimeoutVerdict == TimeoutError {
		return c.errored(v, newError(ErrKindTimeout, StageExecute, c.name, errors.Errorf("program did not finish within %s", timeout)))
	}

	mismatches, err := c.compare(spec, root, res, timeout)
	if err != nil {
		return c.errored(v, newError(ErrKindComparison, StageCompare, c.name, err))
	}
	c.transition(StateCompared)

	v.Mismatches = mismatches
	if len(mismatches) > 0 {
		c.transition(StateFailed)
		v.Status = Failed
	} else {
		c.transition(StatePassed)
		v.Status = Passed
	}
	return v
}

func (c *Case) errored(v *Verdict, err error) *Verdict {
	c.transition(StateErrored)
	v.Status = Errored
	v.Err = err
	c.logger.WithField("error", err).Debug("test case errored")
	return v
}

// compare checks the run against every expectation of the spec. The output
// streams are checked first, followed by the tree in path order.
func (c *Case) compare(spec *Spec, root *environment.StagedRoot, res *sandbox.Result, timeout time.Duration) ([]Mismatch, error) {
	if res.Status.Outcome == sandbox.TimedOut {
		// Whatever a killed program left behind is not worth comparing.
		return []Mismatch{{
			Kind:    MismatchTimeout,
			Summary: fmt.Sprintf("program did not finish within %s", timeout),
		}}, nil
	}

	var out []Mismatch
	if want := spec.Config.ExpectedStatus; want != nil {
		if res.Status.Outcome != sandbox.Exited || res.Status.Code != *want {
			out = append(out, Mismatch{
				Kind:    MismatchExitStatus,
				Summary: fmt.Sprintf("expected exit status %d, program %s", *want, res.Status),
			})
		}
	}
	if m, ok := streamMismatch(MismatchStdout, spec.ExpectedStdout, res.Stdout, c.opts.MaxDiffBytes); ok {
		out = append(out, m)
	}
	if m, ok := streamMismatch(MismatchStderr, spec.ExpectedStderr, res.Stderr, c.opts.MaxDiffBytes); ok {
		out = append(out, m)
	}

	actualRoot, label := root.Home(), "home directory"
	if spec.Scope == ScopeRoot {
		actualRoot, label = root.Root(), "root directory"
	}
	// The program may remove or replace the directory being compared. That
	// is a wrong end state like any other, not a failure to compare.
	if st, err := os.Lstat(actualRoot); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to stat actual tree")
		}
		return append(out, Mismatch{
			Kind:    MismatchMissing,
			Path:    ".",
			Summary: fmt.Sprintf("missing: expected the %s, found nothing", label),
		}), nil
	} else if !st.IsDir() {
		return append(out, Mismatch{
			Kind:    MismatchDiffers,
			Path:    ".",
			Summary: fmt.Sprintf("type differs: expected the %s to be a %s, found %s", label, tree.KindDirectory, tree.KindOf(st.Mode())),
		}), nil
	}

	var expected, actual *tree.Snapshot
	var g errgroup.Group
	g.Go(func() (err error) {
		expected, err = tree.Take(spec.After)
		return errors.WrapIf(err, "failed to snapshot expected tree")
	})
	g.Go(func() (err error) {
		actual, err = tree.Take(actualRoot)
		return errors.WrapIf(err, "failed to snapshot actual tree")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range tree.Compare(expected, actual, tree.Options{StrictPermissions: c.opts.StrictPermissions}) {
		m := Mismatch{Path: d.Path, Summary: d.Reason}
		switch d.Kind {
		case tree.Missing:
			m.Kind = MismatchMissing
		case tree.Extra:
			m.Kind = MismatchExtra
		case tree.Differs:
			m.Kind = MismatchDiffers
			if d.Expected.Kind == tree.KindFile && d.Actual.Kind == tree.KindFile && d.Expected.Hash != d.Actual.Hash {
				m.Diff = fileDiff(expected.Abs(d.Path), actual.Abs(d.Path), c.opts.MaxDiffBytes)
			}
		default:
			m.Kind = MismatchCompareError
		}
		out = append(out, m)
	}
	return out, nil
}
