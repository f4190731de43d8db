package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pterodactyl/roottest/system"
	"github.com/pterodactyl/roottest/tree"
)

// Stager builds fresh, exclusively owned roots below a scratch directory.
type Stager struct {
	scratch string
	copier  Copier
	verify  bool
}

type Option func(*Stager)

// WithCopier sets the copier used to populate staged roots. By default a
// CommandCopier running "cp -a" is used.
func WithCopier(c Copier) Option {
	return func(s *Stager) {
		s.copier = c
	}
}

// WithVerification makes Stage snapshot every staged root and compare it
// against its sources before handing it out.
func WithVerification(verify bool) Option {
	return func(s *Stager) {
		s.verify = verify
	}
}

// NewStager returns a Stager writing below the given scratch directory.
func NewStager(scratch string, opts ...Option) *Stager {
	if scratch == "" {
		panic("environment: cannot specify an empty scratch directory")
	}
	s := &Stager{scratch: scratch, copier: &CommandCopier{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scratch returns the directory staged roots are created in.
func (s *Stager) Scratch() string {
	return s.scratch
}

// Stage creates a new root for the named test. The root is a copy of the
// template directory with the home directory replaced by a copy of
// homeBefore. Neither source is modified.
//
// If staging fails at any point everything created so far is removed before
// the error is returned, so the caller only has to tear down roots it was
// actually given.
func (s *Stager) Stage(ctx context.Context, name, template, homeBefore string) (*StagedRoot, error) {
	if err := os.MkdirAll(s.scratch, 0o755); err != nil {
		return nil, errors.WrapIf(errors.Combine(ErrScratchUnwritable, err), "environment: failed to prepare scratch directory")
	}
	// Mkdir fails on an existing path, so two cases can never share a root
	// even if the generated names were to collide.
	dir := filepath.Join(s.scratch, sanitize(name)+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, errors.WrapIf(errors.Combine(ErrScratchUnwritable, err), "environment: failed to create test directory")
	}

	r := &StagedRoot{dir: dir, root: filepath.Join(dir, "root")}
	r.home = filepath.Join(r.root, filepath.FromSlash(system.HomeDirectory))

	logger := log.WithField("test", name).WithField("scratch", dir)
	if err := s.populate(ctx, r, template, homeBefore); err != nil {
		if terr := r.Teardown(); terr != nil {
			logger.WithField("error", terr).Warn("failed to remove partially staged root")
		}
		return nil, err
	}
	logger.Debug("staged test root")
	return r, nil
}

func (s *Stager) populate(ctx context.Context, r *StagedRoot, template, homeBefore string) error {
	for _, src := range []string{template, homeBefore} {
		if err := isDirectory(src); err != nil {
			return err
		}
	}
	if err := s.copier.Copy(ctx, template, r.root); err != nil {
		return errors.WithStackIf(err)
	}

	parent := filepath.Dir(r.home)
	if st, err := os.Lstat(parent); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "environment: failed to stat home directory parent")
		}
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return errors.Wrap(err, "environment: failed to create home directory parent")
		}
		// Not subject to the umask, so the result matches tree.Overlay.
		if err := os.Chmod(parent, 0o755); err != nil {
			return errors.Wrap(err, "environment: failed to create home directory parent")
		}
	} else if st.Mode()&os.ModeSymlink != 0 {
		return errors.WithDetails(ErrHomeIsSymlink, "path", parent)
	} else if !st.IsDir() {
		return errors.WithDetails(ErrHomeNotDirectory, "path", parent)
	}

	// Whatever the template ships as the home directory is replaced, never
	// merged with the test's own home.
	if err := removeTree(r.home); err != nil {
		return errors.WrapIf(err, "environment: failed to clear template home directory")
	}
	if err := s.copier.Copy(ctx, homeBefore, r.home); err != nil {
		return errors.WithStackIf(err)
	}

	if s.verify {
		return verify(r, template, homeBefore)
	}
	return nil
}

// verify checks that the staged root is exactly the template with the home
// directory swapped out.
func verify(r *StagedRoot, template, homeBefore string) error {
	var base, home, staged *tree.Snapshot
	var g errgroup.Group
	g.Go(func() (err error) {
		base, err = tree.Take(template)
		return err
	})
	g.Go(func() (err error) {
		home, err = tree.Take(homeBefore)
		return err
	})
	g.Go(func() (err error) {
		staged, err = tree.Take(r.root)
		return err
	})
	if err := g.Wait(); err != nil {
		return errors.WrapIf(err, "environment: failed to snapshot staged root")
	}

	expected := tree.Overlay(base, system.HomeDirectory, home)
	if d := tree.Compare(expected, staged, tree.Options{StrictPermissions: true}); len(d) > 0 {
		return errors.WithDetails(ErrStagingMismatch, "differences", len(d), "first", d[0].String())
	}
	return nil
}

func isDirectory(p string) error {
	st, err := os.Stat(p)
	if err != nil {
		return errors.Wrap(err, "environment: failed to stat staging source")
	}
	if !st.IsDir() {
		return errors.WithDetails(ErrTemplateNotDir, "path", p)
	}
	return nil
}

// sanitize turns a test name into something safe to use as a single path
// element.
func sanitize(name string) string {
	b := strings.Builder{}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "test"
	}
	return out
}

// StagedRoot is a root directory staged for a single test case. It is owned
// by exactly one case and must be torn down once the case is done with it.
type StagedRoot struct {
	mu      sync.Mutex
	removed bool

	dir  string
	root string
	home string
}

// Dir returns the per-test scratch directory containing the root.
func (r *StagedRoot) Dir() string {
	return r.dir
}

// Root returns the path of the staged root directory.
func (r *StagedRoot) Root() string {
	return r.root
}

// Home returns the path of the home directory inside the staged root.
func (r *StagedRoot) Home() string {
	return r.home
}

// Teardown removes the staged root and its scratch directory. It is safe to
// call more than once, and a root that has already disappeared is not an
// error.
func (r *StagedRoot) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil
	}
	if err := removeTree(r.dir); err != nil {
		return errors.WithDetails(err, "scratch", r.dir)
	}
	r.removed = true
	return nil
}
