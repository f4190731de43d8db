package tree

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/karrick/godirwalk"
	"github.com/zeebo/blake3"
)

var ErrNotDirectory = errors.Sentinel("tree: snapshot root is not a directory")

// Kind is the type of node stored at a path in a snapshot.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "dir"
	KindSymlink   Kind = "symlink"
	// KindOther covers named pipes, sockets and devices. Only their presence
	// and permission bits are compared.
	KindOther Kind = "other"
)

// modeMask keeps the bits of a file mode that a test can meaningfully assert
// on: permissions plus setuid, setgid and sticky.
const modeMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Digest is the BLAKE3-256 digest of a regular file's contents.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Entry describes a single node within a snapshot. Err is set if the node
// exists but could not be fully read, in which case the content fields are
// not meaningful.
type Entry struct {
	Kind   Kind
	Mode   fs.FileMode
	Size   int64
	Hash   Digest
	Target string
	Err    error
}

// Snapshot is a path keyed fingerprint of a directory tree. Paths are slash
// separated and relative to the root of the snapshot; the root itself is not
// stored as an entry.
type Snapshot struct {
	root     string
	rootMode fs.FileMode
	entries  map[string]*Entry
}

// New returns an empty snapshot for the given root. It is mostly useful for
// building expectations by hand.
func New(root string) *Snapshot {
	return &Snapshot{root: root, rootMode: 0o755, entries: make(map[string]*Entry)}
}

// Take walks the directory at root and records every node found below it.
// Symbolic links are recorded with their target and are never followed, so a
// link pointing outside the root or back up the tree is harmless.
//
// Failing to read an individual node is not fatal: the error is stored on the
// entry and the walk continues with the rest of the tree. An error is only
// returned if the root itself cannot be used.
func Take(root string) (*Snapshot, error) {
	root = filepath.Clean(root)
	st, err := os.Lstat(root)
	if err != nil {
		return nil, errors.Wrap(err, "tree: failed to stat snapshot root")
	}
	if !st.IsDir() {
		return nil, errors.WithDetails(ErrNotDirectory, "root", root)
	}

	s := &Snapshot{root: root, rootMode: st.Mode() & modeMask, entries: make(map[string]*Entry)}

	var rootErr error
	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, d *godirwalk.Dirent) error {
			if p == root {
				return nil
			}
			s.entries[s.relative(p)] = capture(p, d)
			return nil
		},
		ErrorCallback: func(p string, err error) godirwalk.ErrorAction {
			rel := s.relative(p)
			if rel == "." {
				rootErr = err
				return godirwalk.Halt
			}
			e, ok := s.entries[rel]
			if !ok {
				e = &Entry{Kind: KindOther}
				s.entries[rel] = e
			}
			e.Err = err
			return godirwalk.SkipNode
		},
	})
	if rootErr != nil {
		return nil, errors.Wrap(rootErr, "tree: failed to read snapshot root")
	}
	if err != nil {
		return nil, errors.Wrap(err, "tree: failed to walk directory")
	}
	return s, nil
}

// capture builds the entry for a single node. The dirent type is only used as
// a fallback when the node can no longer be stat'd.
func capture(p string, d *godirwalk.Dirent) *Entry {
	st, err := os.Lstat(p)
	if err != nil {
		return &Entry{Kind: KindOf(d.ModeType()), Err: err}
	}
	e := &Entry{Kind: KindOf(st.Mode()), Mode: st.Mode() & modeMask}
	switch e.Kind {
	case KindFile:
		e.Size = st.Size()
		e.Hash, e.Err = hashFile(p)
	case KindSymlink:
		e.Target, e.Err = os.Readlink(p)
	}
	return e
}

// KindOf classifies a file mode into the kinds a snapshot distinguishes.
func KindOf(m fs.FileMode) Kind {
	switch {
	case m.IsRegular():
		return KindFile
	case m.IsDir():
		return KindDirectory
	case m&fs.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindOther
	}
}

func hashFile(p string) (Digest, error) {
	var d Digest
	f, err := os.Open(p)
	if err != nil {
		return d, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return d, err
	}
	copy(d[:], h.Sum(nil))
	return d, nil
}

func (s *Snapshot) relative(p string) string {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// Root returns the directory this snapshot was taken from.
func (s *Snapshot) Root() string {
	return s.root
}

// Len returns the number of entries below the root.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Get returns the entry stored at the relative path p.
func (s *Snapshot) Get(p string) (*Entry, bool) {
	e, ok := s.entries[p]
	return e, ok
}

// Set stores an entry at the relative path p, replacing any existing entry.
func (s *Snapshot) Set(p string, e *Entry) {
	s.entries[p] = e
}

// Paths returns every path in the snapshot in lexical order. A directory is
// always returned before any of its children.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Abs returns the location on disk of the relative path p.
func (s *Snapshot) Abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// Overlay returns a copy of base where everything at and below the relative
// path at has been replaced with the contents of over. Parents of at that do
// not exist in base are added as plain directories. This mirrors what staging
// does when a home directory is copied into a root template.
func Overlay(base *Snapshot, at string, over *Snapshot) *Snapshot {
	at = strings.Trim(filepath.ToSlash(at), "/")
	out := &Snapshot{root: base.root, rootMode: base.rootMode, entries: make(map[string]*Entry, len(base.entries)+len(over.entries))}
	for p, e := range base.entries {
		if p == at || strings.HasPrefix(p, at+"/") {
			continue
		}
		out.entries[p] = e
	}
	for i := strings.IndexByte(at, '/'); i > 0; i = nextSlash(at, i) {
		if _, ok := out.entries[at[:i]]; !ok {
			out.entries[at[:i]] = &Entry{Kind: KindDirectory, Mode: 0o755}
		}
	}
	out.entries[at] = &Entry{Kind: KindDirectory, Mode: over.rootMode}
	for p, e := range over.entries {
		out.entries[at+"/"+p] = e
	}
	return out
}

func nextSlash(s string, from int) int {
	i := strings.IndexByte(s[from+1:], '/')
	if i < 0 {
		return -1
	}
	return from + 1 + i
}
