package tree

import (
	"fmt"
	"sort"
	"strings"
)

// DifferenceKind identifies why a path did not match between two snapshots.
type DifferenceKind string

const (
	// Missing means the path exists in the expected snapshot only.
	Missing DifferenceKind = "missing"
	// Extra means the path exists in the actual snapshot only.
	Extra DifferenceKind = "extra"
	// Differs means the path exists in both snapshots but the nodes are not
	// equal.
	Differs DifferenceKind = "differs"
	// Unreadable means at least one side could not be read, so the nodes
	// could not be compared.
	Unreadable DifferenceKind = "error"
)

// Difference is a single mismatch between two snapshots.
type Difference struct {
	Kind     DifferenceKind
	Path     string
	Expected *Entry
	Actual   *Entry
	Reason   string
}

func (d Difference) String() string {
	return fmt.Sprintf("%s: %s", d.Path, d.Reason)
}

// Options controls how strictly two snapshots are compared.
type Options struct {
	// StrictPermissions also compares permission bits of every node other
	// than symbolic links. By default only kind, content and link target are
	// compared.
	StrictPermissions bool
}

// Compare returns the differences between the expected and actual snapshot,
// ordered by path. Entries are joined on their relative path.
//
// When a directory is missing, extra, unreadable or replaced by a node of
// another kind, only the directory itself is reported and everything below it
// is folded into that one difference.
func Compare(expected, actual *Snapshot, opts Options) []Difference {
	paths := make([]string, 0, len(expected.entries)+len(actual.entries))
	for p := range expected.entries {
		paths = append(paths, p)
	}
	for p := range actual.entries {
		if _, ok := expected.entries[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var out []Difference
	collapsed := make(map[string]struct{})
	for _, p := range paths {
		if underCollapsed(collapsed, p) {
			continue
		}
		e, a := expected.entries[p], actual.entries[p]
		d, ok := compareEntry(p, e, a, opts)
		if !ok {
			continue
		}
		if isDir(e) || isDir(a) {
			if d.Kind != Differs || e == nil || a == nil || e.Kind != a.Kind {
				collapsed[p] = struct{}{}
			}
		}
		out = append(out, d)
	}
	return out
}

// Equal reports whether the two snapshots have no differences.
func Equal(expected, actual *Snapshot, opts Options) bool {
	return len(Compare(expected, actual, opts)) == 0
}

func compareEntry(p string, e, a *Entry, opts Options) (Difference, bool) {
	d := Difference{Path: p, Expected: e, Actual: a}
	switch {
	case a == nil:
		d.Kind = Missing
		d.Reason = fmt.Sprintf("missing: expected %s, found nothing", e.Kind)
		return d, true
	case e == nil:
		d.Kind = Extra
		d.Reason = fmt.Sprintf("unexpected: found %s, expected nothing", a.Kind)
		return d, true
	case e.Err != nil || a.Err != nil:
		d.Kind = Unreadable
		if a.Err != nil {
			d.Reason = "could not read actual entry: " + a.Err.Error()
		} else {
			d.Reason = "could not read expected entry: " + e.Err.Error()
		}
		return d, true
	case e.Kind != a.Kind:
		d.Kind = Differs
		d.Reason = fmt.Sprintf("type differs: expected %s, found %s", e.Kind, a.Kind)
		return d, true
	}

	var reasons []string
	switch e.Kind {
	case KindFile:
		if e.Size != a.Size || e.Hash != a.Hash {
			reasons = append(reasons, "contents differ")
		}
	case KindSymlink:
		if e.Target != a.Target {
			reasons = append(reasons, fmt.Sprintf("symbolic link target differs: expected %q, found %q", e.Target, a.Target))
		}
	}
	if opts.StrictPermissions && e.Kind != KindSymlink && e.Mode != a.Mode {
		reasons = append(reasons, fmt.Sprintf("permissions differ: expected %#o, found %#o", uint32(e.Mode.Perm()), uint32(a.Mode.Perm())))
	}
	if len(reasons) == 0 {
		return d, false
	}
	d.Kind = Differs
	d.Reason = strings.Join(reasons, "; ")
	return d, true
}

func isDir(e *Entry) bool {
	return e != nil && e.Kind == KindDirectory
}

// underCollapsed checks every ancestor of p against the collapsed set. Paths
// are visited in lexical order, so an ancestor is always seen first.
func underCollapsed(collapsed map[string]struct{}, p string) bool {
	if len(collapsed) == 0 {
		return false
	}
	for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
		if _, ok := collapsed[p[:i]]; ok {
			return true
		}
	}
	return false
}
