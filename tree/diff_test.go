package tree

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(content string) *Entry {
	e := &Entry{Kind: KindFile, Mode: 0o644, Size: int64(len(content))}
	if content != "" {
		e.Hash[0] = content[0]
		e.Hash[1] = byte(len(content))
	}
	return e
}

func dir() *Entry {
	return &Entry{Kind: KindDirectory, Mode: 0o755}
}

func link(target string) *Entry {
	return &Entry{Kind: KindSymlink, Mode: 0o777, Target: target}
}

func snapshotOf(entries map[string]*Entry) *Snapshot {
	s := New("/")
	for p, e := range entries {
		s.Set(p, e)
	}
	return s
}

func TestCompare(t *testing.T) {
	t.Run("identical snapshots have no differences", func(t *testing.T) {
		s := snapshotOf(map[string]*Entry{"a": file("x"), "d": dir(), "d/l": link("../a")})
		assert.Empty(t, Compare(s, s, Options{}))
		assert.True(t, Equal(s, s, Options{}))
	})

	t.Run("missing and extra are reported separately", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"gone": file("x"), "kept": file("y")})
		actual := snapshotOf(map[string]*Entry{"kept": file("y"), "new": file("z")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 2)
		assert.Equal(t, Missing, d[0].Kind)
		assert.Equal(t, "gone", d[0].Path)
		assert.Nil(t, d[0].Actual)
		assert.Equal(t, Extra, d[1].Kind)
		assert.Equal(t, "new", d[1].Path)
		assert.Nil(t, d[1].Expected)
	})

	t.Run("content changes are reported as differs", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"a.txt": file("xy")})
		actual := snapshotOf(map[string]*Entry{"a.txt": file("x")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 1)
		assert.Equal(t, Differs, d[0].Kind)
		assert.Equal(t, "contents differ", d[0].Reason)
	})

	t.Run("a regular file where a symlink was expected differs by type", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"link": link("target"), "target": file("t")})
		actual := snapshotOf(map[string]*Entry{"link": file("target"), "target": file("t")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 1)
		assert.Equal(t, Differs, d[0].Kind)
		assert.Equal(t, "link", d[0].Path)
		assert.Contains(t, d[0].Reason, "type differs")
	})

	t.Run("symlink targets are compared verbatim", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"l": link("./t")})
		actual := snapshotOf(map[string]*Entry{"l": link("t")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 1)
		assert.Contains(t, d[0].Reason, "symbolic link target differs")
	})

	t.Run("permissions are ignored unless strict", func(t *testing.T) {
		e := file("x")
		a := file("x")
		a.Mode = 0o600
		expected := snapshotOf(map[string]*Entry{"f": e, "d": dir()})
		actual := snapshotOf(map[string]*Entry{"f": a, "d": {Kind: KindDirectory, Mode: 0o700}})

		assert.Empty(t, Compare(expected, actual, Options{}))

		d := Compare(expected, actual, Options{StrictPermissions: true})
		require.Len(t, d, 2)
		assert.Equal(t, "d", d[0].Path)
		assert.Equal(t, "f", d[1].Path)
		assert.Equal(t, "permissions differ: expected 0644, found 0600", d[1].Reason)
	})

	t.Run("strict mode never compares symlink permissions", func(t *testing.T) {
		a := link("t")
		a.Mode = 0o755
		d := Compare(snapshotOf(map[string]*Entry{"l": link("t")}), snapshotOf(map[string]*Entry{"l": a}), Options{StrictPermissions: true})
		assert.Empty(t, d)
	})

	t.Run("an extra directory is reported once", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"a": file("x")})
		actual := snapshotOf(map[string]*Entry{"a": file("x"), "cache": dir(), "cache/one": file("1"), "cache/two/three": file("3"), "cache-file": file("c")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 2)
		assert.Equal(t, "cache", d[0].Path)
		assert.Equal(t, Extra, d[0].Kind)
		assert.Equal(t, "cache-file", d[1].Path)
	})

	t.Run("a directory replaced by a file hides the expected children", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"d": dir(), "d/x": file("x")})
		actual := snapshotOf(map[string]*Entry{"d": file("d")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 1)
		assert.Equal(t, Differs, d[0].Kind)
	})

	t.Run("children of directories that only differ in permissions are still compared", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"d": dir(), "d/x": file("x")})
		actual := snapshotOf(map[string]*Entry{"d": {Kind: KindDirectory, Mode: 0o700}, "d/x": file("y")})

		d := Compare(expected, actual, Options{StrictPermissions: true})
		require.Len(t, d, 2)
		assert.Equal(t, "d/x", d[1].Path)
	})

	t.Run("unreadable entries are reported and the rest is still compared", func(t *testing.T) {
		expected := snapshotOf(map[string]*Entry{"locked": dir(), "locked/a": file("a"), "b": file("b"), "c": file("c")})
		actual := snapshotOf(map[string]*Entry{"locked": {Kind: KindDirectory, Err: os.ErrPermission}, "b": file("b"), "c": file("changed")})

		d := Compare(expected, actual, Options{})
		require.Len(t, d, 2)
		assert.Equal(t, "c", d[0].Path)
		assert.Equal(t, Differs, d[0].Kind)
		assert.Equal(t, "locked", d[1].Path)
		assert.Equal(t, Unreadable, d[1].Kind)
		assert.True(t, errors.Is(d[1].Actual.Err, os.ErrPermission))
	})
}

func TestCompare_OnDisk(t *testing.T) {
	expected := newFixture(t)
	actual := newFixture(t)

	expected.file("a.txt", "xy", 0o644)
	expected.symlink("link", "target")
	actual.file("a.txt", "xy", 0o644)
	actual.file("link", "target", 0o644)
	actual.file("extra", "", 0o644)

	es, err := Take(expected.root)
	require.NoError(t, err)
	as, err := Take(actual.root)
	require.NoError(t, err)

	d := Compare(es, as, Options{})
	require.Len(t, d, 2)
	assert.Equal(t, Difference{Kind: Extra, Path: "extra", Actual: d[0].Actual, Reason: "unexpected: found file, expected nothing"}, d[0])
	assert.Equal(t, "link", d[1].Path)
	assert.Equal(t, Differs, d[1].Kind)
}
