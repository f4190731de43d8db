package suite

import (
	"bytes"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/pterodactyl/roottest/system"
)

// Files larger than this are only reported as differing, never diffed.
const maxDiffInput = 1 << 20

const previewLength = 48

// isText reports whether b looks like text. Empty input is text.
func isText(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	for m := mimetype.Detect(b); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// unifiedDiff renders a diff of two text blobs with three lines of context,
// limited to max bytes. An empty string is returned if either side is not
// text.
func unifiedDiff(expected, actual []byte, max int) string {
	if !isText(expected) || !isText(actual) {
		return ""
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(expected),
		B:        splitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	if max > 0 && len(out) > max {
		return out[:max] + fmt.Sprintf("\n... diff truncated, %s total\n", system.FormatBytes(len(out)))
	}
	return out
}

// splitLines splits on newlines, keeping them. A final line without a
// newline is marked so it does not compare equal to one with a newline.
func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := difflib.SplitLines(string(b))
	// SplitLines always appends a newline to the last element.
	lines = lines[:len(lines)-1]
	if !bytes.HasSuffix(b, []byte("\n")) {
		last := string(b[bytes.LastIndexByte(b, '\n')+1:])
		lines = append(lines, last+"\n\\ No newline at end of file\n")
	}
	return lines
}

// streamMismatch compares captured output against the expectation.
func streamMismatch(kind MismatchKind, expected, actual []byte, max int) (Mismatch, bool) {
	if bytes.Equal(expected, actual) {
		return Mismatch{}, false
	}
	m := Mismatch{
		Kind:    kind,
		Path:    string(kind),
		Summary: fmt.Sprintf("expected %s, found %s", system.Preview(expected, previewLength), system.Preview(actual, previewLength)),
		Diff:    unifiedDiff(expected, actual, max),
	}
	return m, true
}

// fileDiff diffs two files on disk. Failures to read either side simply
// result in no diff.
func fileDiff(expected, actual string, max int) string {
	e, ok := readSmall(expected)
	if !ok {
		return ""
	}
	a, ok := readSmall(actual)
	if !ok {
		return ""
	}
	return unifiedDiff(e, a, max)
}

func readSmall(p string) ([]byte, bool) {
	st, err := os.Stat(p)
	if err != nil || st.Size() > maxDiffInput {
		return nil, false
	}
	b, err := os.ReadFile(p)
	return b, err == nil
}
