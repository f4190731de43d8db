package suite

import (
	"time"

	"github.com/pterodactyl/roottest/sandbox"
)

type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Errored Status = "errored"
)

// MismatchKind names what part of a test's expectations was not met.
type MismatchKind string

const (
	MismatchStdout       MismatchKind = "stdout"
	MismatchStderr       MismatchKind = "stderr"
	MismatchMissing      MismatchKind = "tree-entry-missing"
	MismatchExtra        MismatchKind = "tree-entry-extra"
	MismatchDiffers      MismatchKind = "tree-entry-differs"
	MismatchCompareError MismatchKind = "tree-compare-error"
	MismatchExitStatus   MismatchKind = "exit-status"
	MismatchTimeout      MismatchKind = "timeout"
)

// Mismatch is a single unmet expectation.
type Mismatch struct {
	Kind MismatchKind `json:"kind"`
	// Path is the stream name for output mismatches, or the path relative to
	// the compared directory for tree mismatches.
	Path    string `json:"path,omitempty"`
	Summary string `json:"summary"`
	// Diff is a unified diff of the expected and actual contents, if they
	// could be rendered as text.
	Diff string `json:"diff,omitempty"`
}

// Verdict is the outcome of one test case.
type Verdict struct {
	Name       string
	Dir        string
	Status     Status
	State      State
	Mismatches []Mismatch
	// Err is set for errored verdicts only.
	Err      error
	Result   *sandbox.Result
	Duration time.Duration
}

// ErrorKind returns the kind of error an errored verdict failed with.
func (v *Verdict) ErrorKind() ErrorKind {
	if e, ok := v.Err.(*Error); ok {
		return e.kind
	}
	return ""
}
