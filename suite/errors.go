package suite

import (
	"fmt"

	"emperror.dev/errors"
)

// ErrorKind classifies why a test case could not produce a verdict on the
// program under test.
type ErrorKind string

const (
	ErrKindConfig     ErrorKind = "config"
	ErrKindStaging    ErrorKind = "staging"
	ErrKindExecution  ErrorKind = "execution"
	ErrKindComparison ErrorKind = "comparison"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindCancelled  ErrorKind = "cancelled"
)

// Stage names the step of a test case that failed.
type Stage string

const (
	StageLoad    Stage = "load test"
	StageStage   Stage = "stage root"
	StageExecute Stage = "run program"
	StageCompare Stage = "compare results"
)

// Error is an infrastructure failure of a single test case. It names the
// test folder and the stage that failed.
type Error struct {
	kind  ErrorKind
	stage Stage
	test  string
	err   error
}

func newError(kind ErrorKind, stage Stage, test string, err error) *Error {
	return &Error{kind: kind, stage: stage, test: test, err: errors.WithStackDepthIf(err, 1)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: failed to %s: %s", e.test, e.stage, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() ErrorKind {
	return e.kind
}

func (e *Error) Stage() Stage {
	return e.stage
}

func (e *Error) Test() string {
	return e.test
}

// Cause returns the underlying error without the test and stage prefix.
func (e *Error) Cause() error {
	return e.err
}

// IsErrorKind checks if the given error is a test case error of the given
// kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
