package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

var (
	ErrSandboxNotFound = errors.Sentinel("sandbox: sandbox tool could not be found")
	ErrCancelled       = errors.Sentinel("sandbox: run was cancelled")
	ErrUnknownDriver   = errors.Sentinel("sandbox: unknown sandbox driver")
	ErrMissingRoot     = errors.Sentinel("sandbox: request has no root directory")
	ErrMissingCommand  = errors.Sentinel("sandbox: request has no command")
)

// Request describes one execution of a program within a staged root.
type Request struct {
	// Root is the host path of the staged root directory.
	Root string
	// Workdir is the directory inside the root the program starts in.
	// Defaults to the home directory.
	Workdir string
	Command string
	Args    []string
	// Env is applied on top of the minimal base environment.
	Env   map[string]string
	Stdin []byte
	// Timeout bounds the run; zero waits forever.
	Timeout time.Duration
}

// Outcome is the way a process ended. The outcomes are mutually exclusive.
type Outcome string

const (
	Exited   Outcome = "exited"
	Signaled Outcome = "signaled"
	TimedOut Outcome = "timed-out"
)

// Status is how a finished program ended.
type Status struct {
	Outcome Outcome
	// Code is the exit code when the process exited normally.
	Code int
	// Signal is the signal that terminated the process when signaled.
	Signal syscall.Signal
}

// Success reports whether the program exited with code zero.
func (s Status) Success() bool {
	return s.Outcome == Exited && s.Code == 0
}

func (s Status) String() string {
	switch s.Outcome {
	case Exited:
		return fmt.Sprintf("exited with status %d", s.Code)
	case Signaled:
		return "killed by signal " + unix.SignalName(s.Signal)
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

// Result is everything observed from a single run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Status   Status
	Duration time.Duration
}

// Runner executes programs through a sandbox driver.
type Runner struct {
	driver    Driver
	waitDelay time.Duration
}

// NewRunner returns a runner executing requests through the given driver.
func NewRunner(d Driver) *Runner {
	return &Runner{driver: d, waitDelay: time.Second}
}

// Driver returns the driver in use by this runner.
func (r *Runner) Driver() Driver {
	return r.driver
}

// Preflight checks that every tool the driver depends on can be found. It
// exists so a missing tool can be reported once instead of failing every
// single test with the same error.
func (r *Runner) Preflight() error {
	for _, t := range r.driver.Tools() {
		if _, err := exec.LookPath(t); err != nil {
			return errors.WithDetails(errors.WithStack(ErrSandboxNotFound), "driver", r.driver.Name(), "tool", t)
		}
	}
	return nil
}

// Run executes the request and waits for it to finish, time out, or for the
// context to be cancelled. In the last two cases the entire process group of
// the program is killed. A program exiting non-zero or dying from a signal
// is not an error, the outcome is reported through the result's status.
//
// When the context is cancelled the partial result is returned along with
// ErrCancelled.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	inv, err := r.driver.Command(&req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(ErrCancelled)
	}

	var stdout, stderr bytes.Buffer
	// The context is not attached to the command since it would only kill the
	// direct child, not anything it spawned.
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Env = inv.Env
	cmd.Dir = inv.Dir
	cmd.Stdin = bytes.NewReader(req.Stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.waitDelay

	logger := log.WithField("driver", r.driver.Name()).WithField("command", req.Command)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		if r.driver.Binary() != "" && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, errors.WithDetails(errors.WithStack(ErrSandboxNotFound), "tool", inv.Path)
		}
		return nil, errors.Wrap(err, "sandbox: failed to start process")
	}
	pid := cmd.Process.Pid
	logger.WithField("pid", pid).Debug("started sandboxed process")

	exited := make(chan struct{})
	go func() {
		waitExited(pid)
		close(exited)
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var timedOut, cancelled bool
	select {
	case <-exited:
	case <-timeout:
		timedOut = true
		logger.WithField("timeout", req.Timeout).Debug("process timed out, killing process group")
	case <-ctx.Done():
		cancelled = true
	}
	// The leader is not reaped yet, so the group cannot belong to anyone
	// else. Anything the program left running in the background goes too.
	kill(pid)
	waitErr := cmd.Wait()

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if timedOut {
		res.Status = Status{Outcome: TimedOut}
	} else {
		res.Status = statusOf(cmd.ProcessState)
	}
	if cancelled {
		return res, errors.WithStack(ErrCancelled)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			logger.Debug("process left its output streams open after exiting")
		} else {
			return res, errors.Wrap(waitErr, "sandbox: failed to wait for process")
		}
	}
	logger.WithField("status", res.Status.String()).WithField("duration", res.Duration).Debug("sandboxed process finished")
	return res, nil
}
