package sandbox

import (
	"os"
	"syscall"

	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

// kill sends SIGKILL to every process in the process group led by pid. The
// group may already be empty, which is fine.
func kill(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.WithField("pid", pid).WithField("error", err).Warn("failed to kill process group")
	}
}

// waitExited blocks until the process exits without reaping it. As long
// as the zombie is around neither its pid nor its process group id can be
// handed to another process.
func waitExited(pid int) {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return
		}
	}
}

func statusOf(ps *os.ProcessState) Status {
	if ps == nil {
		return Status{Outcome: Exited, Code: -1}
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return Status{Outcome: Signaled, Signal: ws.Signal()}
	}
	return Status{Outcome: Exited, Code: ps.ExitCode()}
}
