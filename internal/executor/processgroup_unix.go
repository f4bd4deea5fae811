//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// configureProcessGroup puts cmd's child in its own process group so a
// script that forks children can be signalled as a unit.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to cmd's process group, waits up to
// grace for it to exit on its own, then sends SIGKILL (spec.md §4.4/§5's
// graceful-then-forceful termination). It does not itself reap the
// process: the caller's own cmd.Wait() goroutine owns that, so this only
// polls liveness via signal 0 to avoid a second concurrent waiter on the
// same child.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pgid, 0); err != nil {
			return // process group leader is gone
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
