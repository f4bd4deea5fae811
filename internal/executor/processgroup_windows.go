//go:build windows

package executor

import (
	"os/exec"
	"time"
)

// configureProcessGroup is a no-op on Windows: process-group signalling
// is POSIX-specific. Child processes are terminated individually.
func configureProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup has no graceful-signal equivalent to SIGTERM on
// Windows; it kills the process directly rather than waiting out a grace
// window that nothing would observe.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
