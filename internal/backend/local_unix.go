//go:build !windows

package backend

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the shell in its own process group and arranges for
// cancellation to signal the group, so forked children die with the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
