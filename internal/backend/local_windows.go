//go:build windows

package backend

import "os/exec"

// setProcessGroup is a no-op on windows; CommandContext's default kill
// applies and WaitDelay still bounds the pipe wait.
func setProcessGroup(cmd *exec.Cmd) {}
