package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// DefaultLocalTimeout bounds local execution when the caller passes no
// timeout of its own.
const DefaultLocalTimeout = 30 * time.Second

// waitDelay bounds how long Wait may block on the output pipes once the
// deadline has passed or the shell has exited. Without it, a grandchild that
// inherited the pipes keeps Run blocked until it exits.
const waitDelay = time.Second

// Local runs command text as a shell-interpreted child process on this host.
//
// The text is handed to the shell verbatim: the human approval step is the
// trust boundary, and this executor deliberately performs no validation or
// sanitization of its own. The executor is stateless between calls.
type Local struct{}

// NewLocal creates a local executor.
func NewLocal() *Local {
	return &Local{}
}

// Run executes commandText under the platform shell with a hard wall-clock
// timeout. On expiry the process is killed and the result names the timeout.
func (l *Local) Run(ctx context.Context, commandText string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultLocalTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, flag := platformShell()
	cmd := exec.CommandContext(ctx, shell, flag, commandText)

	// Kill the whole process group on expiry, not just the direct child:
	// shells fork, and an orphaned grandchild must not outlive the deadline
	// or hold the output pipes open past it.
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return faultResult(fmt.Sprintf("command timed out after %s", timeout))
	}

	if errors.Is(err, exec.ErrWaitDelay) {
		// The shell exited cleanly but something it spawned still holds the
		// pipes. The captured output stands.
		err = nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and failed; that is data, not a fault.
			return Result{
				Success:  false,
				Output:   stdout.String(),
				Error:    stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}
		}
		// Spawn failure: binary not found, permission denied, etc.
		return faultResult(err.Error())
	}

	return Result{
		Success:  true,
		Output:   stdout.String(),
		Error:    stderr.String(),
		ExitCode: 0,
	}
}

func platformShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}
