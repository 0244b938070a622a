// Package backend executes approved commands against the host or a remote
// machine over SSH. Both executors share one result contract: every failure
// mode, from a missing binary to an unreachable host, is folded into a
// Result with Success=false and ExitCode=-1. Nothing here returns a Go
// error, so a fault can never leave a command stranded mid-transition.
package backend

// Result is the structured outcome of one command execution.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// faultResult shapes a backend fault (spawn error, timeout, connection
// failure) into the shared result contract.
func faultResult(msg string) Result {
	return Result{
		Success:  false,
		Output:   "",
		Error:    msg,
		ExitCode: -1,
	}
}
