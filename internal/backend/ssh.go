package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Default SSH timeouts, matching the local executor's posture of bounded
// execution time.
const (
	DefaultSSHConnectTimeout = 10 * time.Second
	DefaultSSHExecTimeout    = 30 * time.Second
)

// SSHCredentials are the per-call connection parameters for remote
// execution. They are supplied on the approve call and never persisted with
// the command record.
type SSHCredentials struct {
	Host     string
	Username string
	Password string
}

// Valid reports whether all required connection parameters are present.
func (c SSHCredentials) Valid() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// Remote executes one command per call on a remote host over SSH.
//
// Each call dials a fresh session and tears it down before returning, on
// both success and failure paths. Unknown host keys are accepted
// automatically: operators point aide at short-lived or ad hoc machines, and
// the approval step remains the trust boundary. This trade-off is
// intentional, not an oversight.
type Remote struct{}

// NewRemote creates a remote SSH executor.
func NewRemote() *Remote {
	return &Remote{}
}

// Run connects to creds.Host, executes commandText, and returns the captured
// stdout, stderr, and remote exit status. Success is true iff the remote
// exit status is 0. Any connection, authentication, or I/O error is folded
// into the shared failure result shape.
func (r *Remote) Run(ctx context.Context, creds SSHCredentials, commandText string, connectTimeout, execTimeout time.Duration) Result {
	if connectTimeout <= 0 {
		connectTimeout = DefaultSSHConnectTimeout
	}
	if execTimeout <= 0 {
		execTimeout = DefaultSSHExecTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := creds.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return faultResult(fmt.Sprintf("ssh connect %s: %v", addr, err))
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return faultResult(fmt.Sprintf("ssh session: %v", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(commandText) }()

	timer := time.NewTimer(execTimeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Close()
		return faultResult(fmt.Sprintf("ssh command timed out after %s", execTimeout))
	case <-ctx.Done():
		session.Close()
		return faultResult(fmt.Sprintf("ssh command canceled: %v", ctx.Err()))
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				Success:  false,
				Output:   stdout.String(),
				Error:    stderr.String(),
				ExitCode: exitErr.ExitStatus(),
			}
		}
		// Exit status never arrived (connection dropped, signal, etc.).
		return faultResult(fmt.Sprintf("ssh run: %v", err))
	}

	return Result{
		Success:  true,
		Output:   stdout.String(),
		Error:    stderr.String(),
		ExitCode: 0,
	}
}
