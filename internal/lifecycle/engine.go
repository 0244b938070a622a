// Package lifecycle owns the command state machine. It is the only component
// permitted to invoke an execution backend: commands enter as pending
// proposals and leave through exactly one of rejected, executed, or failed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aide-sh/aide/internal/backend"
	"github.com/aide-sh/aide/internal/events"
	"github.com/aide-sh/aide/internal/state"
)

// Caller-visible structural errors. Everything that happens on the execution
// path is data captured in the command's result, never an error.
var (
	ErrNotFound           = errors.New("command not found")
	ErrInvalidState       = errors.New("command is not pending approval")
	ErrMissingCredentials = errors.New("remote execution requires host, username, and password")
	ErrInvalidPlatform    = errors.New("unknown execution platform")
)

// Config holds execution bounds for the two backends.
type Config struct {
	LocalTimeout      time.Duration
	SSHConnectTimeout time.Duration
	SSHExecTimeout    time.Duration
}

// DefaultConfig returns the default execution bounds.
func DefaultConfig() Config {
	return Config{
		LocalTimeout:      backend.DefaultLocalTimeout,
		SSHConnectTimeout: backend.DefaultSSHConnectTimeout,
		SSHExecTimeout:    backend.DefaultSSHExecTimeout,
	}
}

// LocalRunner executes command text on this host.
type LocalRunner interface {
	Run(ctx context.Context, commandText string, timeout time.Duration) backend.Result
}

// RemoteRunner executes command text on a remote host over SSH.
type RemoteRunner interface {
	Run(ctx context.Context, creds backend.SSHCredentials, commandText string, connectTimeout, execTimeout time.Duration) backend.Result
}

// Engine manages command lifecycles.
//
// There is no engine-wide lock: distinct commands may execute concurrently,
// and the exactly-once transition out of pending is enforced by the store's
// guarded status update instead.
type Engine struct {
	store   *state.Store
	emitter *events.EventEmitter
	local   LocalRunner
	remote  RemoteRunner
	cfg     Config
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocalRunner replaces the local executor (used by tests).
func WithLocalRunner(r LocalRunner) Option {
	return func(e *Engine) { e.local = r }
}

// WithRemoteRunner replaces the SSH executor (used by tests).
func WithRemoteRunner(r RemoteRunner) Option {
	return func(e *Engine) { e.remote = r }
}

// New creates a lifecycle engine backed by the given store. If emitter is
// nil, lifecycle events are not published.
func New(store *state.Store, emitter *events.EventEmitter, cfg Config, opts ...Option) *Engine {
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = backend.DefaultLocalTimeout
	}
	if cfg.SSHConnectTimeout <= 0 {
		cfg.SSHConnectTimeout = backend.DefaultSSHConnectTimeout
	}
	if cfg.SSHExecTimeout <= 0 {
		cfg.SSHExecTimeout = backend.DefaultSSHExecTimeout
	}
	e := &Engine{
		store:   store,
		emitter: emitter,
		local:   backend.NewLocal(),
		remote:  backend.NewRemote(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Propose creates a command in pending state and persists it.
func (e *Engine) Propose(ctx context.Context, sessionID, commandText, description string, platform state.Platform) (*state.Command, error) {
	if !state.ValidPlatform(platform) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}

	cmd := &state.Command{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Command:     commandText,
		Description: description,
		Platform:    platform,
		Status:      state.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateCommand(cmd); err != nil {
		return nil, fmt.Errorf("propose command: %w", err)
	}

	e.emit(func() events.CommandEvent {
		ev := events.NewCommandEvent(events.CommandProposed, sessionID, cmd.ID, string(cmd.Status))
		ev.Command = cmd.Command
		ev.Description = cmd.Description
		ev.Platform = string(cmd.Platform)
		return ev
	}())

	return cmd, nil
}

// Approve transitions a command out of pending and synchronously executes it.
//
// The command text is handed to the backend exactly as proposed: approval is
// the trust boundary and nothing is sanitized here. Approve and execute form
// one logical unit: even a panicking backend leaves the command in failed
// with the fault captured in its result, never dangling in approved.
//
// creds may be nil for local commands. A remote command approved without
// complete credentials fails with ErrMissingCredentials and stays pending.
// Credentials are never persisted with the command.
func (e *Engine) Approve(ctx context.Context, id string, creds *backend.SSHCredentials) (*state.Command, error) {
	cmd, err := e.store.GetCommand(id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	if cmd.Status != state.StatusPending {
		return nil, ErrInvalidState
	}

	if cmd.Platform == state.PlatformRemote && (creds == nil || !creds.Valid()) {
		return nil, ErrMissingCredentials
	}

	// Compare-and-swap out of pending: under concurrent approvals of the
	// same command, exactly one caller gets past this point.
	now := time.Now().UTC()
	moved, err := e.store.MarkApproved(id, now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrInvalidState
	}

	e.emit(events.NewCommandEvent(events.CommandApproved, cmd.SessionID, cmd.ID, string(state.StatusApproved)))

	result := e.execute(ctx, cmd, creds)

	status := state.StatusFailed
	eventType := events.CommandFailed
	if result.Success {
		status = state.StatusExecuted
		eventType = events.CommandExecuted
	}
	finished, err := e.store.MarkFinished(id, status, &result, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !finished {
		// A concurrent reject landed while the backend was executing. The
		// stored status wins; leave a trace of the discarded result.
		slog.Default().Warn("execution result discarded, command left approved concurrently",
			"command_id", cmd.ID, "status", string(status), "exit_code", result.ExitCode)
		return e.store.GetCommand(id)
	}

	e.emit(func() events.CommandEvent {
		ev := events.NewCommandEvent(eventType, cmd.SessionID, cmd.ID, string(status))
		ev.Command = cmd.Command
		ev.Platform = string(cmd.Platform)
		ev.Details = map[string]string{"exit_code": strconv.Itoa(result.ExitCode)}
		return ev
	}())

	return e.store.GetCommand(id)
}

// Reject marks a command rejected. Rejection is idempotent and is not
// guarded on the command currently being pending.
func (e *Engine) Reject(ctx context.Context, id string) (*state.Command, error) {
	cmd, err := e.store.GetCommand(id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}

	if err := e.store.MarkRejected(id); err != nil {
		return nil, err
	}

	if cmd.Status != state.StatusRejected {
		e.emit(events.NewCommandEvent(events.CommandRejected, cmd.SessionID, cmd.ID, string(state.StatusRejected)))
	}

	return e.store.GetCommand(id)
}

// Get returns a command by ID.
func (e *Engine) Get(id string) (*state.Command, error) {
	cmd, err := e.store.GetCommand(id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// List returns commands filtered by session and status (empty = all).
func (e *Engine) List(sessionID string, status state.Status) ([]state.Command, error) {
	return e.store.ListCommands(sessionID, status)
}

// execute dispatches to the backend selected by the command's platform. A
// panic below this frame becomes a failure-shaped result so the state
// machine always completes its transition.
func (e *Engine) execute(ctx context.Context, cmd *state.Command, creds *backend.SSHCredentials) (result backend.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = backend.Result{
				Success:  false,
				Error:    fmt.Sprintf("execution panic: %v", r),
				ExitCode: -1,
			}
		}
	}()

	switch cmd.Platform {
	case state.PlatformRemote:
		return e.remote.Run(ctx, *creds, cmd.Command, e.cfg.SSHConnectTimeout, e.cfg.SSHExecTimeout)
	default:
		return e.local.Run(ctx, cmd.Command, e.cfg.LocalTimeout)
	}
}

func (e *Engine) emit(ev events.CommandEvent) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}
