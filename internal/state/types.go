package state

import (
	"time"

	"github.com/aide-sh/aide/internal/backend"
)

// Status is the command state machine position.
type Status string

// Command statuses. Transitions: pending -> approved -> {executed|failed},
// pending -> rejected. executed, failed, and rejected are terminal.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// ValidStatus reports whether s names a known command status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// Platform selects the execution backend for a command.
type Platform string

const (
	PlatformLocal  Platform = "local"
	PlatformRemote Platform = "remote"
)

// ValidPlatform reports whether p names a known execution backend.
func ValidPlatform(p Platform) bool {
	return p == PlatformLocal || p == PlatformRemote
}

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message types.
const (
	MessageText            = "text"
	MessageCommandProposal = "command_proposal"
	MessageCommandResult   = "command_result"
	MessageError           = "error"
)

// Session is a logical conversation, created implicitly on first connection
// and never destroyed. It outlives any single connection.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Message is one turn in a conversation. Append-only; never mutated after
// creation.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Sender      string    `json:"sender"`
	Text        string    `json:"message"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Command is a proposed or executed operating-system operation.
//
// Result is set iff Status is executed or failed. ApprovedAt is set iff the
// command ever reached approved or beyond. A command executes at most once.
type Command struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Command     string          `json:"command"`
	Description string          `json:"description"`
	Platform    Platform        `json:"platform"`
	Status      Status          `json:"status"`
	Result      *backend.Result `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
}
