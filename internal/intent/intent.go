// Package intent turns a conversation turn into at most one proposed
// command. Detection never executes anything: it produces a CommandIntent
// for the lifecycle engine to record as a pending proposal.
package intent

import "github.com/aide-sh/aide/internal/state"

// CommandIntent is a command a detector wants proposed for approval.
type CommandIntent struct {
	Command     string
	Description string
	Platform    state.Platform
}

// Detector inspects a turn and returns zero or one intent. Implementations
// must be safe for concurrent use; the serve layer calls Detect from every
// session connection.
type Detector interface {
	Detect(userText, assistantText string) *CommandIntent
}
