// Package events provides the in-process event bus used to fan out command
// lifecycle and conversation events to the server, notifiers, and tests.
package events

import "time"

// Event types published on the bus.
const (
	CommandProposed = "command.proposed"
	CommandApproved = "command.approved"
	CommandRejected = "command.rejected"
	CommandExecuted = "command.executed"
	CommandFailed   = "command.failed"

	MessageCreated      = "message.created"
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
)

// BusEvent is implemented by everything published on the bus.
type BusEvent interface {
	EventType() string
	EventSession() string
}

// BaseEvent carries the fields shared by all bus events.
type BaseEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session,omitempty"`
}

// EventType returns the event type string.
func (e BaseEvent) EventType() string { return e.Type }

// EventSession returns the session the event belongs to ("" for global events).
func (e BaseEvent) EventSession() string { return e.Session }

// CommandEvent is emitted on every command state machine transition. It
// mirrors the wire payload delivered to WebSocket subscribers.
type CommandEvent struct {
	BaseEvent

	CommandID   string            `json:"command_id"`
	Command     string            `json:"command,omitempty"`
	Description string            `json:"description,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	Status      string            `json:"status"`
	Details     map[string]string `json:"details,omitempty"`
}

// NewCommandEvent constructs a command lifecycle event with UTC timestamp.
func NewCommandEvent(eventType, session, commandID, status string) CommandEvent {
	return CommandEvent{
		BaseEvent: BaseEvent{
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Session:   session,
		},
		CommandID: commandID,
		Status:    status,
	}
}
