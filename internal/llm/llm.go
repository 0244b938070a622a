// Package llm holds the conversational engine behind a session. The serve
// layer talks to the Engine interface only, so the Gemini client can be
// swapped for a scripted engine in tests.
package llm

import (
	"context"
	"encoding/json"
)

// TurnContext is per-turn environment detail prepended to the user's
// message so the model knows what it is operating.
type TurnContext struct {
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// Encode renders the context block placed ahead of the user text. Empty
// context encodes to the empty string.
func (tc TurnContext) Encode() string {
	if tc.Platform == "" && len(tc.Capabilities) == 0 {
		return ""
	}
	data, err := json.Marshal(tc)
	if err != nil {
		return ""
	}
	return "Context: " + string(data)
}

// Engine produces one assistant reply per user turn. Engines are stateful:
// each carries its own conversation history, so a session owns exactly one.
type Engine interface {
	Reply(ctx context.Context, userText string, tc TurnContext) (string, error)
}

// Factory creates one Engine per session.
type Factory interface {
	New(ctx context.Context, sessionID string) (Engine, error)
}
