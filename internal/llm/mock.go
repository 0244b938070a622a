package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockEngine is a scripted Engine for tests. If Replies is non-empty they
// are returned in order (the last repeats); otherwise the reply echoes the
// user text. Set Err to make every turn fail.
type MockEngine struct {
	Replies []string
	Err     error

	mu    sync.Mutex
	turn  int
	Seen  []string
	Ctxts []TurnContext
}

func (m *MockEngine) Reply(ctx context.Context, userText string, tc TurnContext) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Seen = append(m.Seen, userText)
	m.Ctxts = append(m.Ctxts, tc)

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Replies) == 0 {
		return fmt.Sprintf("I heard you say %q.", userText), nil
	}
	i := m.turn
	if i >= len(m.Replies) {
		i = len(m.Replies) - 1
	}
	m.turn++
	return m.Replies[i], nil
}

// MockFactory hands out MockEngines and records the sessions it saw.
type MockFactory struct {
	Err error

	mu       sync.Mutex
	Engines  map[string]*MockEngine
	Sessions []string

	// Script seeds each new engine's replies.
	Script []string
}

func (f *MockFactory) New(ctx context.Context, sessionID string) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if f.Engines == nil {
		f.Engines = make(map[string]*MockEngine)
	}
	f.Sessions = append(f.Sessions, sessionID)
	eng := &MockEngine{Replies: f.Script}
	f.Engines[sessionID] = eng
	return eng, nil
}
