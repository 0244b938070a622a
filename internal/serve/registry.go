package serve

import (
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds the per-connection outbound queue. Frames to a
// connection whose queue is full are dropped rather than blocking the bus.
const sendBufferSize = 256

// SessionConn is one WebSocket connection bound to a session. A session may
// have several live connections at once.
type SessionConn struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newSessionConn(sessionID string, conn *websocket.Conn) *SessionConn {
	return &SessionConn{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
	}
}

// queue enqueues a frame without blocking. Returns false if the connection's
// buffer is full.
func (c *SessionConn) queue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once, which ends the write pump.
func (c *SessionConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Registry tracks live WebSocket connections keyed by session so that
// lifecycle events can be routed to the right conversation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*SessionConn]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[*SessionConn]struct{}),
	}
}

// Connect registers a connection under its session.
func (r *Registry) Connect(c *SessionConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.sessions[c.sessionID]
	if !ok {
		conns = make(map[*SessionConn]struct{})
		r.sessions[c.sessionID] = conns
	}
	conns[c] = struct{}{}
}

// Disconnect removes a connection and shuts down its write pump. Safe to
// call more than once for the same connection.
func (r *Registry) Disconnect(c *SessionConn) {
	r.mu.Lock()
	if conns, ok := r.sessions[c.sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.sessions, c.sessionID)
		}
	}
	r.mu.Unlock()
	c.shutdown()
}

// SendTo queues a frame for every connection of the given session. Returns
// an error when the session has no live connections or every connection's
// send buffer was full.
func (r *Registry) SendTo(sessionID string, frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.sessions[sessionID]
	if !ok || len(conns) == 0 {
		return fmt.Errorf("session %s has no live connections", sessionID)
	}
	delivered := 0
	for c := range conns {
		if c.queue(frame) {
			delivered++
		} else {
			log.Printf("ws send buffer full session=%s, dropping frame", sessionID)
		}
	}
	if delivered == 0 {
		return fmt.Errorf("session %s: frame dropped, all %d send buffers full", sessionID, len(conns))
	}
	return nil
}

// Broadcast queues a frame for every live connection, skipping and logging
// connections whose buffers are full.
func (r *Registry) Broadcast(frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conns := range r.sessions {
		for c := range conns {
			if !c.queue(frame) {
				log.Printf("ws send buffer full session=%s, dropping broadcast frame", c.sessionID)
			}
		}
	}
}

// CloseAll shuts down every connection. Used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*SessionConn, 0)
	for _, conns := range r.sessions {
		for c := range conns {
			all = append(all, c)
		}
	}
	r.sessions = make(map[string]map[*SessionConn]struct{})
	r.mu.Unlock()
	for _, c := range all {
		c.shutdown()
	}
}

// Count returns the number of live connections for a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}
