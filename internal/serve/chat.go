package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aide-sh/aide/internal/events"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/state"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

const welcomeText = "Good day. aide is online and ready to assist you."

// sessionCapabilities is advertised to the conversational engine each turn.
var sessionCapabilities = []string{"system_commands", "ssh_access", "file_analysis"}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is checked in checkWSOrigin before upgrading.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// checkWSOrigin validates the Origin header for WebSocket upgrades. Local
// mode trusts the loopback bind; api_key mode enforces the CORS allowlist.
// Non-browser clients send no Origin and are allowed through.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	if s.auth.Mode == AuthModeLocal || s.auth.Mode == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return originAllowed(origin, s.corsAllowedOrigins)
}

// inboundFrame is a client -> server chat frame.
type inboundFrame struct {
	Message string `json:"message"`
}

// handleSessionWS upgrades the connection and runs the conversation loop.
// Messages on one connection are handled strictly in order: a turn finishes
// before the next frame is read.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	reqID := requestIDFromContext(r.Context())

	if !s.checkWSOrigin(r) {
		writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", nil, reqID)
		return
	}

	if err := s.store.TouchSession(sessionID, time.Now().UTC()); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil, reqID)
		return
	}

	// The engine is created once per session connection and keeps its own
	// conversation history. A missing factory degrades to error replies
	// rather than refusing the connection.
	var engine llm.Engine
	if s.engines != nil {
		var err error
		engine, err = s.engines.New(r.Context(), sessionID)
		if err != nil {
			log.Printf("engine init failed session=%s err=%v", sessionID, err)
			engine = nil
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed session=%s err=%v", sessionID, err)
		return
	}

	sc := newSessionConn(sessionID, conn)
	s.registry.Connect(sc)

	if s.bus != nil {
		s.bus.Publish(events.BaseEvent{
			Type:      events.SessionConnected,
			Timestamp: time.Now().UTC(),
			Session:   sessionID,
		})
	}

	go s.writePump(sc)

	// The welcome message is delivered on every connect and never persisted.
	welcome := newAssistantMessage(sessionID, welcomeText, state.MessageText)
	s.deliverMessage(sc, welcome)

	s.readPump(sc, engine)
}

// readPump reads client frames until the connection drops. Runs on the
// handler goroutine.
func (s *Server) readPump(sc *SessionConn, engine llm.Engine) {
	defer func() {
		s.registry.Disconnect(sc)
		if s.bus != nil {
			s.bus.Publish(events.BaseEvent{
				Type:      events.SessionDisconnected,
				Timestamp: time.Now().UTC(),
				Session:   sc.sessionID,
			})
		}
		sc.conn.Close()
	}()

	sc.conn.SetReadLimit(wsMaxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read error session=%s err=%v", sc.sessionID, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Message == "" {
			continue
		}

		s.handleTurn(context.Background(), sc, engine, frame.Message)
	}
}

// handleTurn runs one conversation turn: persist the user message, ask the
// engine for a reply, check the pair for a command intent, persist and
// deliver the assistant message.
func (s *Server) handleTurn(ctx context.Context, sc *SessionConn, engine llm.Engine, text string) {
	userMsg := &state.Message{
		ID:          uuid.NewString(),
		SessionID:   sc.sessionID,
		Sender:      state.SenderUser,
		Text:        text,
		MessageType: state.MessageText,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendMessage(userMsg); err != nil {
		log.Printf("persist user message failed session=%s err=%v", sc.sessionID, err)
	}

	reply, err := s.engineReply(ctx, engine, text)
	if err != nil {
		errMsg := newAssistantMessage(sc.sessionID,
			fmt.Sprintf("I apologize, but I encountered an error: %v", err),
			state.MessageError)
		s.persistAndDeliver(sc, errMsg)
		return
	}

	msgType := state.MessageText
	if s.detector != nil {
		if ci := s.detector.Detect(text, reply); ci != nil {
			cmd, err := s.lifecycle.Propose(ctx, sc.sessionID, ci.Command, ci.Description, ci.Platform)
			if err != nil {
				log.Printf("propose failed session=%s err=%v", sc.sessionID, err)
			} else {
				msgType = state.MessageCommandProposal
				reply = fmt.Sprintf("%s\n\n**Proposed Command:**\n`%s`\n\n**Description:** %s\n\n**Command ID:** %s",
					reply, cmd.Command, cmd.Description, cmd.ID)
			}
		}
	}

	s.persistAndDeliver(sc, newAssistantMessage(sc.sessionID, reply, msgType))
}

func (s *Server) engineReply(ctx context.Context, engine llm.Engine, text string) (string, error) {
	if engine == nil {
		return "", fmt.Errorf("no conversational engine configured")
	}
	return engine.Reply(ctx, text, llm.TurnContext{
		Platform:     runtime.GOOS,
		Capabilities: sessionCapabilities,
	})
}

func (s *Server) persistAndDeliver(sc *SessionConn, msg *state.Message) {
	if err := s.store.AppendMessage(msg); err != nil {
		log.Printf("persist message failed session=%s err=%v", sc.sessionID, err)
	}
	s.deliverMessage(sc, msg)
}

// deliverMessage sends a chat message frame to the originating connection.
func (s *Server) deliverMessage(sc *SessionConn, msg *state.Message) {
	frame, err := json.Marshal(map[string]any{
		"type": "message",
		"data": msg,
	})
	if err != nil {
		log.Printf("message marshal error session=%s err=%v", sc.sessionID, err)
		return
	}
	if !sc.queue(frame) {
		log.Printf("ws send buffer full session=%s, dropping frame", sc.sessionID)
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (s *Server) writePump(sc *SessionConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newAssistantMessage(sessionID, text, msgType string) *state.Message {
	return &state.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Sender:      state.SenderAssistant,
		Text:        text,
		MessageType: msgType,
		CreatedAt:   time.Now().UTC(),
	}
}
