package serve

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aide-sh/aide/internal/backend"
	"github.com/aide-sh/aide/internal/lifecycle"
	"github.com/aide-sh/aide/internal/state"
	"github.com/aide-sh/aide/internal/sysinfo"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "online",
		"service": "aide",
	})
}

// handleSystemInfo returns raw disk/memory/CPU probe output.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := sysinfo.Collect(r.Context())
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"system": info,
	}, requestIDFromContext(r.Context()))
}

// approveRequest is the approve body. All fields are optional for local
// commands; remote commands need all three.
type approveRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleApprove transitions a pending command to approved and executes it
// synchronously. The response carries the terminal status and result.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req approveRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "reading request body", nil, reqID)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", nil, reqID)
			return
		}
	}

	var creds *backend.SSHCredentials
	if req.Host != "" || req.Username != "" || req.Password != "" {
		creds = &backend.SSHCredentials{
			Host:     req.Host,
			Username: req.Username,
			Password: req.Password,
		}
	}

	cmd, err := s.lifecycle.Approve(r.Context(), id, creds)
	if err != nil {
		s.writeLifecycleError(w, err, reqID)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"command_id": cmd.ID,
		"status":     cmd.Status,
		"result":     cmd.Result,
	}, reqID)
}

// handleReject marks a command rejected.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	cmd, err := s.lifecycle.Reject(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err, reqID)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"command_id": cmd.ID,
		"status":     cmd.Status,
	}, reqID)
}

// handleGetCommand returns one command with its result, if any.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

	cmd, err := s.lifecycle.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err, reqID)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"command": cmd,
	}, reqID)
}

// handleListCommands lists commands, optionally filtered by session and
// status.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

	status := state.Status(r.URL.Query().Get("status"))
	if status != "" && !state.ValidStatus(status) {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest,
			"invalid status filter", map[string]any{"status": status}, reqID)
		return
	}

	cmds, err := s.lifecycle.List(r.URL.Query().Get("session_id"), status)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil, reqID)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	}, reqID)
}

// handleSessionMessages returns the session's conversation history in
// chronological order.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest,
				"limit must be a positive integer", nil, reqID)
			return
		}
		limit = n
	}

	msgs, err := s.store.ListMessages(sessionID, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil, reqID)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
		"count":      len(msgs),
	}, reqID)
}

// writeLifecycleError maps lifecycle sentinel errors onto HTTP statuses.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error, reqID string) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, "command not found", nil, reqID)
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidState, "command is not pending approval", nil, reqID)
	case errors.Is(err, lifecycle.ErrMissingCredentials):
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeMissingCredentials,
			"remote execution requires host, username, and password", nil, reqID)
	default:
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil, reqID)
	}
}
