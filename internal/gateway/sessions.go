package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/parleyhq/parley/internal/history"
)

type confirmRequest struct {
	Confirmed   bool            `json:"confirmed"`
	UpdatedArgs json.RawMessage `json:"updated_args,omitempty"`
}

// handleConfirmResolve resolves the session's pending confirmation request.
func (s *Server) handleConfirmResolve(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if !s.orchestrator.ResolveConfirmation(sessionID, req.Confirmed, req.UpdatedArgs) {
		s.writeError(w, http.StatusNotFound, "no pending confirmation for session")
		return
	}

	outcome := "rejected"
	if req.Confirmed {
		outcome = "confirmed"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"outcome":    outcome,
	})
}

// handleConfirmPending returns the session's pending confirmation request,
// if any. Clients poll this when not connected to the event stream.
func (s *Server) handleConfirmPending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	req, ok := s.orchestrator.Broker().Pending(sessionID)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending": true,
		"request": req,
	})
}

type sessionStatsResponse struct {
	SessionID string        `json:"session_id"`
	History   history.Stats `json:"history"`

	PendingConfirmation bool `json:"pending_confirmation"`
	AutoExecute         bool `json:"auto_execute"`
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	maxCharacters := 0
	if s.compactor != nil {
		maxCharacters = s.compactor.MaxCharacters()
	}
	stats, err := history.CollectStats(r.Context(), s.store, sessionID, maxCharacters)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read session: "+err.Error())
		return
	}

	_, pending := s.orchestrator.Broker().Pending(sessionID)
	s.writeJSON(w, http.StatusOK, &sessionStatsResponse{
		SessionID:           sessionID,
		History:             stats,
		PendingConfirmation: pending,
		AutoExecute:         s.orchestrator.Policy().SessionAutoExecute(sessionID),
	})
}

type sessionPatchRequest struct {
	AutoExecute *bool `json:"auto_execute,omitempty"`
}

// handleSessionPatch updates per-session settings. Currently that is the
// auto-execute flag, which skips confirmation for this session's tool calls.
func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req sessionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AutoExecute == nil {
		s.writeError(w, http.StatusBadRequest, "no settings to update")
		return
	}

	s.orchestrator.Policy().SetSessionAutoExecute(sessionID, *req.AutoExecute)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"auto_execute": *req.AutoExecute,
	})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := s.store.Clear(r.Context(), sessionID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to clear session: "+err.Error())
		return
	}
	s.orchestrator.Policy().ClearSession(sessionID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.orchestrator.Registry().Descriptors(),
	})
}
