package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/pkg/models"
)

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) decodeChatRequest(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return &req, nil
}

// handleChatStream submits a message and streams the turn's events as
// server-sent events. Each event is one data frame; a stream_end frame
// follows the turn's terminal event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Session-ID", req.SessionID)
		w.WriteHeader(http.StatusOK)
	}

	sink := func(event *models.StreamEvent) {
		sendHeaders()
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Warn("event marshal failed", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	err = s.orchestrator.SubmitMessage(r.Context(), req.SessionID, req.Message, sink)
	if err != nil {
		// Submission errors surface before any event is written.
		if !headersSent {
			s.writeError(w, submissionStatus(err), err.Error())
		}
		return
	}

	sendHeaders()
	fmt.Fprintf(w, "data: %s\n\n", `{"type":"stream_end"}`)
	flusher.Flush()

	s.compactAfterTurn(r.Context(), req.SessionID)
}

type chatResponse struct {
	SessionID string                `json:"session_id"`
	Content   string                `json:"content"`
	Events    []*models.StreamEvent `json:"events,omitempty"`
	Status    string                `json:"status"`
	Error     string                `json:"error,omitempty"`
}

// handleChat is the non-streaming variant: it runs the full turn and returns
// the aggregated content plus the event log. Turns that pause on a
// confirmation block until resolved or timed out.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		events  []*models.StreamEvent
		content strings.Builder
		status  = "complete"
		errMsg  string
	)
	sink := func(event *models.StreamEvent) {
		events = append(events, event)
		switch event.Type {
		case models.EventContentDelta:
			content.WriteString(event.Content.Text)
		case models.EventStreamError:
			status = "error"
			errMsg = event.Error.Message
		}
	}

	if err := s.orchestrator.SubmitMessage(r.Context(), req.SessionID, req.Message, sink); err != nil {
		s.writeError(w, submissionStatus(err), err.Error())
		return
	}
	s.compactAfterTurn(r.Context(), req.SessionID)

	s.writeJSON(w, http.StatusOK, &chatResponse{
		SessionID: req.SessionID,
		Content:   content.String(),
		Events:    events,
		Status:    status,
		Error:     errMsg,
	})
}

func submissionStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNoProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
