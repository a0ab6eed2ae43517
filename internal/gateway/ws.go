package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		logger: s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// wsFrame is the wire frame for both directions. Requests carry ID, Method,
// and Params; responses echo ID with OK set; events carry Event and Payload.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsChatSendParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

type wsConfirmResolveParams struct {
	SessionID   string          `json:"sessionId"`
	Confirmed   bool            `json:"confirmed"`
	UpdatedArgs json.RawMessage `json:"updatedArgs,omitempty"`
}

type wsConn struct {
	handler *wsHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}

		c.handleRequest(frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *wsConn) handleRequest(frame *wsFrame) {
	switch frame.Method {
	case "ping":
		c.sendResult(frame.ID, map[string]any{"pong": true})
	case "chat.send":
		c.handleChatSend(frame)
	case "confirm.resolve":
		c.handleConfirmResolve(frame)
	default:
		c.sendError(frame.ID, "unknown_method", fmt.Sprintf("unknown method %q", frame.Method))
	}
}

// handleChatSend runs the turn in the background. Stream events flow as
// event frames; the response frame closes out the request when the turn
// finishes.
func (c *wsConn) handleChatSend(frame *wsFrame) {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, "invalid_params", err.Error())
		return
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	go func() {
		sink := func(event *models.StreamEvent) {
			c.sendEvent("stream", event)
		}
		err := c.handler.server.orchestrator.SubmitMessage(c.ctx, sessionID, params.Content, sink)
		if err != nil {
			c.sendError(frame.ID, "submit_failed", err.Error())
			return
		}
		c.sendResult(frame.ID, map[string]any{"sessionId": sessionID})
		c.handler.server.compactAfterTurn(c.ctx, sessionID)
	}()
}

func (c *wsConn) handleConfirmResolve(frame *wsFrame) {
	var params wsConfirmResolveParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, "invalid_params", err.Error())
		return
	}

	if !c.handler.server.orchestrator.ResolveConfirmation(params.SessionID, params.Confirmed, params.UpdatedArgs) {
		c.sendError(frame.ID, "not_found", "no pending confirmation for session")
		return
	}
	c.sendResult(frame.ID, map[string]any{"sessionId": params.SessionID})
}

func (c *wsConn) sendFrame(frame *wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.handler.logger.Warn("ws frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) sendResult(id string, payload any) {
	ok := true
	c.sendFrame(&wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsConn) sendError(id, code, message string) {
	ok := false
	c.sendFrame(&wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsConn) sendEvent(event string, payload any) {
	c.sendFrame(&wsFrame{Type: "event", Event: event, Payload: payload})
}
