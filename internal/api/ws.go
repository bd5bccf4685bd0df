package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robot-control/rbc/internal/command"
	"github.com/robot-control/rbc/internal/notify"
)

// Inbound WebSocket message types.
const (
	TypeCommand = "Command"
	TypeUndo    = "Undo"
	TypeDebug   = "Debug"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from other origins; the bearer token
	// guards the endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every WebSocket message in both directions.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsOutbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(wsOutbound{Type: msgType, Data: data})
}

// handleWebSocket handles GET /ws. Clients send Command, Undo and Debug
// messages and receive every notification the hub publishes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Event stream not available", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn}
	sub, _ := s.events.Subscribe(ctx, 0)
	defer s.events.Unsubscribe(sub.ID)

	s.logger.Info("websocket client connected", "subscriber", sub.ID, "remote", r.RemoteAddr)
	go s.writePump(ctx, c, sub)
	s.readPump(ctx, c)
	s.logger.Info("websocket client disconnected", "subscriber", sub.ID)
}

// writePump forwards hub events until the client goes away or is dropped
// by the hub for falling behind.
func (s *Server) writePump(ctx context.Context, c *wsConn, sub *notify.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				_ = c.conn.Close()
				return
			}
			if event.Type == notify.TypeHeartbeat {
				continue
			}
			if err := c.send(event.Type, event.Data); err != nil {
				s.logger.Debug("websocket write failed", "subscriber", sub.ID, "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump dispatches client messages one at a time.
func (s *Server) readPump(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = c.send(notify.TypeAckResponse, rejectAck(0, "", "malformed message"))
			continue
		}
		s.dispatch(ctx, c, msg)
		// Dispatch may outlast the idle deadline.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

// dispatch runs one client message. Results reach the client through the
// hub; only requests the orchestrator refuses outright are answered here.
func (s *Server) dispatch(ctx context.Context, c *wsConn, msg wsEnvelope) {
	switch msg.Type {
	case TypeCommand:
		var req commandRequest
		if err := unmarshalStrict(msg.Data, &req); err != nil || req.ID == nil {
			_ = c.send(notify.TypeAckResponse, rejectAck(0, req.Command, "id and command are required"))
			return
		}
		if _, err := s.orchestrator.Submit(ctx, *req.ID, req.Command); err != nil && errors.Is(err, command.ErrInvalidParameter) {
			_ = c.send(notify.TypeAckResponse, rejectAck(*req.ID, req.Command, err.Error()))
		}

	case TypeUndo:
		var req undoRequest
		if err := unmarshalStrict(msg.Data, &req); err != nil || req.ID == nil {
			_ = c.send(notify.TypeUndoResponse, notify.UndoResponse{Status: notify.StatusError, Message: "id is required"})
			return
		}
		_, _ = s.orchestrator.RequestUndo(ctx, *req.ID)

	case TypeDebug:
		var req debugRequest
		if err := unmarshalStrict(msg.Data, &req); err != nil || req.ID == nil {
			_ = c.send(notify.TypeAckResponse, rejectAck(0, "", "id, script and inspectionPoints are required"))
			return
		}
		if _, err := s.orchestrator.Inspect(ctx, *req.ID, req.Script, req.InspectionPoints); err != nil && errors.Is(err, command.ErrInvalidParameter) {
			_ = c.send(notify.TypeAckResponse, rejectAck(*req.ID, "", err.Error()))
		}

	default:
		_ = c.send(notify.TypeAckResponse, rejectAck(0, "", "unknown message type "+msg.Type))
	}
}

func rejectAck(id int, cmd, message string) notify.AckResponse {
	return notify.AckResponse{ID: id, Status: notify.StatusError, Command: cmd, Message: message}
}
