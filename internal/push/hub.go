// Package push delivers live events to connected clients over WebSocket and
// reconciles optimistic client state with server results.
package push

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexhub/companion-gateway/internal/metrics"
)

// Event types sent to clients.
const (
	EventConnected      = "connected"
	EventMessageUpdate  = "messageUpdate"
	EventTyping         = "typing"
	EventActivityUpdate = "activityUpdate"
	EventStateUpdate    = "stateUpdate"
	EventError          = "error"
)

// Event is the wire frame sent to clients.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub tracks live WebSocket connections keyed by session. A session may have
// several connections (multiple tabs, phone plus desktop).
type Hub struct {
	mu     sync.RWMutex
	conns  map[string][]*websocket.Conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string][]*websocket.Conn),
		logger: logger,
	}
}

// Register attaches a connection to a session and sends the connected event.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	first := len(h.conns[sessionID]) == 0
	h.conns[sessionID] = append(h.conns[sessionID], conn)
	h.mu.Unlock()

	// The gauge speaks in sessions: a second tab on the same session does not
	// move it.
	if first {
		metrics.ActivePushSessions.Inc()
	}
	h.writeEvent(conn, Event{
		Type:      EventConnected,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
	})
}

// Unregister detaches a connection from a session.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	conns := h.conns[sessionID]
	removed := false
	for i, c := range conns {
		if c == conn {
			h.conns[sessionID] = append(conns[:i], conns[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(h.conns[sessionID]) == 0
	if last {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()

	if last {
		metrics.ActivePushSessions.Dec()
	}
}

// Send broadcasts an event to every connection on a session. Sends are
// best-effort: if no client is connected the event is dropped and the client
// recovers state from the history endpoint on reconnect.
func (h *Hub) Send(sessionID, eventType string, payload interface{}) {
	h.mu.RLock()
	conns := append([]*websocket.Conn(nil), h.conns[sessionID]...)
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	for _, conn := range conns {
		h.writeEvent(conn, ev)
	}
}

// SessionCount returns the number of sessions with live connections.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) writeEvent(conn *websocket.Conn, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("push write failed", "session_id", ev.SessionID, "error", err)
	}
}
