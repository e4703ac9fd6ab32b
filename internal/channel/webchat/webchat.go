// Package webchat hosts a minimal standalone WebSocket chat surface for
// browser clients that don't use the full HTTP API.
package webchat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexhub/companion-gateway/internal/channel"
)

type WebChatAdapter struct {
	port     int
	incoming chan *channel.Message
	done     chan struct{}
	handlers sync.WaitGroup
	upgrader websocket.Upgrader
	logger   *slog.Logger

	connMux sync.RWMutex
	conns   map[string]*websocket.Conn

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// WSMessage is the frame exchanged with webchat clients.
type WSMessage struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	SessionID       string `json:"session_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func NewWebChatAdapter(port int, logger *slog.Logger) *WebChatAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebChatAdapter{
		port:     port,
		incoming: make(chan *channel.Message, 100),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*websocket.Conn),
		logger: logger,
	}
}

func (w *WebChatAdapter) Name() string {
	return "webchat"
}

func (w *WebChatAdapter) IsEnabled() bool {
	return w.port > 0
}

func (w *WebChatAdapter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.wsHandler)
	w.server = &http.Server{Addr: ":" + strconv.Itoa(w.port), Handler: mux}

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webchat server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		w.server.Shutdown(context.Background())
	}()

	w.running = true
	return nil
}

// Stop drains in order: signal done so handlers stop forwarding, close every
// live connection to unblock their reads, wait the handlers out, and only
// then close the incoming channel. Nothing can send on it afterwards.
func (w *WebChatAdapter) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.done)
	w.server.Shutdown(context.Background())
	w.connMux.Lock()
	for _, conn := range w.conns {
		conn.Close()
	}
	w.connMux.Unlock()
	w.handlers.Wait()
	close(w.incoming)
	w.running = false
	return nil
}

func (w *WebChatAdapter) SendMessage(userID string, resp *channel.Response) error {
	w.connMux.RLock()
	conn, exists := w.conns[userID]
	w.connMux.RUnlock()

	if !exists {
		return nil // client went away; push channel covers reconnects
	}

	data, err := json.Marshal(WSMessage{Type: "message", Content: resp.Content})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebChatAdapter) Incoming() <-chan *channel.Message {
	return w.incoming
}

func (w *WebChatAdapter) wsHandler(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	w.handlers.Add(1)
	defer w.handlers.Done()

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous_" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	w.connMux.Lock()
	w.conns[userID] = conn
	w.connMux.Unlock()

	defer func() {
		w.connMux.Lock()
		delete(w.conns, userID)
		w.connMux.Unlock()
		conn.Close()
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "message" {
			continue
		}
		m := &channel.Message{
			ID:              strconv.FormatInt(time.Now().UnixNano(), 10),
			Channel:         "webchat",
			UserID:          userID,
			SessionID:       msg.SessionID,
			Content:         msg.Content,
			ClientMessageID: msg.ClientMessageID,
			Timestamp:       time.Now().Unix(),
		}
		select {
		case w.incoming <- m:
		case <-w.done:
			return
		}
	}
}
