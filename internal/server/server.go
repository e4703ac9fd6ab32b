// Package server exposes the gateway's HTTP API: message dispatch, session
// and activity management, the push WebSocket, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/config"
	"github.com/cortexhub/companion-gateway/internal/dispatch"
	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/push"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
)

// ConsumerControl is the administrative surface over the broker consumer.
type ConsumerControl interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// Server is the HTTP server.
type Server struct {
	cfg        *config.Config
	store      interfaces.Store
	dispatcher *dispatch.Dispatcher
	resolver   *session.Resolver
	activities *activity.Service
	gateway    generation.Gateway
	hub        *push.Hub
	dlq        *messaging.DeadLetterQueue
	consumer   ConsumerControl
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// ServiceHealth is one service's health status.
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the full system status payload.
type StatusResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Uptime       string          `json:"uptime"`
	Services     map[string]any  `json:"services"`
	Channels     map[string]bool `json:"channels"`
	PushSessions int             `json:"push_sessions"`
	Timestamp    string          `json:"timestamp"`
}

// MessageRequest is the inbound dispatch payload.
type MessageRequest struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id,omitempty"`
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// SessionRequest creates or renames a session.
type SessionRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title,omitempty"`
}

// New creates the HTTP server. dlq and consumer may be nil when the broker is
// disabled.
func New(cfg *config.Config, st interfaces.Store, d *dispatch.Dispatcher, resolver *session.Resolver, activities *activity.Service, gw generation.Gateway, hub *push.Hub, dlq *messaging.DeadLetterQueue, consumer ConsumerControl, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		resolver:   resolver,
		activities: activities,
		gateway:    gw,
		hub:        hub,
		dlq:        dlq,
		consumer:   consumer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/status", s.statusHandler)
	mux.HandleFunc("/api/v1/messages", s.messagesHandler)
	mux.HandleFunc("/api/v1/messages/", s.messageHandler)
	mux.HandleFunc("/api/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/v1/sessions/", s.sessionHandler)
	mux.HandleFunc("/api/v1/activities/active", s.activeActivityHandler)
	mux.HandleFunc("/api/v1/activities/end", s.endActivityHandler)
	mux.HandleFunc("/api/v1/consumer/start", s.consumerStartHandler)
	mux.HandleFunc("/api/v1/consumer/stop", s.consumerStopHandler)
	mux.HandleFunc("/api/v1/dlq", s.dlqListHandler)
	mux.HandleFunc("/api/v1/dlq/retry", s.dlqRetryHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ─── dispatch ───

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "user_id and text are required", http.StatusBadRequest)
		return
	}

	msg, err := s.dispatcher.Handle(r.Context(), req.UserID, req.SessionID, req.Text, req.ClientMessageID, "api")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// messageHandler handles /api/v1/messages/{id} and /api/v1/messages/{id}/restore.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/messages/")
	if id, ok := strings.CutSuffix(rest, "/restore"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.store.RestoreMessage(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.reloadBufferFor(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		msg, err := s.store.GetMessage(r.Context(), rest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case http.MethodDelete:
		if err := s.store.SoftDeleteMessage(r.Context(), rest); err != nil {
			s.writeError(w, err)
			return
		}
		s.reloadBufferFor(r.Context(), rest)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// reloadBufferFor drops the warm buffer of the message's session so the next
// turn reloads visibility changes from the store.
func (s *Server) reloadBufferFor(ctx context.Context, messageID string) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return
	}
	s.resolver.Reload(msg.SessionID)
}

// ─── sessions ───

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		sessions, err := s.store.ListSessions(r.Context(), userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case http.MethodPost:
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		sess, err := s.resolver.Create(r.Context(), req.UserID, req.Title)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionHandler handles /api/v1/sessions/{id} and /api/v1/sessions/{id}/messages.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id, ok := strings.CutSuffix(rest, "/messages"); ok {
		s.sessionMessagesHandler(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.ownedSession(r.Context(), rest, r.URL.Query().Get("user_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodPatch:
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if _, err := s.ownedSession(r.Context(), rest, req.UserID); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.store.UpdateSessionTitle(r.Context(), rest, req.Title); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		sess, err := s.ownedSession(r.Context(), rest, r.URL.Query().Get("user_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if sess.IsDefault() {
			http.Error(w, "the default session cannot be deleted", http.StatusBadRequest)
			return
		}
		if err := s.store.DeleteSession(r.Context(), rest); err != nil {
			s.writeError(w, err)
			return
		}
		s.resolver.Evict(rest)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ownedSession loads a session and verifies the caller owns it. Management
// endpoints surface the denial; only the resolver's dispatch fallback is
// allowed to swallow a foreign id.
func (s *Server) ownedSession(ctx context.Context, id, userID string) (*types.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == "" || sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrAccessDenied)
	}
	return sess, nil
}

func (s *Server) sessionMessagesHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.ownedSession(r.Context(), sessionID, r.URL.Query().Get("user_id")); err != nil {
		s.writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	activityID := r.URL.Query().Get("activity_id")
	msgs, err := s.store.RecentMessages(r.Context(), sessionID, activityID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ─── activities ───

func (s *Server) activeActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		http.Error(w, "user_id and session_id are required", http.StatusBadRequest)
		return
	}
	a, err := s.activities.Active(r.Context(), userID, sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a == nil {
		http.Error(w, "no active activity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) endActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	a, err := s.activities.End(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a == nil {
		http.Error(w, "no active activity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ─── broker control ───

func (s *Server) consumerStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.consumer == nil {
		http.Error(w, "broker is disabled", http.StatusConflict)
		return
	}
	if err := s.consumer.Start(context.Background()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) consumerStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.consumer == nil {
		http.Error(w, "broker is disabled", http.StatusConflict)
		return
	}
	s.consumer.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) dlqListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dlq == nil {
		http.Error(w, "broker is disabled", http.StatusConflict)
		return
	}
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = 50
	}
	letters, err := s.dlq.GetDeadLetters(r.Context(), count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) dlqRetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dlq == nil {
		http.Error(w, "broker is disabled", http.StatusConflict)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := s.dlq.RetryDeadLetter(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// ─── push ───

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	// Resolve applies the default-session fallback so a stale id still gets a
	// live channel.
	sess, _, err := s.resolver.Resolve(r.Context(), userID, sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(sess.ID, conn)
	defer s.hub.Unregister(sess.ID, conn)

	// Reads keep the connection alive and detect disconnects; inbound chat
	// goes through POST /api/v1/messages or the webchat adapter.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ─── health and status ───

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := map[string]ServiceHealth{
		"http": {Healthy: true, Message: "HTTP server running"},
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.gateway.Health(ctx); err != nil {
		services["generation"] = ServiceHealth{Healthy: false, Message: err.Error()}
	} else {
		services["generation"] = ServiceHealth{Healthy: true}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0",
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := map[string]any{
		"broker": map[string]any{
			"enabled": s.cfg.Redis.Enabled,
			"running": s.consumer != nil && s.consumer.Running(),
		},
		"store": map[string]any{"path": s.cfg.Store.Path},
	}
	if s.dlq != nil {
		if n, err := s.dlq.GetDLQCount(r.Context()); err == nil {
			services["dlq"] = map[string]any{"count": n}
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:       "healthy",
		Version:      "1.0.0",
		Uptime:       time.Since(s.startTime).String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Services:     services,
		PushSessions: s.hub.SessionCount(),
		Channels: map[string]bool{
			"telegram": s.cfg.Channels.Telegram.Enabled,
			"discord":  s.cfg.Channels.Discord.Enabled,
			"webchat":  s.cfg.Channels.WebChat.Enabled,
		},
	})
}

// ─── helpers ───

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAccessDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, activity.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
