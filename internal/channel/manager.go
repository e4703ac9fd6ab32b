package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// Handler is the dispatcher surface the manager needs.
type Handler interface {
	Handle(ctx context.Context, userID, sessionID, text, clientMessageID, source string) (*types.Message, error)
}

// Manager owns the enabled adapters and pumps their inbound messages through
// the dispatcher, sending responses back on the originating channel.
type Manager struct {
	handler  Handler
	adapters []Adapter
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager creates a manager over the enabled subset of adapters.
func NewManager(handler Handler, adapters []Adapter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	enabled := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a.IsEnabled() {
			enabled = append(enabled, a)
		}
	}
	return &Manager{handler: handler, adapters: enabled, logger: logger}
}

// Start launches every adapter and its pump loop. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, a := range m.adapters {
		if err := a.Start(runCtx); err != nil {
			m.logger.Error("adapter start failed", "channel", a.Name(), "error", err)
			continue
		}
		m.logger.Info("channel started", "channel", a.Name())
		m.wg.Add(1)
		go m.pump(runCtx, a)
	}
	m.running = true
	return nil
}

// Stop shuts down every adapter and waits for the pumps to drain. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	for _, a := range m.adapters {
		if err := a.Stop(); err != nil {
			m.logger.Warn("adapter stop failed", "channel", a.Name(), "error", err)
		}
	}
	m.wg.Wait()
	m.running = false
}

func (m *Manager) pump(ctx context.Context, a Adapter) {
	defer m.wg.Done()
	for msg := range a.Incoming() {
		resp, err := m.handler.Handle(ctx, msg.UserID, msg.SessionID, msg.Content, msg.ClientMessageID, a.Name())
		if err != nil {
			m.logger.Error("message handling failed", "channel", a.Name(), "user_id", msg.UserID, "error", err)
			continue
		}
		if resp.Content == "" {
			// Async placeholder; the push channel delivers the final turn.
			continue
		}
		if err := a.SendMessage(msg.UserID, &Response{Content: resp.Content}); err != nil {
			m.logger.Warn("channel send failed", "channel", a.Name(), "user_id", msg.UserID, "error", err)
		}
	}
}
