package push

import (
	"log/slog"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// Reconciler resolves optimistic client messages against server results. The
// client appends a provisional message with a temporary id as soon as the
// user hits send; once the server persists the real message the reconciler
// pushes an update that replaces the provisional entry in place.
type Reconciler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewReconciler creates a reconciler over a hub.
func NewReconciler(hub *Hub, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{hub: hub, logger: logger}
}

// Send broadcasts an event to every connection on a session.
func (r *Reconciler) Send(sessionID, eventType string, payload interface{}) {
	r.hub.Send(sessionID, eventType, payload)
}

// ReconcileOptimistic pushes a messageUpdate that carries both the client's
// temporary id and the persisted message, so the client can swap its
// provisional entry for the real one.
func (r *Reconciler) ReconcileOptimistic(sessionID, clientTempID string, msg *types.Message) {
	r.hub.Send(sessionID, EventMessageUpdate, map[string]interface{}{
		"client_temp_id": clientTempID,
		"message":        msg,
	})
}

// MergeOptimistic merges a persisted message into a message list that may
// contain an optimistic placeholder. The placeholder (matched by temporary
// id) is replaced in place, preserving order. If no placeholder exists but a
// message with the same server id does, that entry is overwritten. Otherwise
// the message is appended. The same rules run client-side; keeping a server
// copy lets the session buffer stay consistent with what clients display.
func MergeOptimistic(history []*types.Message, clientTempID string, msg *types.Message) []*types.Message {
	if clientTempID != "" {
		for i := range history {
			if history[i].ID == clientTempID || history[i].Meta.ClientMessageID == clientTempID {
				history[i] = msg
				return history
			}
		}
	}
	for i := range history {
		if history[i].ID == msg.ID {
			history[i] = msg
			return history
		}
	}
	return append(history, msg)
}
