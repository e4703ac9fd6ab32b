// Package interfaces declares the contracts between the gateway's core
// components and their collaborators, so the dispatcher can be tested against
// in-memory fakes.
package interfaces

import (
	"context"
	"time"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*types.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
	EndSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	// SessionUserIDs lists the distinct owners of all sessions, for sweeps.
	SessionUserIDs(ctx context.Context) ([]string, error)
}

// MessageStore persists conversation turns. Deletes are soft: the row stays,
// is_deleted flips, and dependent derived records keep valid references.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *types.Message) error
	UpdateMessage(ctx context.Context, m *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	// FindByClientMessageID locates a prior turn by its optimistic client id,
	// used for idempotent retry detection.
	FindByClientMessageID(ctx context.Context, sessionID, clientID string) (*types.Message, error)
	// RecentMessages returns up to limit non-deleted messages newest-first,
	// filtered by activity tag: activityID == "" selects untagged messages
	// only, otherwise only messages tagged with that activity.
	RecentMessages(ctx context.Context, sessionID, activityID string, limit int) ([]*types.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) error
	RestoreMessage(ctx context.Context, id string) error
	// StaleProcessingMessages lists placeholders stuck in processing since
	// before cutoff, so the sweep can mark them errored.
	StaleProcessingMessages(ctx context.Context, cutoff time.Time) ([]*types.Message, error)
}

// ActivityStore persists structured activities.
type ActivityStore interface {
	CreateActivity(ctx context.Context, a *types.Activity) error
	UpdateActivity(ctx context.Context, a *types.Activity) error
	GetActivity(ctx context.Context, id string) (*types.Activity, error)
	// ActiveActivity returns the single active activity for the pair, or nil.
	ActiveActivity(ctx context.Context, userID, sessionID string) (*types.Activity, error)
	// StaleActiveActivities lists activities still active since before cutoff.
	StaleActiveActivities(ctx context.Context, cutoff time.Time) ([]*types.Activity, error)
}

// AnalysisStore persists background analysis results and derived memories.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *types.AnalysisRecord) error
	LatestAnalysis(ctx context.Context, sessionID string) (*types.AnalysisRecord, error)
	SaveMemory(ctx context.Context, m *types.MemoryRecord) error
}

// Store is the full durable-store surface.
type Store interface {
	SessionStore
	MessageStore
	ActivityStore
	AnalysisStore
}

// Notifier is the push side of the Delivery Reconciler as seen by the
// dispatcher: it fans events out to whatever client holds the session's
// channel.
type Notifier interface {
	Send(sessionID string, eventType string, payload any)
	ReconcileOptimistic(sessionID, clientTempID string, msg *types.Message)
}
