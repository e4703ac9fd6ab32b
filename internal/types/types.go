// Package types defines the shared domain model for the companion gateway:
// sessions, messages, activities and analysis records. Persistence and
// behavior live in the packages that own them; this package is import-safe
// from anywhere.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a message through the dispatch pipeline.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusError      MessageStatus = "error"
)

// Session is a durable conversation thread between a user and the companion.
// Exactly one default session exists per user; it is never deleted.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Title          string            `json:"title,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// IsDefault reports whether s is the user's default session.
func (s *Session) IsDefault() bool {
	return s.ID == DefaultSessionID(s.UserID)
}

// DefaultSessionID derives the deterministic default session id for a user.
// UUIDv5 over the user id keeps the id stable across restarts without a
// lookup.
func DefaultSessionID(userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("session:default:"+userID)).String()
}

// MessageMeta carries optional per-message annotations.
type MessageMeta struct {
	// ActivityID tags messages produced inside a structured activity.
	ActivityID string `json:"activity_id,omitempty"`
	// UserMessageID links an assistant message to the user turn that
	// triggered it. Empty only for system-generated activity or
	// continuation responses.
	UserMessageID string `json:"user_message_id,omitempty"`
	// ClientMessageID is the optimistic id supplied by the client, echoed
	// back so the client can reconcile its local buffer.
	ClientMessageID string `json:"client_message_id,omitempty"`
	// ActionExecuted names the activity command handled for this turn, if
	// any (e.g. "start", "end", "continue").
	ActionExecuted string `json:"action_executed,omitempty"`
	// Synthetic marks messages produced without a gateway call.
	Synthetic bool `json:"synthetic,omitempty"`
	// Provider records which generation engine produced the text.
	Provider string `json:"provider,omitempty"`
}

// Message is a single conversation turn. Messages are soft-deleted, never
// hard-deleted, so derived records keep valid references.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	IsDeleted bool          `json:"is_deleted"`
	Meta      MessageMeta   `json:"meta"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(sessionID string, role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Status:    StatusPending,
		Timestamp: time.Now().UTC(),
	}
}

// AnalysisRecord is the durable result of one background psychological
// analysis pass over a session.
type AnalysisRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Insight   string    `json:"insight,omitempty"`
	Goals     []string  `json:"goals,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryRecord is a derived long-lived record, e.g. an end-of-activity
// summary. Kept deliberately small; semantic search over memories is out of
// scope for the gateway.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	SourceID  string    `json:"source_id,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
