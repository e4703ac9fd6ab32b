// Package session maps (user, optional session id) pairs onto durable
// sessions and warm in-memory conversation buffers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
)

// Resolver resolves session ids to durable sessions and conversation buffers.
// A stale or foreign session id falls back to the caller's default session:
// message delivery never blocks on a bad client-held id.
type Resolver struct {
	store      interfaces.Store
	window     int
	maxPerUser int
	logger     *slog.Logger

	mu      sync.Mutex
	buffers map[string]*Buffer
}

// Config tunes the resolver.
type Config struct {
	// Window is the rolling buffer size per session.
	Window int
	// MaxPerUser caps user-created sessions; the oldest non-default session
	// is ended when exceeded. 0 means unlimited.
	MaxPerUser int
}

// NewResolver creates a resolver over the given store.
func NewResolver(st interfaces.Store, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.Window <= 0 {
		cfg.Window = 50
	}
	return &Resolver{
		store:      st,
		window:     cfg.Window,
		maxPerUser: cfg.MaxPerUser,
		logger:     logger,
		buffers:    make(map[string]*Buffer),
	}
}

// Resolve returns the session and warm buffer for the pair. When sessionID is
// empty, missing, or owned by another user, the user's default session is
// used instead. Side effect: last_activity_at is updated.
func (r *Resolver) Resolve(ctx context.Context, userID, sessionID string) (*types.Session, *Buffer, error) {
	sess, err := r.lookup(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if err := r.store.TouchSession(ctx, sess.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("touch session failed", "session_id", sess.ID, "error", err)
	}

	buf, err := r.buffer(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, buf, nil
}

func (r *Resolver) lookup(ctx context.Context, userID, sessionID string) (*types.Session, error) {
	if sessionID != "" {
		sess, err := r.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && sess.UserID == userID:
			return sess, nil
		case err == nil:
			// Owned by another user. Fall back rather than leak.
			r.logger.Warn("session owned by another user, falling back to default",
				"session_id", sessionID, "user_id", userID)
		case errors.Is(err, store.ErrNotFound):
			r.logger.Debug("stale session id, falling back to default",
				"session_id", sessionID, "user_id", userID)
		default:
			return nil, err
		}
	}
	return r.defaultSession(ctx, userID)
}

func (r *Resolver) defaultSession(ctx context.Context, userID string) (*types.Session, error) {
	id := types.DefaultSessionID(userID)
	sess, err := r.store.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &types.Session{
		ID:             id,
		UserID:         userID,
		Title:          "Conversation",
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		// Lost a create race; the row is there now.
		if existing, gerr := r.store.GetSession(ctx, id); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create default session: %w", err)
	}
	return sess, nil
}

// Create creates a user session and enforces the per-user cap by ending the
// oldest non-default session when exceeded.
func (r *Resolver) Create(ctx context.Context, userID, title string) (*types.Session, error) {
	now := time.Now().UTC()
	sess := &types.Session{
		ID:             newSessionID(),
		UserID:         userID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := r.EnforceCap(ctx, userID); err != nil {
		r.logger.Warn("session cap enforcement failed", "user_id", userID, "error", err)
	}
	return sess, nil
}

// EnforceCap ends the oldest live non-default sessions past MaxPerUser.
func (r *Resolver) EnforceCap(ctx context.Context, userID string) error {
	if r.maxPerUser <= 0 {
		return nil
	}
	sessions, err := r.store.ListSessions(ctx, userID)
	if err != nil {
		return err
	}

	var live []*types.Session
	for _, s := range sessions {
		if s.EndedAt == nil && !s.IsDefault() {
			live = append(live, s)
		}
	}
	// ListSessions is most-recently-active first; the tail is oldest.
	for i := len(live) - 1; i >= 0 && len(live) > r.maxPerUser; i-- {
		if err := r.store.EndSession(ctx, live[i].ID, time.Now().UTC()); err != nil {
			return err
		}
		r.Evict(live[i].ID)
		live = live[:i]
	}
	return nil
}

// buffer returns the warm buffer for sess, cold-loading it from the store
// when absent. When an activity is active only its tagged messages load;
// otherwise only untagged messages load.
func (r *Resolver) buffer(ctx context.Context, sess *types.Session) (*Buffer, error) {
	r.mu.Lock()
	buf, ok := r.buffers[sess.ID]
	if !ok {
		buf = NewBuffer(sess.ID, r.window)
		r.buffers[sess.ID] = buf
	}
	r.mu.Unlock()
	if ok {
		return buf, nil
	}

	activityID := ""
	active, err := r.store.ActiveActivity(ctx, sess.UserID, sess.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		activityID = active.ID
	}

	msgs, err := r.store.RecentMessages(ctx, sess.ID, activityID, r.window)
	if err != nil {
		return nil, err
	}
	// The store query is newest-first; the buffer wants chronological order.
	reverse(msgs)
	buf.Replace(msgs)
	return buf, nil
}

// Reload discards the cached buffer so the next Resolve cold-loads it. Used
// after an activity starts or ends, when the visible message set changes.
func (r *Resolver) Reload(sessionID string) {
	r.Evict(sessionID)
}

// Evict drops the warm buffer for a session.
func (r *Resolver) Evict(sessionID string) {
	r.mu.Lock()
	delete(r.buffers, sessionID)
	r.mu.Unlock()
}

// WarmSessions returns the ids of sessions with live buffers.
func (r *Resolver) WarmSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buffers))
	for id := range r.buffers {
		out = append(out, id)
	}
	return out
}

func newSessionID() string {
	return uuid.NewString()
}

func reverse(msgs []*types.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
