package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
)

func newTestResolver(t *testing.T, cfg Config) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(st, cfg, logger), st
}

func TestResolveEmptyIDCreatesDefault(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	ctx := context.Background()

	sess, buf, err := r.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSessionID("u1"), sess.ID)
	assert.True(t, sess.IsDefault())
	assert.Equal(t, 0, buf.Len())

	// Resolving again returns the same session, not a new one.
	again, _, err := r.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
}

func TestResolveStaleIDFallsBack(t *testing.T) {
	r, _ := newTestResolver(t, Config{})

	sess, _, err := r.Resolve(context.Background(), "u1", "no-such-session")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSessionID("u1"), sess.ID,
		"a stale client-held id must not block delivery")
}

func TestResolveForeignIDFallsBack(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	ctx := context.Background()

	other, err := r.Create(ctx, "u2", "someone else's thread")
	require.NoError(t, err)

	sess, _, err := r.Resolve(ctx, "u1", other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSessionID("u1"), sess.ID,
		"foreign session ids resolve to the caller's default, never leak")
}

func TestResolveOwnSession(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	ctx := context.Background()

	created, err := r.Create(ctx, "u1", "plans")
	require.NoError(t, err)

	sess, _, err := r.Resolve(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, sess.ID)
	assert.Equal(t, "plans", sess.Title)
}

func TestDefaultSessionIDDeterministic(t *testing.T) {
	assert.Equal(t, types.DefaultSessionID("u1"), types.DefaultSessionID("u1"))
	assert.NotEqual(t, types.DefaultSessionID("u1"), types.DefaultSessionID("u2"))
}

func TestEnforceCapEndsOldestFirst(t *testing.T) {
	r, st := newTestResolver(t, Config{MaxPerUser: 2})
	ctx := context.Background()

	// Default session never counts against the cap.
	_, _, err := r.Resolve(ctx, "u1", "")
	require.NoError(t, err)

	first, err := r.Create(ctx, "u1", "first")
	require.NoError(t, err)
	require.NoError(t, st.TouchSession(ctx, first.ID, time.Now().Add(-3*time.Hour)))

	second, err := r.Create(ctx, "u1", "second")
	require.NoError(t, err)
	require.NoError(t, st.TouchSession(ctx, second.ID, time.Now().Add(-2*time.Hour)))

	third, err := r.Create(ctx, "u1", "third")
	require.NoError(t, err)

	require.NoError(t, r.EnforceCap(ctx, "u1"))

	got1, err := st.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, got1.EndedAt, "oldest non-default session ends first")

	got2, err := st.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, got2.EndedAt)

	got3, err := st.GetSession(ctx, third.ID)
	require.NoError(t, err)
	assert.Nil(t, got3.EndedAt)

	def, err := st.GetSession(ctx, types.DefaultSessionID("u1"))
	require.NoError(t, err)
	assert.Nil(t, def.EndedAt, "the default session is never ended by the cap")
}

func TestBufferColdLoadChronological(t *testing.T) {
	r, st := newTestResolver(t, Config{Window: 10})
	ctx := context.Background()

	sess, buf, err := r.Resolve(ctx, "u1", "")
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		m := types.NewMessage(sess.ID, types.RoleUser, string(rune('a'+i)))
		m.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.AppendMessage(ctx, m))
	}

	// Drop the warm buffer so the next resolve cold-loads from the store.
	r.Evict(sess.ID)
	_, buf, err = r.Resolve(ctx, "u1", "")
	require.NoError(t, err)

	msgs := buf.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "c", msgs[2].Content, "cold load must be chronological, not newest-first")
}

func TestBufferWindowTrims(t *testing.T) {
	buf := NewBuffer("s1", 3)
	for i := 0; i < 5; i++ {
		buf.Append(types.NewMessage("s1", types.RoleUser, string(rune('a'+i))))
	}
	msgs := buf.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "e", msgs[2].Content)
}
