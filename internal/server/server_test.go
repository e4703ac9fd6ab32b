package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/config"
	"github.com/cortexhub/companion-gateway/internal/push"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/store"
)

func newTestServer(t *testing.T) (*Server, *session.Resolver, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := session.NewResolver(st, session.Config{Window: 50}, logger)
	activities := activity.NewService(st, nil, nil, nil, activity.DefaultEngagementConfig(), logger)
	hub := push.NewHub(logger)
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	srv := New(cfg, st, nil, resolver, activities, nil, hub, nil, nil, logger)
	return srv, resolver, st
}

func TestSessionEndpointsEnforceOwnership(t *testing.T) {
	srv, resolver, st := newTestServer(t)
	ctx := context.Background()

	sess, err := resolver.Create(ctx, "alice", "reading list")
	require.NoError(t, err)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var r *http.Request
		if body != "" {
			r = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			r = httptest.NewRequest(method, path, nil)
		}
		w := httptest.NewRecorder()
		srv.sessionHandler(w, r)
		return w
	}

	base := "/api/v1/sessions/" + sess.ID

	// A caller who does not own the session is refused outright.
	assert.Equal(t, http.StatusForbidden, do(http.MethodGet, base+"?user_id=mallory", "").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodGet, base+"/messages?user_id=mallory", "").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPatch, base, `{"user_id":"mallory","title":"mine now"}`).Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodDelete, base+"?user_id=mallory", "").Code)

	// A missing user_id gets the same treatment.
	assert.Equal(t, http.StatusForbidden, do(http.MethodGet, base, "").Code)

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "reading list", stored.Title)

	// The owner keeps full access.
	assert.Equal(t, http.StatusOK, do(http.MethodGet, base+"?user_id=alice", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, base+"/messages?user_id=alice", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPatch, base, `{"user_id":"alice","title":"renamed"}`).Code)

	stored, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Title)

	assert.Equal(t, http.StatusOK, do(http.MethodDelete, base+"?user_id=alice", "").Code)
	_, err = st.GetSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
