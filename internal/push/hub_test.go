package push

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/metrics"
)

// dialConns spins up an echo-less upgrade server and dials n client
// connections against it.
func dialConns(t *testing.T, n int) []*websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conns := make([]*websocket.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		conns = append(conns, conn)
	}
	return conns
}

func TestHubCountsSessionsNotConnections(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	conns := dialConns(t, 3)
	base := testutil.ToFloat64(metrics.ActivePushSessions)

	// Two tabs on s1 plus one on s2 is two sessions.
	hub.Register("s1", conns[0])
	hub.Register("s1", conns[1])
	hub.Register("s2", conns[2])
	assert.Equal(t, 2, hub.SessionCount())
	assert.Equal(t, base+2, testutil.ToFloat64(metrics.ActivePushSessions))

	// Closing one s1 tab leaves the session live.
	hub.Unregister("s1", conns[0])
	assert.Equal(t, 2, hub.SessionCount())
	assert.Equal(t, base+2, testutil.ToFloat64(metrics.ActivePushSessions))

	hub.Unregister("s1", conns[1])
	hub.Unregister("s2", conns[2])
	assert.Equal(t, 0, hub.SessionCount())
	assert.Equal(t, base, testutil.ToFloat64(metrics.ActivePushSessions))

	// A stray unregister for an unknown session must not move the gauge.
	hub.Unregister("s9", conns[0])
	assert.Equal(t, base, testutil.ToFloat64(metrics.ActivePushSessions))
}
