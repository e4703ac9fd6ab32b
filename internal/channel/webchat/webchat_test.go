package webchat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopWhileClientsSending(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewWebChatAdapter(0, logger)
	require.NoError(t, a.Start(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(a.wsHandler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Keep frames flowing while the adapter shuts down underneath them.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			if err := conn.WriteJSON(WSMessage{Type: "message", Content: "ping"}); err != nil {
				return
			}
		}
	}()

	select {
	case m := <-a.Incoming():
		assert.Equal(t, "u1", m.UserID)
		assert.Equal(t, "ping", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived before shutdown")
	}

	require.NoError(t, a.Stop())

	// After Stop the channel must drain and close without a stray send.
	for range a.Incoming() {
	}

	select {
	case <-writerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client writer never observed the close")
	}
}

func TestStopRefusesNewConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewWebChatAdapter(0, logger)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop())

	srv := httptest.NewServer(http.HandlerFunc(a.wsHandler))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?user_id=u2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
