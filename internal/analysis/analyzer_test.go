package analysis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
)

type scriptedGateway struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (g *scriptedGateway) Generate(_ context.Context, _ *generation.Request) (*generation.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return &generation.Result{Text: g.text, Provider: "scripted"}, nil
}

func (g *scriptedGateway) Health(context.Context) error { return nil }

type capturingPublisher struct {
	mu      sync.Mutex
	streams []string
	values  []map[string]interface{}
	failing bool
}

func (p *capturingPublisher) Publish(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return "", fmt.Errorf("broker unreachable")
	}
	p.streams = append(p.streams, stream)
	p.values = append(p.values, values)
	return fmt.Sprintf("0-%d", len(p.values)), nil
}

func newTestAnalyzer(t *testing.T, gw generation.Gateway, minInterval time.Duration) (*Analyzer, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAnalyzer(NewCache(minInterval), st, gw, nil, logger), st
}

func TestProcessThinkingPublishesTask(t *testing.T) {
	a, _ := newTestAnalyzer(t, nil, 2*time.Minute)
	pub := &capturingPublisher{}
	a.UseBroker(pub)

	history := []generation.Turn{{Role: types.RoleUser, Content: "I keep thinking about the sea"}}
	assert.True(t, a.ProcessThinking("u1", "s1", history))

	require.Len(t, pub.values, 1)
	assert.Equal(t, messaging.StreamAnalysis, pub.streams[0])
	env, err := messaging.EnvelopeFromRedisValues(pub.values[0])
	require.NoError(t, err)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, "s1", env.SessionID)
	assert.Contains(t, env.Text, "thinking about the sea")

	// The publish released the in-flight slot and stamped the interval: the
	// next turn deduplicates instead of publishing again.
	e := a.Cache().Get("s1")
	require.NotNil(t, e)
	assert.False(t, e.InProgress)
	assert.False(t, a.ProcessThinking("u1", "s1", history))
	assert.Len(t, pub.values, 1)
}

func TestRunTaskStoresAnalysis(t *testing.T) {
	gw := &scriptedGateway{text: `{"insight":"wistful about the coast","goals":["ask about it"],"strategy":"stay gentle"}`}
	a, st := newTestAnalyzer(t, gw, 2*time.Minute)
	ctx := context.Background()

	env := messaging.NewEnvelope("u1", "s1", "user: I miss the coast\n", "", "analysis")
	require.NoError(t, a.RunTask(ctx, &env))

	rec, err := st.LatestAnalysis(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "wistful about the coast", rec.Insight)
	assert.Equal(t, []string{"ask about it"}, rec.Goals)

	e := a.Cache().Get("s1")
	require.NotNil(t, e)
	assert.Equal(t, "wistful about the coast", e.Insight)
}

func TestInjectRewarmsWithRecordAge(t *testing.T) {
	a, st := newTestAnalyzer(t, nil, 10*time.Minute)
	ctx := context.Background()

	old := &types.AnalysisRecord{
		ID:        uuid.NewString(),
		SessionID: "s1",
		UserID:    "u1",
		Insight:   "has been busy lately",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.SaveAnalysis(ctx, old))

	snippet, ok := a.Inject(ctx, "u1", "s1")
	assert.True(t, ok)
	assert.Contains(t, snippet, "has been busy lately")

	// The durable record is an hour old, so a fresh analysis is due now.
	assert.True(t, a.Cache().ShouldAnalyze("s1"),
		"re-warming from an old record must not restart the interval")
}

func TestInjectRewarmFreshRecordStillBlocks(t *testing.T) {
	a, st := newTestAnalyzer(t, nil, 10*time.Minute)
	ctx := context.Background()

	rec := &types.AnalysisRecord{
		ID:        uuid.NewString(),
		SessionID: "s1",
		UserID:    "u1",
		Insight:   "excited about the new job",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveAnalysis(ctx, rec))

	_, ok := a.Inject(ctx, "u1", "s1")
	assert.True(t, ok)
	assert.False(t, a.Cache().ShouldAnalyze("s1"))
}
