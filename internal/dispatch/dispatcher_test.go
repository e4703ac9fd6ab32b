package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/analysis"
	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/push"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/worker"
)

// scriptedGateway returns canned text, or errors when failing is set.
type scriptedGateway struct {
	mu      sync.Mutex
	text    string
	failing bool
	calls   int
	reqs    []*generation.Request
}

func (g *scriptedGateway) Generate(_ context.Context, req *generation.Request) (*generation.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reqs = append(g.reqs, req)
	if g.failing {
		return nil, fmt.Errorf("%w: scripted failure", generation.ErrTransport)
	}
	return &generation.Result{Text: g.text, Provider: "scripted"}, nil
}

func (g *scriptedGateway) Health(context.Context) error { return nil }

func (g *scriptedGateway) requests() []*generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*generation.Request(nil), g.reqs...)
}

// pushEvent is one captured notifier call.
type pushEvent struct {
	eventType string
	tempID    string
	msg       *types.Message
}

// recordingNotifier captures pushed events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []pushEvent
}

func (n *recordingNotifier) Send(_ string, eventType string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev := pushEvent{eventType: eventType}
	if m, ok := payload.(*types.Message); ok {
		ev.msg = m
	}
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ReconcileOptimistic(_, tempID string, msg *types.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, pushEvent{eventType: push.EventMessageUpdate, tempID: tempID, msg: msg})
}

// messageEvents returns the messageUpdate events carrying a message, in push
// order.
func (n *recordingNotifier) messageEvents() []pushEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []pushEvent
	for _, ev := range n.events {
		if ev.eventType == push.EventMessageUpdate && ev.msg != nil {
			out = append(out, ev)
		}
	}
	return out
}

// failingPublisher rejects every publish, forcing the synchronous fallback.
type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, map[string]interface{}) (string, error) {
	p.calls++
	return "", errors.New("broker unreachable")
}

// capturingPublisher accepts publishes and remembers the envelope values.
type capturingPublisher struct {
	mu     sync.Mutex
	values []map[string]interface{}
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, values map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, values)
	return fmt.Sprintf("0-%d", len(p.values)), nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.SQLiteStore
	resolver   *session.Resolver
	activities *activity.Service
	gateway    *scriptedGateway
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, publisher Publisher, cfg Config) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := &scriptedGateway{text: "The horizon is nothing but open water."}
	// Background work (state updates, analysis) uses its own gateway so call
	// counts on the turn path stay deterministic.
	sideGW := &scriptedGateway{text: "{}"}

	pool := worker.NewPool(1, 8, logger)
	t.Cleanup(pool.Close)

	resolver := session.NewResolver(st, session.Config{Window: 50}, logger)
	activities := activity.NewService(st, sideGW, pool, nil, activity.DefaultEngagementConfig(), logger)
	analyzer := analysis.NewAnalyzer(analysis.NewCache(2*time.Minute), st, sideGW, pool, logger)
	notifier := &recordingNotifier{}

	d := NewDispatcher(st, resolver, activities, analyzer, gw, notifier, publisher, cfg, logger)
	return &fixture{
		dispatcher: d,
		store:      st,
		resolver:   resolver,
		activities: activities,
		gateway:    gw,
		notifier:   notifier,
	}
}

func TestHandleSyncTurn(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	resp, err := f.dispatcher.Handle(ctx, "u1", "", "hello there", "tmp-1", "api")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.Equal(t, "The horizon is nothing but open water.", resp.Content)
	assert.Equal(t, "scripted", resp.Meta.Provider)

	// Empty session id resolves to the caller's default session.
	assert.Equal(t, types.DefaultSessionID("u1"), resp.SessionID)

	userMsg, err := f.store.GetMessage(ctx, resp.Meta.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", userMsg.Content)
	assert.Equal(t, "tmp-1", userMsg.Meta.ClientMessageID)
}

func TestHandleStartCommand(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	resp, err := f.dispatcher.Handle(ctx, "u1", "", "/start roleplay: pirates", "", "api")
	require.NoError(t, err)
	assert.True(t, resp.Meta.Synthetic)
	assert.Equal(t, "start", resp.Meta.ActionExecuted)
	assert.Contains(t, resp.Content, "pirates")
	assert.Equal(t, 0, f.gateway.calls, "commands never reach the gateway")

	active, err := f.activities.Active(ctx, "u1", types.DefaultSessionID("u1"))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.ActivityRoleplay, active.Type)
	assert.Equal(t, "pirates", active.Name)

	// Next normal turn is tagged with the activity.
	resp, err = f.dispatcher.Handle(ctx, "u1", "", "what do you see from the crow's nest of our pirate ship?", "", "api")
	require.NoError(t, err)
	assert.Equal(t, active.ID, resp.Meta.ActivityID)

	userMsg, err := f.store.GetMessage(ctx, resp.Meta.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, active.ID, userMsg.Meta.ActivityID)
}

func TestHandleEndCommandWithoutActivity(t *testing.T) {
	f := newFixture(t, nil, Config{})

	resp, err := f.dispatcher.Handle(context.Background(), "u1", "", "/end", "", "api")
	require.NoError(t, err)
	assert.True(t, resp.Meta.Synthetic)
	assert.Equal(t, "There's nothing running right now.", resp.Content)
}

func TestHandleRetryDedup(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	first, err := f.dispatcher.Handle(ctx, "u1", "", "hello", "client-42", "api")
	require.NoError(t, err)

	retry, err := f.dispatcher.Handle(ctx, "u1", "", "hello", "client-42", "api")
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.ID, "retried client id returns the prior reply")
	assert.Equal(t, 1, f.gateway.calls, "retry must not reprocess")
}

func TestHandleBrokerFallback(t *testing.T) {
	pub := &failingPublisher{}
	f := newFixture(t, pub, Config{AsyncEnabled: true, PublishTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	resp, err := f.dispatcher.Handle(ctx, "u1", "", "hello", "", "api")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, types.StatusCompleted, resp.Status,
		"publish failure degrades to the synchronous path, the user still gets an answer")
	assert.NotEqual(t, types.StatusProcessing, resp.Status)

	// The orphaned placeholder was marked errored, never left in flight.
	stale, err := f.store.StaleProcessingMessages(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestHandleAsyncEnqueue(t *testing.T) {
	pub := &capturingPublisher{}
	f := newFixture(t, pub, Config{AsyncEnabled: true})
	ctx := context.Background()

	resp, err := f.dispatcher.Handle(ctx, "u1", "", "hello", "tmp-9", "api")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, resp.Status)
	assert.Empty(t, resp.Content)
	assert.Equal(t, 0, f.gateway.calls, "async path defers generation to the consumer")

	require.Len(t, pub.values, 1)
	env, err := messaging.EnvelopeFromRedisValues(pub.values[0])
	require.NoError(t, err)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, "hello", env.Text)
	assert.Equal(t, resp.ID, env.Config["placeholder_id"])
	assert.Equal(t, resp.Meta.UserMessageID, env.Config["user_message_id"])
}

func TestContinuationPromptInterceptsTurn(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, err := f.dispatcher.Handle(ctx, "u1", "", "/start roleplay: pirates", "", "api")
	require.NoError(t, err)

	cfg := f.activities.EngagementConfig()
	var resp *types.Message
	for i := 0; i < cfg.IrrelevantThreshold; i++ {
		resp, err = f.dispatcher.Handle(ctx, "u1", "",
			fmt.Sprintf("anyway, unrelated question number %d about taxes", i), "", "api")
		require.NoError(t, err)
	}

	assert.True(t, resp.Meta.Synthetic)
	assert.Equal(t, "continuation-prompt", resp.Meta.ActionExecuted)
	assert.Contains(t, resp.Content, "drifted")
}

func TestClientMergeKeepsUserMessageAndReply(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	resp, err := f.dispatcher.Handle(ctx, "u1", "", "hello there", "tmp-1", "api")
	require.NoError(t, err)

	// Replay the pushed updates the way a client does: start from the
	// optimistic entry and fold every messageUpdate in with the merge rules.
	optimistic := types.NewMessage(resp.SessionID, types.RoleUser, "hello there")
	optimistic.ID = "tmp-1"
	optimistic.Meta.ClientMessageID = "tmp-1"
	history := []*types.Message{optimistic}
	for _, ev := range f.notifier.messageEvents() {
		history = push.MergeOptimistic(history, ev.tempID, ev.msg)
	}

	require.Len(t, history, 2, "confirmed user message plus assistant reply")
	assert.Equal(t, types.RoleUser, history[0].Role)
	assert.Equal(t, "hello there", history[0].Content)
	assert.Equal(t, resp.ID, history[1].ID)
	assert.Equal(t, types.RoleAssistant, history[1].Role)
}

func TestActivityStartHidesEarlierTurns(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, err := f.dispatcher.Handle(ctx, "u1", "", "my neighbor keeps asking about compost bins", "", "api")
	require.NoError(t, err)

	_, err = f.dispatcher.Handle(ctx, "u1", "", "/start roleplay: pirates", "", "api")
	require.NoError(t, err)

	_, err = f.dispatcher.Handle(ctx, "u1", "", "captain, what course do we set?", "", "api")
	require.NoError(t, err)

	reqs := f.gateway.requests()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	require.NotEmpty(t, last.History)
	for _, turn := range last.History {
		assert.NotContains(t, turn.Content, "compost",
			"pre-activity turns must not reach activity prompts")
	}
	assert.Equal(t, "captain, what course do we set?", last.History[len(last.History)-1].Content)
}

func TestActivityEndRestoresPlainView(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, err := f.dispatcher.Handle(ctx, "u1", "", "/start roleplay: pirates", "", "api")
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "u1", "", "captain, what course do we set?", "", "api")
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "u1", "", "/end", "", "api")
	require.NoError(t, err)

	_, err = f.dispatcher.Handle(ctx, "u1", "", "back to normal life then", "", "api")
	require.NoError(t, err)

	reqs := f.gateway.requests()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	for _, turn := range last.History {
		assert.NotContains(t, turn.Content, "captain",
			"in-activity turns must not leak after the activity ends")
	}
}

func TestGenerationFailureProducesErrorMessage(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.gateway.failing = true

	resp, err := f.dispatcher.Handle(context.Background(), "u1", "", "hello", "", "api")
	require.NoError(t, err, "generation failure is a degraded reply, not a pipeline error")
	assert.Equal(t, types.StatusError, resp.Status)
	assert.Contains(t, resp.Content, "trouble thinking")
}
