package activity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/types"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, nil, nil, nil, DefaultEngagementConfig(), logger), st
}

func TestStartEndLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Start(ctx, "u1", "s1", types.ActivityRoleplay, "pirates")
	require.NoError(t, err)
	assert.True(t, a.IsActive)
	assert.Equal(t, "pirates", a.State.Roleplay.Scenario)

	active, err := svc.Active(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, a.ID, active.ID)

	ended, err := svc.End(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.EndTime)

	active, err = svc.Active(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStartRejectsNormalType(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Start(context.Background(), "u1", "s1", types.ActivityNormal, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Start(context.Background(), "u1", "s1", "dance", "lessons")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStartReplacesActive(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, "u1", "s1", types.ActivityRoleplay, "pirates")
	require.NoError(t, err)

	second, err := svc.Start(ctx, "u1", "s1", types.ActivityGame, "tic tac toe")
	require.NoError(t, err)

	prev, err := st.GetActivity(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)
	require.NotNil(t, prev.EndTime)
	assert.False(t, prev.EndTime.After(second.StartTime),
		"previous activity must end no later than the replacement starts")

	active, err := svc.Active(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestConcurrentStartsLeaveOneActive(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Start(ctx, "u1", "s1", types.ActivityRoleplay, fmt.Sprintf("run-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active, err := svc.Active(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, active)

	allActive, err := st.StaleActiveActivities(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, allActive, 1, "only one activity may remain active")
	assert.Equal(t, active.ID, allActive[0].ID)
}

func TestPairsAreIndependent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a1, err := svc.Start(ctx, "u1", "s1", types.ActivityRoleplay, "pirates")
	require.NoError(t, err)
	a2, err := svc.Start(ctx, "u1", "s2", types.ActivityGame, "chess")
	require.NoError(t, err)

	got1, err := svc.Active(ctx, "u1", "s1")
	require.NoError(t, err)
	got2, err := svc.Active(ctx, "u1", "s2")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, got1.ID)
	assert.Equal(t, a2.ID, got2.ID)
}

func TestEndWithoutActive(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.End(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestRecordMessageTagsRefs(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	a, err := svc.Start(ctx, "u1", "s1", types.ActivityBrainstorm, "app names")
	require.NoError(t, err)

	msg := types.NewMessage("s1", types.RoleUser, "how about something about app names and branding")
	_, err = svc.RecordMessage(ctx, a, msg)
	require.NoError(t, err)

	stored, err := st.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.MessageRefs, msg.ID)
	assert.Equal(t, 1, stored.Engagement.MessageCount)
}

type capturingPublisher struct {
	mu      sync.Mutex
	streams []string
	values  []map[string]interface{}
}

func (p *capturingPublisher) Publish(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream)
	p.values = append(p.values, values)
	return fmt.Sprintf("0-%d", len(p.values)), nil
}

func TestEndPublishesSummaryTask(t *testing.T) {
	svc, _ := newTestService(t)
	pub := &capturingPublisher{}
	svc.UseBroker(pub)
	ctx := context.Background()

	a, err := svc.Start(ctx, "u1", "s1", types.ActivityGame, "chess")
	require.NoError(t, err)
	_, err = svc.End(ctx, "u1", "s1")
	require.NoError(t, err)

	require.Len(t, pub.values, 1)
	assert.Equal(t, messaging.StreamSummary, pub.streams[0])
	env, err := messaging.EnvelopeFromRedisValues(pub.values[0])
	require.NoError(t, err)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, a.ID, env.Config["activity_id"])
}

func TestSummarizeByIDLinksMemory(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	a, err := svc.Start(ctx, "u1", "s1", types.ActivityBrainstorm, "names")
	require.NoError(t, err)
	_, err = svc.End(ctx, "u1", "s1")
	require.NoError(t, err)

	require.NoError(t, svc.SummarizeByID(ctx, a.ID))

	stored, err := st.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SummaryMemoryID)
}
