package analysis

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/types"
)

func newClockedCache(minInterval time.Duration) (*Cache, *time.Time) {
	c := NewCache(minInterval)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestBeginClaimsOnce(t *testing.T) {
	c, _ := newClockedCache(2 * time.Minute)

	assert.True(t, c.Begin("s1", "u1"), "first claim wins")
	assert.False(t, c.Begin("s1", "u1"), "second claim loses while in flight")
	assert.False(t, c.ShouldAnalyze("s1"))
}

func TestBeginConcurrent(t *testing.T) {
	c, _ := newClockedCache(2 * time.Minute)

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- c.Begin("s1", "u1")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent claim may win")
}

func TestCompleteEnforcesInterval(t *testing.T) {
	c, now := newClockedCache(2 * time.Minute)

	require.True(t, c.Begin("s1", "u1"))
	c.Complete("s1", &types.AnalysisRecord{
		UserID:   "u1",
		Insight:  "steers toward planning talk",
		Goals:    []string{"ship the demo"},
		Strategy: "keep answers concrete",
	})

	assert.False(t, c.Begin("s1", "u1"), "interval not yet elapsed")

	*now = now.Add(time.Minute)
	assert.False(t, c.Begin("s1", "u1"))

	*now = now.Add(time.Minute + time.Second)
	assert.True(t, c.Begin("s1", "u1"), "interval elapsed, claim reopens")
}

func TestFailAdvancesClockWithoutResult(t *testing.T) {
	c, now := newClockedCache(2 * time.Minute)

	require.True(t, c.Begin("s1", "u1"))
	c.Fail("s1")

	assert.False(t, c.Begin("s1", "u1"), "failure must not allow an immediate retry loop")

	e := c.Get("s1")
	require.NotNil(t, e)
	assert.Empty(t, e.Insight)

	*now = now.Add(3 * time.Minute)
	assert.True(t, c.Begin("s1", "u1"))
}

func TestGetReturnsCopy(t *testing.T) {
	c, _ := newClockedCache(2 * time.Minute)

	require.True(t, c.Begin("s1", "u1"))
	c.Complete("s1", &types.AnalysisRecord{UserID: "u1", Goals: []string{"a"}})

	e := c.Get("s1")
	require.NotNil(t, e)
	e.Goals[0] = "mutated"
	e.Insight = "mutated"

	again := c.Get("s1")
	assert.Equal(t, "a", again.Goals[0])
	assert.Empty(t, again.Insight)
}

func TestEvictStale(t *testing.T) {
	c, now := newClockedCache(2 * time.Minute)

	require.True(t, c.Begin("s1", "u1"))
	c.Complete("s1", nil)
	require.True(t, c.Begin("s2", "u2"))
	c.Complete("s2", nil)
	require.True(t, c.Begin("s3", "u3")) // still in flight

	*now = now.Add(2 * time.Hour)
	evicted := c.EvictStale(time.Hour)

	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, c.Len(), "in-flight entries survive eviction")
	assert.NotNil(t, c.Get("s3"))
}
