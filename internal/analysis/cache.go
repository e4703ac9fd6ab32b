// Package analysis runs the background psychological analysis of a session
// and guards it with an in-memory dedup cache: never more than one in-flight
// analysis per session, never more often than the configured interval.
package analysis

import (
	"sync"
	"time"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// Entry is the per-session cache record. Process-local and ephemeral: on
// restart the map is empty and the first turn re-derives it, which is exactly
// the first-turn bypass.
type Entry struct {
	SessionID        string
	UserID           string
	LastAnalysisTime time.Time
	Insight          string
	Goals            []string
	Strategy         string
	InProgress       bool
}

// Cache is the dedup coordinator. The InProgress flag acts as the mutex for
// the analysis itself; the Cache mutex only protects the map.
type Cache struct {
	minInterval time.Duration
	mu          sync.Mutex
	entries     map[string]*Entry
	now         func() time.Time
}

// NewCache creates a cache with the given minimum inter-analysis interval.
func NewCache(minInterval time.Duration) *Cache {
	if minInterval <= 0 {
		minInterval = 2 * time.Minute
	}
	return &Cache{
		minInterval: minInterval,
		entries:     make(map[string]*Entry),
		now:         time.Now,
	}
}

// ShouldAnalyze reports whether a new analysis may start for the session:
// yes when the session has no entry at all (first turn), no while one is in
// flight or the minimum interval has not elapsed.
func (c *Cache) ShouldAnalyze(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return true
	}
	if e.InProgress {
		return false
	}
	return c.now().Sub(e.LastAnalysisTime) >= c.minInterval
}

// Begin atomically claims the in-flight slot. Returns false when another
// analysis already holds it or the interval has not elapsed — the check and
// the claim happen under one lock so two concurrent callers cannot both win.
func (c *Cache) Begin(sessionID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		c.entries[sessionID] = &Entry{SessionID: sessionID, UserID: userID, InProgress: true}
		return true
	}
	if e.InProgress || c.now().Sub(e.LastAnalysisTime) < c.minInterval {
		return false
	}
	e.InProgress = true
	return true
}

// Complete stores the result and releases the in-flight slot.
func (c *Cache) Complete(sessionID string, rec *types.AnalysisRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		e = &Entry{SessionID: sessionID}
		c.entries[sessionID] = e
	}
	e.InProgress = false
	e.LastAnalysisTime = c.now()
	if rec != nil {
		e.UserID = rec.UserID
		e.Insight = rec.Insight
		e.Goals = rec.Goals
		e.Strategy = rec.Strategy
	}
}

// Warm seeds an entry from a durable record without claiming or touching the
// in-flight slot. LastAnalysisTime carries the record's own timestamp, so an
// old analysis leaves the session immediately eligible for a fresh one.
func (c *Cache) Warm(sessionID string, rec *types.AnalysisRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		e = &Entry{SessionID: sessionID}
		c.entries[sessionID] = e
	}
	if e.InProgress {
		return
	}
	e.LastAnalysisTime = rec.CreatedAt
	e.UserID = rec.UserID
	e.Insight = rec.Insight
	e.Goals = rec.Goals
	e.Strategy = rec.Strategy
}

// Fail releases the in-flight slot without recording a result. The last
// analysis time still advances so a crashing analyzer cannot hot-loop.
func (c *Cache) Fail(sessionID string) {
	c.Complete(sessionID, nil)
}

// Get returns a copy of the entry, or nil.
func (c *Cache) Get(sessionID string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return nil
	}
	cp := *e
	cp.Goals = append([]string(nil), e.Goals...)
	return &cp
}

// EvictStale drops entries idle for longer than ttl. Called from the cron
// sweep; in-flight entries are kept.
func (c *Cache) EvictStale(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	cutoff := c.now().Add(-ttl)
	for id, e := range c.entries {
		if !e.InProgress && e.LastAnalysisTime.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
