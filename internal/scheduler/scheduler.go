// Package scheduler runs the gateway's periodic maintenance: analysis-cache
// eviction, idle-activity sweeps, stuck-placeholder cleanup and session cap
// enforcement.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/analysis"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
)

// Config tunes the sweeps.
type Config struct {
	// AnalysisStaleTTL evicts analysis cache entries idle longer than this.
	AnalysisStaleTTL time.Duration
	// ActivityIdleAfter ends activities that have been active longer than
	// this without being ended explicitly.
	ActivityIdleAfter time.Duration
	// ProcessingStuckAfter marks processing placeholders older than this as
	// errored so a turn never reads as in-flight forever.
	ProcessingStuckAfter time.Duration
}

// DefaultConfig returns the sweep defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisStaleTTL:     time.Hour,
		ActivityIdleAfter:    24 * time.Hour,
		ProcessingStuckAfter: 10 * time.Minute,
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	store      interfaces.Store
	resolver   *session.Resolver
	activities *activity.Service
	cache      *analysis.Cache
	cfg        Config
	logger     *slog.Logger
}

// NewScheduler creates the scheduler and registers its jobs.
func NewScheduler(st interfaces.Store, resolver *session.Resolver, activities *activity.Service, cache *analysis.Cache, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.AnalysisStaleTTL == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:       cron.New(),
		store:      st,
		resolver:   resolver,
		activities: activities,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
	}
	s.schedule()
	return s
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) schedule() {
	s.cron.AddFunc("@every 15m", s.evictStaleAnalyses)
	s.cron.AddFunc("@every 10m", s.sweepIdleActivities)
	s.cron.AddFunc("@every 5m", s.sweepStuckPlaceholders)
	s.cron.AddFunc("@every 1h", s.enforceSessionCaps)
}

func (s *Scheduler) evictStaleAnalyses() {
	n := s.cache.EvictStale(s.cfg.AnalysisStaleTTL)
	if n > 0 {
		s.logger.Info("evicted stale analysis entries", "count", n)
	}
}

func (s *Scheduler) sweepIdleActivities() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.ActivityIdleAfter)
	stale, err := s.store.StaleActiveActivities(ctx, cutoff)
	if err != nil {
		s.logger.Warn("idle activity sweep failed", "error", err)
		return
	}
	for _, a := range stale {
		if _, err := s.activities.End(ctx, a.UserID, a.SessionID); err != nil {
			s.logger.Warn("idle activity end failed", "activity_id", a.ID, "error", err)
		} else {
			s.logger.Info("ended idle activity", "activity_id", a.ID, "type", a.Type)
		}
	}
}

func (s *Scheduler) sweepStuckPlaceholders() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.ProcessingStuckAfter)
	stuck, err := s.store.StaleProcessingMessages(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stuck placeholder sweep failed", "error", err)
		return
	}
	for _, m := range stuck {
		m.Status = types.StatusError
		if m.Content == "" {
			m.Content = "Sorry, that one got lost along the way. Could you send it again?"
		}
		if err := s.store.UpdateMessage(ctx, m); err != nil {
			s.logger.Warn("stuck placeholder update failed", "message_id", m.ID, "error", err)
		}
	}
	if len(stuck) > 0 {
		s.logger.Info("cleared stuck placeholders", "count", len(stuck))
	}
}

func (s *Scheduler) enforceSessionCaps() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	userIDs, err := s.store.SessionUserIDs(ctx)
	if err != nil {
		s.logger.Warn("session cap sweep failed", "error", err)
		return
	}
	for _, userID := range userIDs {
		if err := s.resolver.EnforceCap(ctx, userID); err != nil {
			s.logger.Warn("session cap enforcement failed", "user_id", userID, "error", err)
		}
	}
}
