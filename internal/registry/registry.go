// Package registry wires the gateway's components into one process-scoped
// object with an explicit lifecycle: built at startup, torn down on shutdown.
// Nothing in the gateway holds package-level mutable state.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/analysis"
	"github.com/cortexhub/companion-gateway/internal/config"
	"github.com/cortexhub/companion-gateway/internal/dispatch"
	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/logging"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/push"
	"github.com/cortexhub/companion-gateway/internal/scheduler"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/store"
	"github.com/cortexhub/companion-gateway/internal/worker"
)

// Registry holds every live component of the gateway.
type Registry struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Store      *store.SQLiteStore
	Pool       *worker.Pool
	Router     *generation.Router
	Resolver   *session.Resolver
	Activities *activity.Service
	Cache      *analysis.Cache
	Analyzer   *analysis.Analyzer
	Hub        *push.Hub
	Reconciler *push.Reconciler
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler

	// Broker components; nil when the broker is disabled.
	Redis    *messaging.RedisClient
	DLQ      *messaging.DeadLetterQueue
	Consumer *dispatch.Consumer
}

// New builds the full component graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := &Registry{Cfg: cfg, Logger: logger}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.Store = st

	workers, queue := cfg.Workers.Count, cfg.Workers.QueueSize
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 64
	}
	r.Pool = worker.NewPool(workers, queue, logging.WithComponent(logger, "worker"))

	r.Router, err = generation.NewRouter(cfg.Inference.Engines, cfg.Inference.Lanes, cfg.Inference.DefaultLane)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("build generation router: %w", err)
	}

	r.Resolver = session.NewResolver(st, session.Config{
		Window:     cfg.Sessions.BufferWindow,
		MaxPerUser: cfg.Sessions.MaxPerUser,
	}, logging.WithComponent(logger, "session"))

	engCfg := activity.DefaultEngagementConfig()
	if cfg.Activity.ScoreWindow > 0 {
		engCfg.ScoreWindow = cfg.Activity.ScoreWindow
	}
	if cfg.Activity.RelevanceThreshold > 0 {
		engCfg.RelevanceThreshold = cfg.Activity.RelevanceThreshold
	}
	if cfg.Activity.IrrelevantThreshold > 0 {
		engCfg.IrrelevantThreshold = cfg.Activity.IrrelevantThreshold
	}
	engCfg.PromptCooldown = cfg.Activity.GetPromptCooldown()

	// Background work rides its own lane so analysis and summarization never
	// compete with interactive turns for the chat engine.
	bgLane := cfg.Inference.AnalysisLane
	if bgLane == "" {
		bgLane = generation.LaneAnalysis
	}
	background := r.Router.Lane(bgLane)

	r.Activities = activity.NewService(st, background, r.Pool, nil, engCfg, logging.WithComponent(logger, "activity"))

	r.Cache = analysis.NewCache(cfg.Analysis.GetMinInterval())
	r.Analyzer = analysis.NewAnalyzer(r.Cache, st, background, r.Pool, logging.WithComponent(logger, "analysis"))

	r.Hub = push.NewHub(logging.WithComponent(logger, "push"))
	r.Reconciler = push.NewReconciler(r.Hub, logging.WithComponent(logger, "push"))

	var publisher dispatch.Publisher
	if cfg.Redis.Enabled {
		redisClient, err := messaging.NewRedisClient(messaging.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logging.WithComponent(logger, "messaging"))
		if err != nil {
			// The broker is optional; a dead Redis degrades to sync-only.
			logger.Warn("redis unavailable, running synchronous only", "error", err)
		} else {
			r.Redis = redisClient
			r.DLQ = messaging.NewDeadLetterQueue(redisClient)
			publisher = redisClient
			r.Analyzer.UseBroker(redisClient)
			r.Activities.UseBroker(redisClient)
		}
	}

	r.Dispatcher = dispatch.NewDispatcher(
		st, r.Resolver, r.Activities, r.Analyzer, r.Router, r.Reconciler, publisher,
		dispatch.Config{
			AsyncEnabled:   cfg.Dispatch.AsyncEnabled && r.Redis != nil,
			PublishTimeout: cfg.Dispatch.GetPublishTimeout(),
			HistoryWindow:  cfg.Dispatch.HistoryWindow,
			SystemPrompt:   cfg.Dispatch.SystemPrompt,
		},
		logging.WithComponent(logger, "dispatch"),
	)

	if r.Redis != nil {
		r.Consumer = dispatch.NewConsumer(r.Dispatcher, r.Redis, r.DLQ, cfg.Redis.Consumer,
			logging.WithComponent(logger, "consumer"))
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.AnalysisStaleTTL = cfg.Analysis.GetStaleTTL()
	r.Scheduler = scheduler.NewScheduler(st, r.Resolver, r.Activities, r.Cache, schedCfg,
		logging.WithComponent(logger, "scheduler"))

	return r, nil
}

// Close tears the registry down in reverse dependency order. Safe to call on
// a partially built registry.
func (r *Registry) Close() {
	if r.Consumer != nil {
		r.Consumer.Stop()
	}
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
	if r.Redis != nil {
		r.Redis.Close()
	}
	if r.Store != nil {
		r.Store.Close()
	}
}
