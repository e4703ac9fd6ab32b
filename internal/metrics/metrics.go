package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_gateway_messages_processed_total",
			Help: "Total messages processed, by path and outcome",
		},
		[]string{"path", "status"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "companion_gateway_generation_latency_seconds",
			Help: "Generation gateway latency in seconds",
		},
	)

	BrokerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_gateway_broker_fallbacks_total",
			Help: "Broker publishes that fell back to synchronous processing",
		},
	)

	AnalysisDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_gateway_analysis_dedup_hits_total",
			Help: "Analysis requests refused by the dedup cache",
		},
	)

	AnalysesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_gateway_analyses_completed_total",
			Help: "Background analyses completed",
		},
	)

	ContinuationPrompts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_gateway_continuation_prompts_total",
			Help: "Continuation prompts emitted for drifting activities",
		},
	)

	ActivePushSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_gateway_active_push_sessions",
			Help: "Sessions with a live push channel",
		},
	)

	ActivitiesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_gateway_activities_started_total",
			Help: "Activities started, by type",
		},
		[]string{"type"},
	)
)
