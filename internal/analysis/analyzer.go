package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/metrics"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
	"github.com/cortexhub/companion-gateway/internal/worker"
)

// Publisher hands analysis tasks to the broker.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Analyzer runs the background psychological analysis: a constrained side
// call to the gateway that derives companion insight, goals and strategy for
// a session. Failures are logged and skipped; they never block delivery.
type Analyzer struct {
	cache     *Cache
	store     interfaces.Store
	gateway   generation.Gateway
	pool      *worker.Pool
	publisher Publisher
	logger    *slog.Logger
}

// NewAnalyzer wires the analyzer.
func NewAnalyzer(cache *Cache, st interfaces.Store, gw generation.Gateway, pool *worker.Pool, logger *slog.Logger) *Analyzer {
	return &Analyzer{cache: cache, store: st, gateway: gw, pool: pool, logger: logger}
}

// UseBroker routes scheduled analyses through the analysis stream instead of
// the local pool. The consumer side executes them via RunTask.
func (a *Analyzer) UseBroker(p Publisher) { a.publisher = p }

// Cache exposes the dedup coordinator.
func (a *Analyzer) Cache() *Cache { return a.cache }

const analysisPrompt = `You observe a conversation between a user and their AI companion.
Recent turns:
%s

Respond with ONLY a JSON object:
{"insight": "one sentence about the user's current emotional state",
 "goals": ["short-term companion goals"],
 "strategy": "one sentence on how the companion should engage next"}`

// ProcessThinking schedules one analysis for the session if the cache allows
// it. Returns true when an analysis was actually scheduled. Safe to call on
// every turn.
func (a *Analyzer) ProcessThinking(userID, sessionID string, history []generation.Turn) bool {
	if !a.cache.Begin(sessionID, userID) {
		metrics.AnalysisDedupHits.Inc()
		return false
	}
	turns := renderTurns(history)

	if a.publisher != nil && turns != "" {
		env := messaging.NewEnvelope(userID, sessionID, turns, "", "analysis")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := a.publisher.Publish(ctx, messaging.StreamAnalysis, env.ToRedisValues())
		if err == nil {
			// The consumer owns the run from here. Stamping the interval keeps
			// the publish side deduplicating at the same cadence.
			a.cache.Complete(sessionID, nil)
			return true
		}
		a.logger.Warn("analysis task publish failed, running locally",
			"session_id", sessionID, "error", err)
	}

	submitted := a.pool.Submit(worker.Job{
		Name: "analyze-session:" + sessionID,
		Run: func(ctx context.Context) error {
			return a.analyze(ctx, userID, sessionID, turns)
		},
	})
	if !submitted {
		a.cache.Fail(sessionID)
	}
	return submitted
}

// RunTask executes one analysis task dequeued from the broker.
func (a *Analyzer) RunTask(ctx context.Context, env *messaging.Envelope) error {
	return a.analyze(ctx, env.UserID, env.SessionID, env.Text)
}

func (a *Analyzer) analyze(ctx context.Context, userID, sessionID, turns string) error {
	res, err := a.gateway.Generate(ctx, &generation.Request{
		History: []generation.Turn{{Role: types.RoleUser, Content: fmt.Sprintf(analysisPrompt, turns)}},
	})
	if err != nil {
		a.cache.Fail(sessionID)
		return fmt.Errorf("analysis generation: %w", err)
	}

	rec := &types.AnalysisRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	var parsed struct {
		Insight  string   `json:"insight"`
		Goals    []string `json:"goals"`
		Strategy string   `json:"strategy"`
	}
	cleaned := activity.SanitizeJSON(res.Text)
	if cleaned == "" || json.Unmarshal([]byte(cleaned), &parsed) != nil {
		// Unstructured output still carries signal; keep it as the insight.
		parsed.Insight = strings.TrimSpace(res.Text)
	}
	rec.Insight = parsed.Insight
	rec.Goals = parsed.Goals
	rec.Strategy = parsed.Strategy

	if err := a.store.SaveAnalysis(ctx, rec); err != nil {
		a.cache.Fail(sessionID)
		return fmt.Errorf("save analysis: %w", err)
	}
	a.cache.Complete(sessionID, rec)
	metrics.AnalysesCompleted.Inc()
	return nil
}

// Inject returns the prompt snippet carrying the most recent known analysis
// for the session, from cache first, falling back to durable storage. The
// bool reports whether anything was injected. Runs on every turn so skipped
// analyses still inform the prompt.
func (a *Analyzer) Inject(ctx context.Context, userID, sessionID string) (string, bool) {
	if e := a.cache.Get(sessionID); e != nil && (e.Insight != "" || len(e.Goals) > 0) {
		return renderInsight(e.Insight, e.Goals, e.Strategy), true
	}

	rec, err := a.store.LatestAnalysis(ctx, sessionID)
	if err != nil {
		a.logger.Warn("load latest analysis failed", "session_id", sessionID, "error", err)
		return "", false
	}
	if rec == nil {
		return "", false
	}
	// Re-warm with the record's own age: a days-old durable analysis must not
	// block a fresh one for a full interval after restart.
	a.cache.Warm(sessionID, rec)
	return renderInsight(rec.Insight, rec.Goals, rec.Strategy), true
}

func renderInsight(insight string, goals []string, strategy string) string {
	var b strings.Builder
	b.WriteString("Companion context:")
	if insight != "" {
		b.WriteString(" " + insight)
	}
	if len(goals) > 0 {
		b.WriteString(" Goals: " + strings.Join(goals, "; ") + ".")
	}
	if strategy != "" {
		b.WriteString(" Strategy: " + strategy)
	}
	return b.String()
}

func renderTurns(history []generation.Turn) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
