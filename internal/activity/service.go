package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
	"github.com/cortexhub/companion-gateway/internal/worker"
)

// ErrValidation marks malformed activity command payloads.
var ErrValidation = errors.New("activity: validation error")

// Publisher hands summarization tasks to the broker.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Service is the activity state store: lifecycle, engagement and AI-assisted
// state updates. Start/End for one (user, session) pair serialize through a
// per-pair mutex so exactly one activity is ever active.
type Service struct {
	store     interfaces.Store
	gateway   generation.Gateway
	pool      *worker.Pool
	publisher Publisher
	scorer    RelevanceScorer
	cfg       EngagementConfig
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the activity service. gateway and pool may be nil in
// tests; AI-assisted updates and summarization are then skipped.
func NewService(st interfaces.Store, gw generation.Gateway, pool *worker.Pool, scorer RelevanceScorer, cfg EngagementConfig, logger *slog.Logger) *Service {
	if scorer == nil {
		scorer = KeywordScorer{}
	}
	if cfg.ScoreWindow == 0 {
		cfg = DefaultEngagementConfig()
	}
	return &Service{
		store:   st,
		gateway: gw,
		pool:    pool,
		scorer:  scorer,
		cfg:     cfg,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// UseBroker routes end-of-activity summarization through the summary stream
// instead of the local pool. The consumer side executes via SummarizeByID.
func (s *Service) UseBroker(p Publisher) { s.publisher = p }

func (s *Service) pairLock(userID, sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + sessionID
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Active returns the active activity for the pair, or nil.
func (s *Service) Active(ctx context.Context, userID, sessionID string) (*types.Activity, error) {
	return s.store.ActiveActivity(ctx, userID, sessionID)
}

// Start begins a new activity, ending any existing active one first. The
// end-previous-then-start sequence runs inside the pair lock, so concurrent
// starts leave exactly one activity active and the ended one's EndTime never
// exceeds the new one's StartTime.
func (s *Service) Start(ctx context.Context, userID, sessionID string, typ types.ActivityType, name string) (*types.Activity, error) {
	if !types.ValidActivityType(typ) || typ == types.ActivityNormal {
		return nil, fmt.Errorf("%w: cannot start activity of type %q", ErrValidation, typ)
	}
	if name == "" {
		name = string(typ)
	}

	lock := s.pairLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.store.ActiveActivity(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if err := s.end(ctx, prev); err != nil {
			return nil, fmt.Errorf("end previous activity: %w", err)
		}
	}

	a := types.NewActivity(userID, sessionID, typ, name)
	seedState(a)

	// Context record for downstream prompt building.
	ctxRec := &types.MemoryRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		SourceID:  a.ID,
		Kind:      "activity-context",
		Content:   fmt.Sprintf("Activity %q (%s) started.", a.Name, a.Type),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMemory(ctx, ctxRec); err != nil {
		s.logger.Warn("save activity context failed", "activity_id", a.ID, "error", err)
	} else {
		a.ContextRefs = append(a.ContextRefs, ctxRec.ID)
	}

	if err := s.store.CreateActivity(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func seedState(a *types.Activity) {
	switch a.Type {
	case types.ActivityRoleplay:
		a.State.Roleplay.Scenario = a.Name
	case types.ActivityGame:
		a.State.Game.Game = a.Name
	case types.ActivityBrainstorm:
		a.State.Brainstorm.Topic = a.Name
		a.State.Brainstorm.Phase = "diverge"
	case types.ActivityCustom:
		a.State.Custom.Description = a.Name
	}
}

// End finishes the active activity for the pair and returns it, or nil when
// nothing was active.
func (s *Service) End(ctx context.Context, userID, sessionID string) (*types.Activity, error) {
	lock := s.pairLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.store.ActiveActivity(ctx, userID, sessionID)
	if err != nil || a == nil {
		return nil, err
	}
	if err := s.end(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// end deactivates a and fires the best-effort summarization job. Callers
// hold the pair lock.
func (s *Service) end(ctx context.Context, a *types.Activity) error {
	now := time.Now().UTC()
	a.IsActive = false
	a.EndTime = &now
	if err := s.store.UpdateActivity(ctx, a); err != nil {
		return err
	}
	s.summarizeAsync(a)
	return nil
}

// RecordMessage folds one in-activity user message into the engagement
// tracker, tags the message ref, persists the activity and reports whether a
// continuation prompt is due instead of a normal generation turn.
func (s *Service) RecordMessage(ctx context.Context, a *types.Activity, msg *types.Message) (promptDue bool, err error) {
	score := s.scorer.Score(msg.Content, a)
	promptDue = recordEngagement(a, score, s.cfg, time.Now().UTC())
	a.MessageRefs = append(a.MessageRefs, msg.ID)
	if err := s.store.UpdateActivity(ctx, a); err != nil {
		return false, err
	}
	return promptDue, nil
}

// ContinuationPrompt renders the synthetic assistant turn asking whether to
// keep the drifting activity going.
func (s *Service) ContinuationPrompt(a *types.Activity) string {
	return fmt.Sprintf("We've drifted away from our %s %q. Want to keep going, or should we wrap it up?", a.Type, a.Name)
}

// EngagementConfig exposes the tuning, mostly for the dispatcher's tests.
func (s *Service) EngagementConfig() EngagementConfig { return s.cfg }
