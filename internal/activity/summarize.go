package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/worker"
)

// summarizeAsync fires a best-effort job that condenses the ended activity
// into one memory record and links it back via SummaryMemoryID. With a broker
// wired the job travels the summary stream; otherwise it runs on the local
// pool. A failed or dropped job leaves the activity without a summary;
// nothing retries it.
func (s *Service) summarizeAsync(a *types.Activity) {
	if s.publisher != nil {
		text := a.State.Summary()
		if text == "" {
			// The envelope codec rejects empty text.
			text = string(a.Type) + " " + a.Name
		}
		env := messaging.NewEnvelope(a.UserID, a.SessionID, text, "", "summary")
		env.Config = map[string]string{"activity_id": a.ID}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.publisher.Publish(ctx, messaging.StreamSummary, env.ToRedisValues())
		if err == nil {
			return
		}
		s.logger.Warn("summary task publish failed, running locally",
			"activity_id", a.ID, "error", err)
	}
	if s.pool == nil {
		return
	}
	ended := *a // job outlives the caller's copy
	s.pool.Submit(worker.Job{
		Name: "summarize-activity:" + a.ID,
		Run: func(ctx context.Context) error {
			return s.summarize(ctx, &ended)
		},
	})
}

// SummarizeByID runs the summary for an ended activity dequeued from the
// broker.
func (s *Service) SummarizeByID(ctx context.Context, id string) error {
	a, err := s.store.GetActivity(ctx, id)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	return s.summarize(ctx, a)
}

func (s *Service) summarize(ctx context.Context, a *types.Activity) error {
	content := s.renderSummary(ctx, a)
	if content == "" {
		return nil
	}

	mem := &types.MemoryRecord{
		ID:        uuid.NewString(),
		UserID:    a.UserID,
		SessionID: a.SessionID,
		SourceID:  a.ID,
		Kind:      "activity-summary",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMemory(ctx, mem); err != nil {
		return fmt.Errorf("save summary memory: %w", err)
	}

	a.SummaryMemoryID = mem.ID
	if err := s.store.UpdateActivity(ctx, a); err != nil {
		return fmt.Errorf("link summary memory: %w", err)
	}
	return nil
}

// renderSummary asks the gateway to condense the event log, falling back to
// a plain-text digest when no gateway is wired or the call fails.
func (s *Service) renderSummary(ctx context.Context, a *types.Activity) string {
	digest := s.digest(a)
	if s.gateway == nil {
		return digest
	}

	prompt := fmt.Sprintf("Summarize this finished %s activity in 2-3 sentences:\n%s", a.Type, digest)
	res, err := s.gateway.Generate(ctx, &generation.Request{
		History: []generation.Turn{{Role: types.RoleUser, Content: prompt}},
	})
	if err != nil || strings.TrimSpace(res.Text) == "" {
		return digest
	}
	return strings.TrimSpace(res.Text)
}

func (s *Service) digest(a *types.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q, %d messages", a.Type, a.Name, a.Engagement.MessageCount)
	if a.Goal != "" {
		fmt.Fprintf(&b, ", goal: %s", a.Goal)
	}
	switch a.Type {
	case types.ActivityRoleplay:
		if rp := a.State.Roleplay; rp != nil && len(rp.Events) > 0 {
			fmt.Fprintf(&b, ". Events: %s", strings.Join(rp.Events, "; "))
		}
	case types.ActivityGame:
		if g := a.State.Game; g != nil && g.Winner != "" {
			fmt.Fprintf(&b, ". Winner: %s", g.Winner)
		}
	case types.ActivityBrainstorm:
		if bs := a.State.Brainstorm; bs != nil && len(bs.Ideas) > 0 {
			fmt.Fprintf(&b, ". Ideas: %s", strings.Join(bs.Ideas, "; "))
		}
	}
	return b.String()
}
