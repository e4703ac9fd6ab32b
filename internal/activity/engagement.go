package activity

import (
	"strings"
	"time"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// RelevanceScorer scores how relevant a message is to the current activity
// state, in [0, 1]. The exact heuristic is pluggable; scores feed the
// continuation-prompt decision, nothing else.
type RelevanceScorer interface {
	Score(text string, a *types.Activity) float64
}

// EngagementConfig tunes drift detection.
type EngagementConfig struct {
	// ScoreWindow bounds the rolling relevance-score history.
	ScoreWindow int `yaml:"score_window"`
	// RelevanceThreshold is the score below which a message counts as
	// irrelevant to the activity.
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	// IrrelevantThreshold is how many consecutive irrelevant messages
	// trigger a continuation prompt.
	IrrelevantThreshold int `yaml:"irrelevant_threshold"`
	// PromptCooldown is the minimum gap between continuation prompts.
	PromptCooldown time.Duration `yaml:"prompt_cooldown"`
}

// DefaultEngagementConfig returns the stock tuning.
func DefaultEngagementConfig() EngagementConfig {
	return EngagementConfig{
		ScoreWindow:         10,
		RelevanceThreshold:  0.2,
		IrrelevantThreshold: 3,
		PromptCooldown:      5 * time.Minute,
	}
}

// KeywordScorer is the default RelevanceScorer: token overlap between the
// message and the activity's name, goals and state summary.
type KeywordScorer struct{}

// Score implements RelevanceScorer.
func (KeywordScorer) Score(text string, a *types.Activity) float64 {
	msgTokens := tokenize(text)
	if len(msgTokens) == 0 {
		return 0
	}

	vocab := make(map[string]bool)
	for _, src := range []string{a.Name, a.Goal, a.UserGoal, a.AssistantGoal, a.State.Summary(), string(a.Type)} {
		for _, tok := range tokenize(src) {
			vocab[tok] = true
		}
	}
	if len(vocab) == 0 {
		return 0
	}

	hits := 0
	for _, tok := range msgTokens {
		if vocab[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(msgTokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 { // drop stop-word-sized tokens
			out = append(out, f)
		}
	}
	return out
}

// recordEngagement folds one message into the activity's engagement tracker
// and reports whether a continuation prompt is due. The caller persists the
// mutated activity.
func recordEngagement(a *types.Activity, score float64, cfg EngagementConfig, now time.Time) (promptDue bool) {
	e := &a.Engagement
	e.MessageCount++

	e.RelevanceScores = append(e.RelevanceScores, score)
	if len(e.RelevanceScores) > cfg.ScoreWindow {
		e.RelevanceScores = e.RelevanceScores[len(e.RelevanceScores)-cfg.ScoreWindow:]
	}

	if score < cfg.RelevanceThreshold {
		e.ConsecutiveIrrelevant++
	} else {
		e.ConsecutiveIrrelevant = 0
		t := now
		e.LastRelevantAt = &t
	}

	if e.ConsecutiveIrrelevant < cfg.IrrelevantThreshold {
		return false
	}
	if e.LastPromptAt != nil && now.Sub(*e.LastPromptAt) < cfg.PromptCooldown {
		return false
	}
	t := now
	e.LastPromptAt = &t
	return true
}
