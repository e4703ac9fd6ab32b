package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cortexhub/companion-gateway/internal/types"
)

func TestKeywordScorer(t *testing.T) {
	a := types.NewActivity("u1", "s1", types.ActivityRoleplay, "pirate treasure hunt")
	a.State.Roleplay.Scenario = "pirate treasure hunt"
	a.State.Roleplay.Location = "skull island"

	scorer := KeywordScorer{}

	high := scorer.Score("where is the pirate treasure on skull island", a)
	low := scorer.Score("did you watch the football match yesterday", a)
	assert.Greater(t, high, low)
	assert.Greater(t, high, 0.2)
	assert.Zero(t, scorer.Score("", a))
}

func TestRecordEngagementPromptRule(t *testing.T) {
	cfg := DefaultEngagementConfig()
	now := time.Now().UTC()
	a := types.NewActivity("u1", "s1", types.ActivityGame, "chess")

	// Irrelevant messages below the threshold never prompt.
	for i := 0; i < cfg.IrrelevantThreshold-1; i++ {
		due := recordEngagement(a, 0.0, cfg, now)
		assert.False(t, due, "message %d", i)
	}

	// Hitting the threshold with no prior prompt always prompts.
	due := recordEngagement(a, 0.0, cfg, now)
	assert.True(t, due)
	assert.NotNil(t, a.Engagement.LastPromptAt)

	// Still irrelevant but inside the cooldown: no second prompt.
	due = recordEngagement(a, 0.0, cfg, now.Add(time.Minute))
	assert.False(t, due)

	// Cooldown elapsed and still drifting: prompt again.
	due = recordEngagement(a, 0.0, cfg, now.Add(cfg.PromptCooldown+time.Second))
	assert.True(t, due)
}

func TestRecordEngagementRelevantResets(t *testing.T) {
	cfg := DefaultEngagementConfig()
	now := time.Now().UTC()
	a := types.NewActivity("u1", "s1", types.ActivityGame, "chess")

	recordEngagement(a, 0.0, cfg, now)
	recordEngagement(a, 0.0, cfg, now)
	assert.Equal(t, 2, a.Engagement.ConsecutiveIrrelevant)

	recordEngagement(a, 0.9, cfg, now)
	assert.Equal(t, 0, a.Engagement.ConsecutiveIrrelevant)
	assert.NotNil(t, a.Engagement.LastRelevantAt)
}

func TestRecordEngagementScoreWindow(t *testing.T) {
	cfg := DefaultEngagementConfig()
	now := time.Now().UTC()
	a := types.NewActivity("u1", "s1", types.ActivityBrainstorm, "names")

	for i := 0; i < cfg.ScoreWindow+5; i++ {
		recordEngagement(a, 0.5, cfg, now)
	}
	assert.Len(t, a.Engagement.RelevanceScores, cfg.ScoreWindow)
	assert.Equal(t, cfg.ScoreWindow+5, a.Engagement.MessageCount)
}
