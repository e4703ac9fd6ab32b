package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/companion-gateway/internal/types"
)

func TestSanitizeJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", `{"mood": "tense"}`, `{"mood": "tense"}`},
		{"surrounding prose", "Sure! Here's the update:\n{\"mood\": \"tense\"}\nHope that helps.", `{"mood": "tense"}`},
		{"code fence", "```json\n{\"mood\": \"tense\"}\n```", `{"mood": "tense"}`},
		{"bare keys", `{mood: "tense", scene: "storm"}`, `{"mood": "tense", "scene": "storm"}`},
		{"trailing comma", `{"mood": "tense",}`, `{"mood": "tense"}`},
		{"no object", "nothing changed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeJSON(tt.in))
		})
	}
}

func TestParseStateUpdate(t *testing.T) {
	u, err := ParseStateUpdate("The state changed: {mood: \"excited\", new_events: [\"found the map\"],}")
	require.NoError(t, err)
	assert.Equal(t, "excited", u.Mood)
	assert.Equal(t, []string{"found the map"}, u.NewEvents)

	_, err = ParseStateUpdate("no json here")
	assert.Error(t, err)

	u, err = ParseStateUpdate("{}")
	require.NoError(t, err)
	assert.True(t, u.IsEmpty())
}

func TestMergeUpdateFieldByField(t *testing.T) {
	a := types.NewActivity("u1", "s1", types.ActivityRoleplay, "pirates")
	a.State.Roleplay.Scenario = "pirates"
	a.State.Roleplay.Mood = "calm"
	a.State.Roleplay.Events = []string{"set sail"}

	MergeUpdate(a, StateUpdate{
		Scene:     "open sea",
		NewEvents: []string{"storm hit"},
	})

	rp := a.State.Roleplay
	assert.Equal(t, "open sea", rp.Scene)
	assert.Equal(t, "calm", rp.Mood, "unset fields must not be clobbered")
	assert.Equal(t, "pirates", rp.Scenario)
	assert.Equal(t, []string{"set sail", "storm hit"}, rp.Events, "lists append, never replace")
}

func TestMergeUpdateGame(t *testing.T) {
	a := types.NewActivity("u1", "s1", types.ActivityGame, "tic tac toe")

	MergeUpdate(a, StateUpdate{Board: "X..|.O.|...", Turn: "user"})
	MergeUpdate(a, StateUpdate{Winner: "user"})

	g := a.State.Game
	assert.Equal(t, "X..|.O.|...", g.Board)
	assert.Equal(t, "user", g.Turn)
	assert.Equal(t, "user", g.Winner)
}

func TestMergeUpdateBrainstorm(t *testing.T) {
	a := types.NewActivity("u1", "s1", types.ActivityBrainstorm, "app names")
	a.State.Brainstorm.Ideas = []string{"waveline"}

	MergeUpdate(a, StateUpdate{Ideas: []string{"driftnote"}, Phase: "converge"})

	b := a.State.Brainstorm
	assert.Equal(t, []string{"waveline", "driftnote"}, b.Ideas)
	assert.Equal(t, "converge", b.Phase)
}
