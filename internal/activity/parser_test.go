package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cortexhub/companion-gateway/internal/types"
)

func TestParseCommand(t *testing.T) {
	p := NewParser()

	tests := []struct {
		text string
		kind IntentKind
		typ  types.ActivityType
		name string
	}{
		{"/start roleplay: pirates", IntentStart, types.ActivityRoleplay, "pirates"},
		{"start game tic tac toe", IntentStart, types.ActivityGame, "tic tac toe"},
		{"START BRAINSTORM - app names", IntentStart, types.ActivityBrainstorm, "app names"},
		{"let's brainstorm vacation ideas", IntentStart, types.ActivityBrainstorm, "vacation ideas"},
		{"lets roleplay: space station", IntentStart, types.ActivityRoleplay, "space station"},
		{"let's play chess", IntentStart, types.ActivityGame, "chess"},
		{"yes, continue", IntentContinue, "", ""},
		{"keep going", IntentContinue, "", ""},
		{"no, stop", IntentEnd, "", ""},
		{"end the game", IntentEnd, "", ""},
		{"/end", IntentEnd, "", ""},
		{"quit", IntentEnd, "", ""},
		{"status", IntentStatus, "", ""},
		{"/status", IntentStatus, "", ""},
		{"activity status", IntentStatus, "", ""},
	}
	for _, tt := range tests {
		in := p.ParseCommand(tt.text)
		assert.Equal(t, tt.kind, in.Kind, "text: %q", tt.text)
		if tt.typ != "" {
			assert.Equal(t, tt.typ, in.Type, "text: %q", tt.text)
		}
		if tt.name != "" {
			assert.Equal(t, tt.name, in.Name, "text: %q", tt.text)
		}
	}
}

func TestParseCommandMisses(t *testing.T) {
	p := NewParser()

	for _, text := range []string{
		"",
		"what do you see?",
		"I want to start fresh tomorrow",
		"the game was fun yesterday",
		"start dancing lessons", // not a known activity type
		"statuses are weird",
	} {
		in := p.ParseCommand(text)
		assert.Equal(t, IntentNone, in.Kind, "text: %q", text)
	}
}
