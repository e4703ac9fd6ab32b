package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/types"
)

// StateUpdate is the schema-bounded set of changes the model may propose
// after a turn. Every field is optional; absent fields leave current state
// untouched.
type StateUpdate struct {
	Scene     string   `json:"scene,omitempty"`
	Mood      string   `json:"mood,omitempty"`
	Location  string   `json:"location,omitempty"`
	Goal      string   `json:"goal,omitempty"`
	NewEvents []string `json:"new_events,omitempty"`
	Ideas     []string `json:"ideas,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Board     string   `json:"board,omitempty"`
	Turn      string   `json:"turn,omitempty"`
	Winner    string   `json:"winner,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u StateUpdate) IsEmpty() bool {
	return u.Scene == "" && u.Mood == "" && u.Location == "" && u.Goal == "" &&
		len(u.NewEvents) == 0 && len(u.Ideas) == 0 && u.Phase == "" &&
		u.Board == "" && u.Turn == "" && u.Winner == ""
}

const updatePrompt = `You maintain the state of a structured activity inside a conversation.
Current state: %s
User said: %s
Assistant replied: %s

Respond with ONLY a JSON object using any of these keys, all optional:
{"scene": "...", "mood": "...", "location": "...", "goal": "...",
 "new_events": ["..."], "ideas": ["..."], "phase": "...",
 "board": "...", "turn": "...", "winner": "..."}
Omit keys that did not change. Respond with {} if nothing changed.`

// Reconcile asks the gateway for a schema-bounded state update after a
// normal turn and merges it into the activity. Any failure — transport,
// malformed JSON the sanitizer cannot save — yields no update, never an
// error that would disturb the conversation.
func (s *Service) Reconcile(ctx context.Context, a *types.Activity, userText, assistantText string) {
	if s.gateway == nil || a == nil || !a.IsActive {
		return
	}

	prompt := fmt.Sprintf(updatePrompt, a.State.Summary(), userText, assistantText)
	res, err := s.gateway.Generate(ctx, &generation.Request{
		History: []generation.Turn{{Role: types.RoleUser, Content: prompt}},
	})
	if err != nil {
		s.logger.Debug("state update call failed", "activity_id", a.ID, "error", err)
		return
	}

	update, err := ParseStateUpdate(res.Text)
	if err != nil {
		s.logger.Debug("state update unparseable", "activity_id", a.ID, "error", err)
		return
	}
	if update.IsEmpty() {
		return
	}

	MergeUpdate(a, update)
	if err := s.store.UpdateActivity(ctx, a); err != nil {
		s.logger.Warn("persist state update failed", "activity_id", a.ID, "error", err)
	}
}

// ParseStateUpdate sanitizes raw model output and decodes it into a
// StateUpdate. A residual parse failure returns an empty update and the
// error for logging; callers treat it as "no update".
func ParseStateUpdate(raw string) (StateUpdate, error) {
	var u StateUpdate
	cleaned := SanitizeJSON(raw)
	if cleaned == "" {
		return u, fmt.Errorf("no JSON object found")
	}
	if err := json.Unmarshal([]byte(cleaned), &u); err != nil {
		return StateUpdate{}, fmt.Errorf("decode state update: %w", err)
	}
	return u, nil
}

var (
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeJSON extracts the outermost JSON object from model output and
// repairs the common failure modes: prose or code fences around the object,
// bare (unquoted) keys, trailing commas.
func SanitizeJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	s := raw[start : end+1]
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	s = trailingCommaRe.ReplaceAllString(s, `$1`)
	return s
}

// MergeUpdate folds an update into the activity field-by-field. Only set
// fields overwrite; list fields append. Concurrent explicit updates to other
// fields are never clobbered by a wholesale state replacement.
func MergeUpdate(a *types.Activity, u StateUpdate) {
	if u.Goal != "" {
		a.Goal = u.Goal
	}
	switch a.Type {
	case types.ActivityRoleplay:
		rp := a.State.Roleplay
		if rp == nil {
			rp = &types.RoleplayState{}
			a.State.Roleplay = rp
		}
		if u.Scene != "" {
			rp.Scene = u.Scene
		}
		if u.Mood != "" {
			rp.Mood = u.Mood
		}
		if u.Location != "" {
			rp.Location = u.Location
		}
		rp.Events = append(rp.Events, u.NewEvents...)
	case types.ActivityGame:
		g := a.State.Game
		if g == nil {
			g = &types.GameState{}
			a.State.Game = g
		}
		if u.Board != "" {
			g.Board = u.Board
		}
		if u.Turn != "" {
			g.Turn = u.Turn
		}
		if u.Winner != "" {
			g.Winner = u.Winner
		}
		g.Moves = append(g.Moves, u.NewEvents...)
	case types.ActivityBrainstorm:
		b := a.State.Brainstorm
		if b == nil {
			b = &types.BrainstormState{}
			a.State.Brainstorm = b
		}
		if u.Phase != "" {
			b.Phase = u.Phase
		}
		b.Ideas = append(b.Ideas, u.Ideas...)
	case types.ActivityCustom:
		c := a.State.Custom
		if c == nil {
			c = &types.CustomState{}
			a.State.Custom = c
		}
		if len(u.NewEvents) > 0 || u.Scene != "" || u.Mood != "" {
			if c.Fields == nil {
				c.Fields = make(map[string]string)
			}
			if u.Scene != "" {
				c.Fields["scene"] = u.Scene
			}
			if u.Mood != "" {
				c.Fields["mood"] = u.Mood
			}
			for i, ev := range u.NewEvents {
				c.Fields[fmt.Sprintf("event_%d", len(c.Fields)+i)] = ev
			}
		}
	}
}
