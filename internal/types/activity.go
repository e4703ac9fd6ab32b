package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityType discriminates the typed payload in ActivityState.
type ActivityType string

const (
	ActivityRoleplay   ActivityType = "roleplay"
	ActivityGame       ActivityType = "game"
	ActivityBrainstorm ActivityType = "brainstorm"
	ActivityCustom     ActivityType = "custom"
	ActivityNormal     ActivityType = "normal"
)

// ValidActivityType reports whether t names a known activity type.
func ValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityRoleplay, ActivityGame, ActivityBrainstorm, ActivityCustom, ActivityNormal:
		return true
	}
	return false
}

// RoleplayState is the typed payload for roleplay activities.
type RoleplayState struct {
	Scenario   string   `json:"scenario,omitempty"`
	Scene      string   `json:"scene,omitempty"`
	Location   string   `json:"location,omitempty"`
	Mood       string   `json:"mood,omitempty"`
	Characters []string `json:"characters,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// GameState is the typed payload for game activities.
type GameState struct {
	Game   string   `json:"game,omitempty"`
	Board  string   `json:"board,omitempty"`
	Turn   string   `json:"turn,omitempty"`
	Winner string   `json:"winner,omitempty"`
	Moves  []string `json:"moves,omitempty"`
}

// BrainstormState is the typed payload for brainstorm activities.
type BrainstormState struct {
	Topic string   `json:"topic,omitempty"`
	Phase string   `json:"phase,omitempty"`
	Ideas []string `json:"ideas,omitempty"`
}

// CustomState is a free-form payload for custom activities.
type CustomState struct {
	Description string            `json:"description,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// ActivityState is a tagged union over the per-type payloads. Exactly one of
// the pointer fields matching Type is non-nil.
type ActivityState struct {
	Type       ActivityType     `json:"type"`
	Roleplay   *RoleplayState   `json:"roleplay,omitempty"`
	Game       *GameState       `json:"game,omitempty"`
	Brainstorm *BrainstormState `json:"brainstorm,omitempty"`
	Custom     *CustomState     `json:"custom,omitempty"`
}

// NewActivityState returns an initialized state for the given type.
func NewActivityState(t ActivityType) ActivityState {
	st := ActivityState{Type: t}
	switch t {
	case ActivityRoleplay:
		st.Roleplay = &RoleplayState{}
	case ActivityGame:
		st.Game = &GameState{}
	case ActivityBrainstorm:
		st.Brainstorm = &BrainstormState{}
	case ActivityCustom:
		st.Custom = &CustomState{}
	}
	return st
}

// Summary renders a compact textual view of the state for prompt building.
func (s ActivityState) Summary() string {
	switch s.Type {
	case ActivityRoleplay:
		if s.Roleplay == nil {
			return ""
		}
		return fmt.Sprintf("roleplay scenario=%q scene=%q location=%q mood=%q characters=%v events=%d",
			s.Roleplay.Scenario, s.Roleplay.Scene, s.Roleplay.Location, s.Roleplay.Mood,
			s.Roleplay.Characters, len(s.Roleplay.Events))
	case ActivityGame:
		if s.Game == nil {
			return ""
		}
		return fmt.Sprintf("game %q board=%q turn=%q winner=%q", s.Game.Game, s.Game.Board, s.Game.Turn, s.Game.Winner)
	case ActivityBrainstorm:
		if s.Brainstorm == nil {
			return ""
		}
		return fmt.Sprintf("brainstorm topic=%q phase=%q ideas=%d", s.Brainstorm.Topic, s.Brainstorm.Phase, len(s.Brainstorm.Ideas))
	case ActivityCustom:
		if s.Custom == nil {
			return ""
		}
		return fmt.Sprintf("custom %q", s.Custom.Description)
	}
	return string(s.Type)
}

// Engagement holds per-activity rolling statistics used to detect user drift.
type Engagement struct {
	MessageCount          int        `json:"message_count"`
	RelevanceScores       []float64  `json:"relevance_scores,omitempty"`
	ConsecutiveIrrelevant int        `json:"consecutive_irrelevant"`
	LastRelevantAt        *time.Time `json:"last_relevant_at,omitempty"`
	LastPromptAt          *time.Time `json:"last_prompt_at,omitempty"`
}

// Activity is a structured sub-mode of a session. At most one activity is
// active per (user, session) pair at any time.
type Activity struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	SessionID       string        `json:"session_id"`
	Type            ActivityType  `json:"type"`
	Name            string        `json:"name"`
	IsActive        bool          `json:"is_active"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	State           ActivityState `json:"state"`
	Goal            string        `json:"goal,omitempty"`
	UserGoal        string        `json:"user_goal,omitempty"`
	AssistantGoal   string        `json:"assistant_goal,omitempty"`
	Engagement      Engagement    `json:"engagement"`
	ContextRefs     []string      `json:"context_refs,omitempty"`
	MessageRefs     []string      `json:"message_refs,omitempty"`
	SummaryMemoryID string        `json:"summary_memory_id,omitempty"`
}

// NewActivity creates an active activity with initialized state.
func NewActivity(userID, sessionID string, t ActivityType, name string) *Activity {
	return &Activity{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Type:      t,
		Name:      name,
		IsActive:  true,
		StartTime: time.Now().UTC(),
		State:     NewActivityState(t),
	}
}

// MarshalState serializes the state union for durable storage.
func (a *Activity) MarshalState() (string, error) {
	b, err := json.Marshal(a.State)
	if err != nil {
		return "", fmt.Errorf("marshal activity state: %w", err)
	}
	return string(b), nil
}

// UnmarshalState restores the state union from durable storage.
func (a *Activity) UnmarshalState(raw string) error {
	if raw == "" {
		a.State = NewActivityState(a.Type)
		return nil
	}
	return json.Unmarshal([]byte(raw), &a.State)
}
