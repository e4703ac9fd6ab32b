package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// statusSnapshot is the polled view of the registry's live components.
type statusSnapshot struct {
	pushSessions  int
	cachedEntries int
	deadLetters   int
	brokerEnabled bool
	brokerRunning bool
	activityName  string
}

type Status struct {
	snap statusSnapshot
}

func NewStatus() *Status {
	return &Status{}
}

func (s *Status) Init() tea.Cmd {
	return nil
}

func (s *Status) Update(msg tea.Msg) (*Status, tea.Cmd) {
	if snap, ok := msg.(statusSnapshot); ok {
		s.snap = snap
	}
	return s, nil
}

func (s *Status) View(width, height int) string {
	broker := "disabled"
	if s.snap.brokerEnabled {
		broker = "stopped"
		if s.snap.brokerRunning {
			broker = "running"
		}
	}
	activity := s.snap.activityName
	if activity == "" {
		activity = "none"
	}
	content := fmt.Sprintf(
		"Push sessions: %d\nAnalysis cache: %d entries\nWorker dead letters: %d\nBroker: %s\nActivity: %s",
		s.snap.pushSessions,
		s.snap.cachedEntries,
		s.snap.deadLetters,
		broker,
		activity,
	)
	return StatusPanelStyle.Width(width).Height(height).Render(content)
}
