// Package tui is the operator console: a live chat wired through the real
// dispatch pipeline plus a status panel polling the process registry.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cortexhub/companion-gateway/internal/config"
	"github.com/cortexhub/companion-gateway/internal/registry"
	"github.com/cortexhub/companion-gateway/internal/types"
)

// operatorID is the user id the console chats under.
const operatorID = "operator"

type replyMsg struct {
	msg *types.Message
	err error
}

type tickMsg time.Time

type App struct {
	width, height int
	reg           *registry.Registry
	cfg           *config.Config
	chat          *Chat
	status        *Status
	input         *Input
	keys          KeyMap
	startTime     time.Time
}

// Run starts the console and blocks until the operator quits.
func Run(cfg *config.Config, reg *registry.Registry) error {
	app := &App{
		reg:       reg,
		cfg:       cfg,
		chat:      NewChat(),
		status:    NewStatus(),
		input:     NewInput(),
		keys:      DefaultKeyMap,
		startTime: time.Now(),
	}
	_, err := tea.NewProgram(app, tea.WithAltScreen()).Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.chat.Init(), a.status.Init(), a.input.Init(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			return a, tea.Quit
		case msg.String() == "enter":
			if text := a.input.Value(); text != "" {
				a.chat.AddLine("operator", text)
				a.input.Reset()
				cmds = append(cmds, a.send(text))
			}
		}
	case replyMsg:
		if msg.err != nil {
			a.chat.AddLine("error", msg.err.Error())
		} else if msg.msg.Status == types.StatusProcessing {
			a.chat.AddLine("gateway", "(queued for async processing)")
		} else {
			a.chat.AddLine("companion", msg.msg.Content)
		}
	case tickMsg:
		cmds = append(cmds, a.pollStatus(), a.tick())
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
	}

	var cmd tea.Cmd
	a.chat, cmd = a.chat.Update(msg)
	cmds = append(cmds, cmd)
	a.status, cmd = a.status.Update(msg)
	cmds = append(cmds, cmd)
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// send pushes one operator message through the dispatcher.
func (a *App) send(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		msg, err := a.reg.Dispatcher.Handle(ctx, operatorID, "", text, "", "console")
		return replyMsg{msg: msg, err: err}
	}
}

func (a *App) pollStatus() tea.Cmd {
	return func() tea.Msg {
		snap := statusSnapshot{
			pushSessions:  a.reg.Hub.SessionCount(),
			cachedEntries: a.reg.Cache.Len(),
			deadLetters:   len(a.reg.Pool.DeadLetters()),
			brokerEnabled: a.reg.Redis != nil,
			brokerRunning: a.reg.Consumer != nil && a.reg.Consumer.Running(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if act, err := a.reg.Activities.Active(ctx, operatorID, types.DefaultSessionID(operatorID)); err == nil && act != nil {
			snap.activityName = fmt.Sprintf("%s %q", act.Type, act.Name)
		}
		return snap
	}
}

func (a *App) View() string {
	if a.width == 0 || a.height == 0 {
		return "Initializing..."
	}

	statusBar := StatusBarStyle.Width(a.width).Render(
		fmt.Sprintf("companion-gateway | uptime %s | esc to quit", time.Since(a.startTime).Round(time.Second)))
	inputBar := a.input.View()

	contentHeight := a.height - lipgloss.Height(statusBar) - lipgloss.Height(inputBar)
	leftWidth := int(float64(a.width) * 0.7)
	rightWidth := a.width - leftWidth

	layout := lipgloss.JoinHorizontal(lipgloss.Top,
		a.chat.View(leftWidth, contentHeight),
		a.status.View(rightWidth, contentHeight))

	return lipgloss.JoinVertical(lipgloss.Left, statusBar, layout, inputBar)
}
