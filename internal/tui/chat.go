package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type chatLine struct {
	role    string
	content string
}

type Chat struct {
	viewport viewport.Model
	lines    []chatLine
}

func NewChat() *Chat {
	vp := viewport.New(0, 0)
	vp.SetContent("Companion gateway operator console. Messages here go through the real pipeline.\n")
	return &Chat{viewport: vp}
}

func (c *Chat) Init() tea.Cmd {
	return nil
}

func (c *Chat) Update(msg tea.Msg) (*Chat, tea.Cmd) {
	var cmd tea.Cmd
	c.viewport, cmd = c.viewport.Update(msg)
	return c, cmd
}

func (c *Chat) View(width, height int) string {
	c.viewport.Width = width - 2
	c.viewport.Height = height - 2
	return ChatPanelStyle.Width(width).Height(height).Render(c.viewport.View())
}

func (c *Chat) AddLine(role, content string) {
	c.lines = append(c.lines, chatLine{role: role, content: content})
	c.updateContent()
	c.viewport.GotoBottom()
}

func (c *Chat) updateContent() {
	var sb strings.Builder
	for _, line := range c.lines {
		var style lipgloss.Style
		switch line.role {
		case "operator":
			style = UserMessageStyle
		case "error":
			style = ErrorMessageStyle
		default:
			style = AssistantMessageStyle
		}
		sb.WriteString(style.Render(line.role + ": " + line.content))
		sb.WriteString("\n")
	}
	c.viewport.SetContent(sb.String())
}
