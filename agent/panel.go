package agent

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	// Colors
	responseColor = lipgloss.Color("#06B6D4")
	statusColor   = lipgloss.Color("#F59E0B")
	errorColor    = lipgloss.Color("#EF4444")
	startColor    = lipgloss.Color("#10B981")
	mutedColor    = lipgloss.Color("#6B7280")
)

// Panel kinds
const (
	PanelResponse = iota
	PanelStatus
	PanelError
	PanelStart
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true)

	panelSubtitleStyle = lipgloss.NewStyle().
				Foreground(mutedColor).
				Italic(true)
)

// Panel renders body in a bordered box with a title and an optional subtitle
// line. A width of 0 sizes the box to its content.
func Panel(kind int, title, body, subtitle string, width int) string {
	color := responseColor
	switch kind {
	case PanelStatus:
		color = statusColor
	case PanelError:
		color = errorColor
	case PanelStart:
		color = startColor
	}

	parts := []string{
		panelTitleStyle.Foreground(color).Render(title),
		strings.TrimRight(body, "\n"),
	}
	if subtitle != "" {
		parts = append(parts, panelSubtitleStyle.Render(subtitle))
	}

	style := panelStyle.BorderForeground(color)
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// ResponsePanel renders an agent reply to a message on topic
func ResponsePanel(topic, body, reply string, width int) string {
	return Panel(PanelResponse, strings.ToUpper(topic)+" Response", reply, "Message: "+body, width)
}
