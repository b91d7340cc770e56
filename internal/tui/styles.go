package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ehr/carewatch/internal/domain/alarm"
)

var (
	colorRed    = lipgloss.Color("#FF5555")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorWhite  = lipgloss.Color("#F8F8F2")
	colorGray   = lipgloss.Color("#6272A4")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	labelStyle  = lipgloss.NewStyle().Foreground(colorGray)
	valueStyle  = lipgloss.NewStyle().Foreground(colorWhite)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	critStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	helpStyle   = lipgloss.NewStyle().Foreground(colorGray)
	ackStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	headerStyle = lipgloss.NewStyle().Foreground(colorGray).Bold(true)
)

func severityStyle(s alarm.Severity) lipgloss.Style {
	switch s {
	case alarm.SeverityCritical:
		return critStyle
	case alarm.SeverityWarning:
		return warnStyle
	default:
		return valueStyle
	}
}
