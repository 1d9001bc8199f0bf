package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorNavy  = lipgloss.Color("#1E2A4A")
	ColorGray  = lipgloss.Color("#808080")
	ColorWhite = lipgloss.Color("#FFFFFF")
	ColorGreen = lipgloss.Color("#44FF44")
	ColorAmber = lipgloss.Color("#FFAA00")
	ColorRed   = lipgloss.Color("#FF4444")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite).Background(ColorNavy).Padding(0, 1)
	progressStyle = lipgloss.NewStyle().Foreground(ColorGray)
	helpStyle     = lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
)

// outcomeStyle colours a job outcome name.
func outcomeStyle(outcome string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch outcome {
	case "success":
		return s.Foreground(ColorGreen)
	case "retry", "cancelled":
		return s.Foreground(ColorAmber)
	default:
		return s.Foreground(ColorRed)
	}
}
