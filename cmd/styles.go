package cmd

import "github.com/charmbracelet/lipgloss"

// CLI palette
var (
	ColorAccent = lipgloss.Color("#A8D8EA")
	ColorDeep   = lipgloss.Color("#596E79")
	ColorAlert  = lipgloss.Color("#FF6B6B")
	ColorGood   = lipgloss.Color("#4ECDC4")
	ColorWarn   = lipgloss.Color("#FFE66D")
	ColorMuted  = lipgloss.Color("#6c757d")
)

var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorDeep).
			Width(10)

	StyleGood  = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	StyleBad   = lipgloss.NewStyle().Foreground(ColorAlert).Bold(true)
	StyleWarn  = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	StyleMuted = lipgloss.NewStyle().Foreground(ColorMuted)

	StyleTableHeader = lipgloss.NewStyle().
				Foreground(ColorDeep).
				Bold(true).
				PaddingRight(2)

	StyleCell = lipgloss.NewStyle().PaddingRight(2)

	StyleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDeep).
			Padding(0, 1)
)
