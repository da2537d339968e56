package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors of the dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default ouro-dash theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title       lipgloss.Style
	TabActive   lipgloss.Style
	Tab         lipgloss.Style
	Header      lipgloss.Style
	Col         lipgloss.Style
	Muted       lipgloss.Style
	Error       lipgloss.Style
	Warning     lipgloss.Style
	HealthGreen lipgloss.Style
	HealthAmber lipgloss.Style
	HealthRed   lipgloss.Style
}

// NewStyles builds the dashboard styles for t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:       lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		TabActive:   lipgloss.NewStyle().Bold(true).Underline(true).Foreground(t.Secondary).Padding(0, 1),
		Tab:         lipgloss.NewStyle().Foreground(t.Muted).Padding(0, 1),
		Header:      lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Col:         lipgloss.NewStyle().PaddingRight(1),
		Muted:       lipgloss.NewStyle().Foreground(t.Muted),
		Error:       lipgloss.NewStyle().Foreground(t.Error),
		Warning:     lipgloss.NewStyle().Foreground(t.Warning),
		HealthGreen: lipgloss.NewStyle().Foreground(t.Success),
		HealthAmber: lipgloss.NewStyle().Foreground(t.Warning),
		HealthRed:   lipgloss.NewStyle().Foreground(t.Error),
	}
}
