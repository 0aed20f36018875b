package debug

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	halted  lipgloss.Style
	active  lipgloss.Style
	waiting lipgloss.Style
	muted   lipgloss.Style
}

// ANSI colors: 1 red, 2 green, 3 yellow, 4 blue, 6 cyan, 7 white, 8 gray.
func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.ANSIColor(7)).Background(lipgloss.ANSIColor(4)),
		label:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.ANSIColor(6)),
		value:   lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(7)),
		halted:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.ANSIColor(7)).Background(lipgloss.ANSIColor(1)),
		active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.ANSIColor(2)),
		waiting: lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(3)),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(8)),
	}
}
