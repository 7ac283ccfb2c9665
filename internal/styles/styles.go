// Package styles holds the terminal palette shared by the CLI output and the
// answer prompt.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/paperrepro/internal/state"
)

var (
	// Colors - all meet WCAG AA contrast (4.5:1) on black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue
	OrangeColor    = lipgloss.Color("#FB923C") // Orange

	Title     = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	Header    = lipgloss.NewStyle().Bold(true).Foreground(MutedColor)
	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Stage     = lipgloss.NewStyle().Foreground(BlueColor)
)

// StatusColor returns the color for a stage status.
func StatusColor(s state.StageStatus) lipgloss.Color {
	switch s {
	case state.StatusCompletedSuccess:
		return SecondaryColor
	case state.StatusCompletedPartial:
		return WarningColor
	case state.StatusCompletedFailed:
		return ErrorColor
	case state.StatusInProgress:
		return BlueColor
	case state.StatusBlocked, state.StatusNeedsRerun, state.StatusInvalidated:
		return OrangeColor
	default:
		return MutedColor
	}
}

// Status renders a stage status in its color.
func Status(s state.StageStatus) string {
	return lipgloss.NewStyle().Foreground(StatusColor(s)).Render(string(s))
}

// Check renders a validated flag.
func Check(ok bool) string {
	if ok {
		return Secondary.Render("✓")
	}
	return Muted.Render("·")
}

// Cell pads text to width, measuring rendered width so styled text aligns.
// Text too long for the cell is cut at the first wrapped line.
func Cell(text string, width int) string {
	return lipgloss.NewStyle().Width(width).MaxHeight(1).Render(text)
}
