package tui

import "github.com/charmbracelet/lipgloss"

// Theme is the palette of the monitor and the ECU listing.
type Theme struct {
	Background lipgloss.Color
	Text       lipgloss.Color
	TextDim    lipgloss.Color
	TextMuted  lipgloss.Color
	Border     lipgloss.Color
	Accent     lipgloss.Color

	// ECU and connection states
	Idle   lipgloss.Color
	Active lipgloss.Color
	Busy   lipgloss.Color
	Failed lipgloss.Color
	Notice lipgloss.Color
}

// DefaultTheme is a dark palette.
var DefaultTheme = Theme{
	Background: lipgloss.Color("#1a1b26"),
	Text:       lipgloss.Color("#c0caf5"),
	TextDim:    lipgloss.Color("#565f89"),
	TextMuted:  lipgloss.Color("#414868"),
	Border:     lipgloss.Color("#414868"),
	Accent:     lipgloss.Color("#7aa2f7"),

	Idle:   lipgloss.Color("#565f89"),
	Active: lipgloss.Color("#9ece6a"),
	Busy:   lipgloss.Color("#e0af68"),
	Failed: lipgloss.Color("#f7768e"),
	Notice: lipgloss.Color("#7dcfff"),
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Base  lipgloss.Style
	Dim   lipgloss.Style
	Muted lipgloss.Style
	Bold  lipgloss.Style

	Title  lipgloss.Style
	Header lipgloss.Style
	Box    lipgloss.Style
	Footer lipgloss.Style

	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Running lipgloss.Style

	Cursor     lipgloss.Style
	KeyBinding lipgloss.Style
	KeyHint    lipgloss.Style
}

// NewStyles derives the styles of t.
func NewStyles(t Theme) Styles {
	text := lipgloss.NewStyle().Foreground(t.Text)
	return Styles{
		Base:  text,
		Dim:   lipgloss.NewStyle().Foreground(t.TextDim),
		Muted: lipgloss.NewStyle().Foreground(t.TextMuted),
		Bold:  text.Bold(true),

		Title:  lipgloss.NewStyle().Foreground(t.Accent).Bold(true).Padding(0, 1),
		Header: lipgloss.NewStyle().Foreground(t.Accent).Bold(true),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),
		Footer: lipgloss.NewStyle().Foreground(t.TextDim),

		Success: lipgloss.NewStyle().Foreground(t.Active),
		Warning: lipgloss.NewStyle().Foreground(t.Busy),
		Error:   lipgloss.NewStyle().Foreground(t.Failed),
		Info:    lipgloss.NewStyle().Foreground(t.Notice),
		Running: lipgloss.NewStyle().Foreground(t.Busy).Bold(true),

		Cursor:     lipgloss.NewStyle().Foreground(t.Background).Background(t.Accent),
		KeyBinding: lipgloss.NewStyle().Foreground(t.Accent).Bold(true),
		KeyHint:    lipgloss.NewStyle().Foreground(t.TextDim),
	}
}

// DefaultStyles are the styles of DefaultTheme.
var DefaultStyles = NewStyles(DefaultTheme)

// StatusIcon renders the indicator for an ECU or connection state.
func StatusIcon(status string, s Styles) string {
	switch status {
	case "busy":
		return s.Running.Render("●")
	case "failed":
		return s.Error.Render("●")
	case "active":
		return s.Success.Render("●")
	default:
		return s.Dim.Render("○")
	}
}
