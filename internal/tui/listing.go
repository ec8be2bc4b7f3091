package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// EcuListing is one line of the address book listing.
type EcuListing struct {
	Name              string
	LogicalAddress    uint16
	FunctionalAddress uint16
	Requests          int
	Script            string
	NrcOnNoMatch      bool
}

// RenderEcuListing renders the entity header and its ECUs as a styled
// table for terminal output.
func RenderEcuListing(entity string, address uint16, ecus []EcuListing, s Styles) string {
	var b strings.Builder
	b.WriteString(s.Title.Render(fmt.Sprintf("%s (0x%04X)", entity, address)))
	b.WriteString("\n")

	header := []string{"ECU", "Logical", "Functional", "Requests", "No-match", "Script"}
	rows := make([][]string, 0, len(ecus))
	for _, e := range ecus {
		noMatch := "silent"
		if e.NrcOnNoMatch {
			noMatch = "7F xx 31"
		}
		script := e.Script
		if script == "" {
			script = "-"
		}
		rows = append(rows, []string{
			e.Name,
			fmt.Sprintf("0x%04X", e.LogicalAddress),
			fmt.Sprintf("0x%04X", e.FunctionalAddress),
			fmt.Sprint(e.Requests),
			noMatch,
			script,
		})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	render := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Width(widths[i]).Render(c)
		}
		return "  " + strings.Join(parts, "  ")
	}

	b.WriteString(render(header, s.Header))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(render(r, s.Base))
		b.WriteString("\n")
	}
	return b.String()
}
