package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tturner/doipsim/internal/metrics"
)

// RunMonitor shows the live ECU monitor until the operator quits.
func RunMonitor(title string, src Source, sink *metrics.Sink) error {
	program := tea.NewProgram(NewMonitor(title, src, sink), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
