package tui

import (
	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
)

// clipboardCopyMsg is sent after a clipboard copy operation.
type clipboardCopyMsg struct {
	success bool
	err     error
}

// copyToClipboard returns a tea.Cmd that copies text to the system
// clipboard and reports the result as a clipboardCopyMsg.
func copyToClipboard(text string) tea.Cmd {
	return func() tea.Msg {
		if clipboard.Unsupported {
			return clipboardCopyMsg{success: false}
		}
		if err := clipboard.WriteAll(text); err != nil {
			return clipboardCopyMsg{success: false, err: err}
		}
		return clipboardCopyMsg{success: true}
	}
}
