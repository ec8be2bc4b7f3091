package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/metrics"
)

const refreshInterval = 500 * time.Millisecond

// Source is the running simulator as seen by the monitor.
type Source interface {
	Ecus() []*ecu.Ecu
	OpenSessions() int
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

var monitorColumns = []table.Column{
	{Title: "", Width: 1},
	{Title: "ECU", Width: 14},
	{Title: "Address", Width: 8},
	{Title: "Func", Width: 8},
	{Title: "Requests", Width: 9},
	{Title: "Resp", Width: 6},
	{Title: "NoMatch", Width: 8},
	{Title: "Busy", Width: 6},
	{Title: "Intercept", Width: 9},
	{Title: "Failed", Width: 7},
	{Title: "Avg ms", Width: 8},
	{Title: "P99 ms", Width: 8},
}

// Model is the bubbletea model of the live monitor.
type Model struct {
	title   string
	src     Source
	sink    *metrics.Sink
	styles  Styles
	table   table.Model
	summary *metrics.Summary
	status  string
	width   int
}

// NewMonitor creates the monitor model for src.
func NewMonitor(title string, src Source, sink *metrics.Sink) Model {
	styles := DefaultStyles

	t := table.New(
		table.WithColumns(monitorColumns),
		table.WithFocused(true),
		table.WithHeight(len(src.Ecus())+1),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(DefaultTheme.Border).
		BorderBottom(true).
		Foreground(DefaultTheme.Accent).
		Bold(true)
	ts.Selected = styles.Cursor
	t.SetStyles(ts)

	m := Model{title: title, src: src, sink: sink, styles: styles, table: t}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "c":
			return m, copyToClipboard(m.Snapshot())
		case "r":
			if e := m.selectedEcu(); e != nil {
				e.ClearStoredProperties()
				for _, mt := range e.Matchers() {
					mt.ClearStoredProperties()
				}
				m.status = fmt.Sprintf("Cleared stores of %s", e.Name())
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tick()
	case clipboardCopyMsg:
		switch {
		case msg.success:
			m.status = "Snapshot copied to clipboard"
		case msg.err != nil:
			m.status = fmt.Sprintf("Copy failed: %v", msg.err)
		default:
			m.status = "Clipboard not available"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	if m.sink != nil {
		m.summary = m.sink.GetSummary()
	}
	ecus := m.src.Ecus()
	rows := make([]table.Row, 0, len(ecus))
	for _, e := range ecus {
		rows = append(rows, m.row(e))
	}
	m.table.SetRows(rows)
}

func (m Model) row(e *ecu.Ecu) table.Row {
	// cells are truncated by display width, so no ANSI styling here
	state := "○"
	if e.IsBusy() {
		state = "●"
	}
	var st *metrics.EcuStats
	if m.summary != nil {
		st = m.summary.ByEcu[e.Name()]
	}
	if st == nil {
		st = &metrics.EcuStats{Outcomes: map[ecu.Outcome]int{}}
	}
	return table.Row{
		state,
		e.Name(),
		fmt.Sprintf("0x%04X", e.LogicalAddress()),
		fmt.Sprintf("0x%04X", e.FunctionalAddress()),
		fmt.Sprint(st.Count),
		fmt.Sprint(st.Outcomes[ecu.OutcomeResponded]),
		fmt.Sprint(st.Outcomes[ecu.OutcomeNoMatch]),
		fmt.Sprint(st.Outcomes[ecu.OutcomeBusy]),
		fmt.Sprint(st.Outcomes[ecu.OutcomeIntercepted]),
		fmt.Sprint(st.Outcomes[ecu.OutcomeFailed]),
		fmt.Sprintf("%.1f", st.AvgMs),
		fmt.Sprintf("%.1f", st.P99Ms),
	}
}

func (m Model) selectedEcu() *ecu.Ecu {
	ecus := m.src.Ecus()
	i := m.table.Cursor()
	if i < 0 || i >= len(ecus) {
		return nil
	}
	return ecus[i]
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("doipsim  " + m.title))
	b.WriteString("\n\n")
	b.WriteString(m.statsLine())
	b.WriteString("\n\n")
	b.WriteString(m.styles.Box.Render(m.table.View()))
	b.WriteString("\n")

	if m.status != "" {
		b.WriteString(m.styles.Info.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(m.helpLine())
	return b.String()
}

func (m Model) statsLine() string {
	label := m.styles.Dim.Render
	value := m.styles.Bold.Render

	open := m.src.OpenSessions()
	state := "idle"
	if open > 0 {
		state = "active"
	}
	parts := []string{
		StatusIcon(state, m.styles) + " " + label("connections ") + value(fmt.Sprint(open)),
	}
	if s := m.summary; s != nil {
		parts = append(parts,
			label("total ")+value(fmt.Sprint(s.ConnectionsTotal)),
			label("requests ")+value(fmt.Sprint(s.TotalRequests)),
			label("header nacks ")+m.nackValue(s),
			label("uptime ")+value(time.Since(s.Started).Truncate(time.Second).String()),
		)
	}
	return strings.Join(parts, m.styles.Muted.Render("  │  "))
}

func (m Model) nackValue(s *metrics.Summary) string {
	total := 0
	for _, n := range s.HeaderNacks {
		total += n
	}
	if total == 0 {
		return m.styles.Success.Render("0")
	}
	return m.styles.Warning.Render(fmt.Sprint(total))
}

func (m Model) helpLine() string {
	keys := []struct{ key, desc string }{
		{"↑/↓", "select"},
		{"r", "clear stores"},
		{"c", "copy"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, m.styles.KeyBinding.Render(k.key)+" "+m.styles.KeyHint.Render(k.desc))
	}
	return m.styles.Footer.Render(strings.Join(parts, "  "))
}

// Snapshot renders the counters as plain text.
func (m Model) Snapshot() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d open connections\n", m.title, m.src.OpenSessions())
	if m.summary == nil {
		return b.String()
	}
	names := m.summary.EcuNames()
	sort.Strings(names)
	for _, name := range names {
		st := m.summary.ByEcu[name]
		fmt.Fprintf(&b, "%s requests=%d", name, st.Count)
		for _, o := range ecu.Outcomes {
			if n := st.Outcomes[o]; n > 0 {
				fmt.Fprintf(&b, " %s=%d", o, n)
			}
		}
		fmt.Fprintf(&b, " avg_ms=%.1f\n", st.AvgMs)
	}
	return b.String()
}
