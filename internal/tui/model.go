package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"netdivert/internal/analysis"
)

// TickMsg triggers a refresh of the dashboard.
type TickMsg time.Time

const refreshInterval = 250 * time.Millisecond

type ConnectionsModel struct {
	stats     *analysis.ConnectionStats
	bps       float64
	pps       float64
	conns     []analysis.ConnStat
	processes []analysis.ProcessStat
	verdicts  []analysis.VerdictStat
	alerts    []analysis.Alert
	table     table.Model
	source    string
	filter    string
}

// NewConnectionsModel builds the dashboard over stats. source names the
// capture backend and filter is the active capture filter.
func NewConnectionsModel(stats *analysis.ConnectionStats, source, filter string) ConnectionsModel {
	columns := []table.Column{
		{Title: "Client", Width: 24},
		{Title: "Server", Width: 24},
		{Title: "Service", Width: 10},
		{Title: "Process", Width: 18},
		{Title: "Pkts", Width: 8},
		{Title: "Bytes", Width: 10},
		{Title: "Dropped", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return ConnectionsModel{
		stats:  stats,
		source: source,
		filter: filter,
		table:  t,
	}
}

func (m ConnectionsModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
