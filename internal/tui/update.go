package tui

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"netdivert/internal/analysis"
)

func (m ConnectionsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case TickMsg:
		m.bps, m.pps = m.stats.GetRates()
		m.conns = m.stats.GetTopConnections(50)
		m.processes = m.stats.GetTopProcesses(5)
		m.verdicts = m.stats.GetVerdictStats()
		m.alerts = m.stats.GetAlerts(5)
		m.table.SetRows(connectionRows(m.conns))
		return m, tickCmd()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func connectionRows(conns []analysis.ConnStat) []table.Row {
	rows := make([]table.Row, len(conns))
	for i, c := range conns {
		process := c.Process
		if process == "" && c.PID != 0 {
			process = strconv.FormatUint(uint64(c.PID), 10)
		}
		if c.Closed {
			process += " (closed)"
		}
		rows[i] = table.Row{
			c.Key.Client().String(),
			c.Key.Server().String(),
			c.Service,
			process,
			fmt.Sprintf("%d", c.PacketsUp+c.PacketsDn),
			formatBytes(c.Bytes()),
			fmt.Sprintf("%d", c.Dropped),
		}
	}
	return rows
}
