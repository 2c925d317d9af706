package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF7DB")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Margin(0, 1)

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F")).
			Bold(true)
)

func (m ConnectionsModel) View() string {
	headerText := fmt.Sprintf("netdivert - Intercepting: %s", m.source)
	if m.filter != "" {
		headerText += fmt.Sprintf(" [filter: %s]", m.filter)
	}
	title := titleStyle.Render(headerText)

	// QoS Panel
	qos := fmt.Sprintf("Bandwidth: %s\nPacket Rate: %.2f PPS\nConnections: %d", formatBps(m.bps), m.pps, len(m.conns))
	qosBox := infoStyle.Render(qos)

	var verdictStrs []string
	for _, v := range m.verdicts {
		verdictStrs = append(verdictStrs, fmt.Sprintf("%s: %d", v.Verdict, v.Count))
	}
	if len(verdictStrs) == 0 {
		verdictStrs = append(verdictStrs, "Waiting for data...")
	}
	verdictBox := infoStyle.Render("Verdicts:\n" + strings.Join(verdictStrs, "\n"))

	var procStrs []string
	for _, p := range m.processes {
		name := p.Process
		if name == "" {
			name = "?"
		}
		procStrs = append(procStrs, fmt.Sprintf("%s (%d): %d conns, %s", name, p.PID, p.Connections, formatBytes(p.Bytes)))
	}
	if len(procStrs) == 0 {
		procStrs = append(procStrs, "No attributed processes")
	}
	procBox := infoStyle.Render("Top Processes:\n" + strings.Join(procStrs, "\n"))

	connBox := infoStyle.Render("Connections\n" + m.table.View())

	var alertStrs []string
	for _, a := range m.alerts {
		alertStrs = append(alertStrs, fmt.Sprintf("%s %s %s: %s",
			a.Timestamp.Format("15:04:05"), alertStyle.Render(string(a.Type)), a.Source, a.Message))
	}
	if len(alertStrs) == 0 {
		alertStrs = append(alertStrs, "No alerts")
	}
	alertBox := infoStyle.Render("Alerts:\n" + strings.Join(alertStrs, "\n"))

	// Layout
	row1 := lipgloss.JoinHorizontal(lipgloss.Top, qosBox, verdictBox, procBox)
	body := lipgloss.JoinVertical(lipgloss.Left, title, row1, connBox, alertBox)

	return body + "\nPress q to quit."
}

func formatBps(bps float64) string {
	if bps >= 1e6 {
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	}
	if bps >= 1e3 {
		return fmt.Sprintf("%.2f Kbps", bps/1e3)
	}
	return fmt.Sprintf("%.2f bps", bps)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
