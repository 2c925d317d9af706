package reporting

import (
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"netdivert/internal/analysis"
)

// GenerateSessionReport writes a report of the session's connections to
// path, or to a timestamped file in the working directory when path is
// empty. Currently supports "html" format.
func GenerateSessionReport(stats *analysis.ConnectionStats, format, path string) (string, error) {
	if format != "html" {
		return "", fmt.Errorf("unsupported format: %s", format)
	}

	now := time.Now()
	timestamp := now.Format("20060102_150405")
	if path == "" {
		path = fmt.Sprintf("report_%s.html", timestamp)
	}

	// Gather data
	totalBytes, totalPackets := stats.GetTotals()
	conns := stats.GetTopConnections(100)
	processes := stats.GetTopProcesses(10)
	verdicts := stats.GetVerdictStats()
	alerts := stats.GetAllAlerts()

	var b strings.Builder
	fmt.Fprintf(&b, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>netdivert Session Report - %s</title>
    <style>
        body { font-family: sans-serif; margin: 20px; color: #333; }
        h1, h2 { color: #2c3e50; }
        table { width: 100%%; border-collapse: collapse; margin-bottom: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f2f2f2; }
        tr:nth-child(even) { background-color: #f9f9f9; }
        .summary { background: #eef; padding: 15px; border-radius: 5px; margin-bottom: 20px; }
        .alert { color: #d9534f; font-weight: bold; }
    </style>
</head>
<body>
    <h1>netdivert Session Report</h1>
    <div class="summary">
        <p><strong>Date:</strong> %s</p>
        <p><strong>Total Data Intercepted:</strong> %s in %d packets</p>
    </div>
`, timestamp, now.Format(time.RFC1123), formatBytes(totalBytes), totalPackets)

	section(&b, "Connections", []string{"Client", "Server", "Service", "Process", "Packets", "Bytes", "Dropped", "State"},
		"No connections intercepted.", len(conns), func(i int) []string {
			c := conns[i]
			state := "open"
			if c.Closed {
				state = "closed"
			}
			return []string{
				c.Key.Client().String(),
				c.Key.Server().String(),
				c.Service,
				processLabel(c.Process, c.PID),
				fmt.Sprint(c.PacketsUp + c.PacketsDn),
				formatBytes(c.Bytes()),
				fmt.Sprint(c.Dropped),
				state,
			}
		})

	section(&b, "Top Processes", []string{"Process", "Connections", "Data Transferred"},
		"No connections were attributed to a process.", len(processes), func(i int) []string {
			p := processes[i]
			return []string{processLabel(p.Process, p.PID), fmt.Sprint(p.Connections), formatBytes(p.Bytes)}
		})

	section(&b, "Verdicts", []string{"Verdict", "Packets"},
		"No packets were processed.", len(verdicts), func(i int) []string {
			return []string{verdicts[i].Verdict, fmt.Sprint(verdicts[i].Count)}
		})

	section(&b, "Security Alerts", []string{"Time", "Type", "Source", "Message"},
		"No alerts triggered during this session.", len(alerts), func(i int) []string {
			a := alerts[i]
			return []string{a.Timestamp.Format("15:04:05"), string(a.Type), a.Source, a.Message}
		})

	b.WriteString("</body>\n</html>")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// section renders one table. Cell values are escaped.
func section(b *strings.Builder, title string, headers []string, empty string, n int, row func(int) []string) {
	fmt.Fprintf(b, "\n    <h2>%s</h2>\n    <table>\n        <thead>\n            <tr>\n", title)
	for _, h := range headers {
		fmt.Fprintf(b, "                <th>%s</th>\n", h)
	}
	b.WriteString("            </tr>\n        </thead>\n        <tbody>\n")

	if n == 0 {
		fmt.Fprintf(b, "            <tr><td colspan=\"%d\">%s</td></tr>\n", len(headers), empty)
	}
	for i := 0; i < n; i++ {
		b.WriteString("            <tr>")
		for j, cell := range row(i) {
			if title == "Security Alerts" && j == 1 {
				fmt.Fprintf(b, "<td class=\"alert\">%s</td>", html.EscapeString(cell))
				continue
			}
			fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(cell))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("        </tbody>\n    </table>\n")
}

func processLabel(name string, pid uint32) string {
	switch {
	case pid == 0:
		return "unknown"
	case name == "":
		return fmt.Sprintf("pid %d", pid)
	default:
		return fmt.Sprintf("%s (%d)", name, pid)
	}
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
