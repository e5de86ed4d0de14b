package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
)

type column struct {
	label string
	width int
}

// renderTable lays out rows under fixed-width headers. Cells wider than
// their column are truncated with "...".
func renderTable(cols []column, rows [][]string, empty string) string {
	var b strings.Builder

	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = StyleTableHeader.Width(c.width).Render(c.label)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...))
	b.WriteString("\n")

	if len(rows) == 0 {
		b.WriteString(StyleMuted.Render(empty))
		b.WriteString("\n")
		return b.String()
	}

	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			val := ""
			if i < len(row) {
				val = truncate(row[i], c.width)
			}
			cells[i] = StyleCell.Width(c.width).Render(val)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 5 || utf8.RuneCountInString(s) <= width-2 {
		return s
	}
	r := []rune(s)
	return string(r[:width-5]) + "..."
}

func onOff(b bool, on, off string) string {
	if b {
		return StyleGood.Render(on)
	}
	return StyleMuted.Render(off)
}

// renderStatus formats the tunnel status card.
func renderStatus(st *tunnel.Status) string {
	running := StyleBad.Render("STOPPED")
	if st.Running {
		running = StyleGood.Render("RUNNING")
	}
	addr := st.IPv6Addr
	if addr == "" {
		addr = StyleWarn.Render("unavailable")
	}

	lines := []string{
		StyleTitle.Render("IPv6 Port Forwarding"),
		"",
		StyleLabel.Render("Status:") + running,
		StyleLabel.Render("Rules:") + fmt.Sprintf("%d active / %d configured", st.ActiveCount, st.RuleCount),
		StyleLabel.Render("Address:") + addr,
	}
	return StyleCard.Render(strings.Join(lines, "\n"))
}

// renderRules formats the forwarding rules table.
func renderRules(rules []state.ProxyRule) string {
	cols := []column{{"ID", 6}, {"LOCAL", 8}, {"REMOTE", 8}, {"STATE", 10}, {"CREATED", 21}}
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			strconv.Itoa(r.LocalPort),
			strconv.Itoa(r.RemotePort),
			onOff(r.Enabled, "enabled", "disabled"),
			r.CreatedAt.Local().Format(announce.TimeLayout),
		})
	}
	return renderTable(cols, rows, "No forwarding rules configured.")
}

// renderLogs formats send history, newest first.
func renderLogs(entries []announce.SendLogEntry) string {
	cols := []column{{"ID", 6}, {"TIME", 21}, {"RESULT", 8}, {"ADDRESS", 28}, {"RESPONSE", 40}}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		result := StyleBad.Render("fail")
		if e.Result {
			result = StyleGood.Render("ok")
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Local().Format(announce.TimeLayout),
			result,
			e.IPv6Addr,
			e.Response,
		})
	}
	return renderTable(cols, rows, "No announcements sent yet.")
}

// renderConfig formats the proxy config as label/value lines.
func renderConfig(cfg *state.ProxyConfig) string {
	url := cfg.WebhookURL
	if url == "" {
		url = StyleMuted.Render("(not set)")
	}
	interval := fmt.Sprintf("%d min", cfg.SendIntervalMinutes)
	if cfg.SendIntervalMinutes == 0 {
		interval = StyleMuted.Render("manual only")
	}
	headers := strings.TrimSpace(cfg.WebhookHeaders)
	if headers == "" {
		headers = StyleMuted.Render("(none)")
	}

	label := lipgloss.NewStyle().Foreground(ColorDeep).Width(14)
	lines := []string{
		StyleTitle.Render("Proxy Configuration"),
		"",
		label.Render("Enabled:") + onOff(cfg.Enabled, "yes", "no"),
		label.Render("Auto start:") + onOff(cfg.AutoStart, "yes", "no"),
		label.Render("Announce:") + onOff(cfg.SendEnabled, "yes", "no"),
		label.Render("Interval:") + interval,
		label.Render("Webhook URL:") + url,
		label.Render("Headers:") + headers,
		label.Render("Body:") + cfg.WebhookBody,
	}
	return StyleCard.Render(strings.Join(lines, "\n"))
}
