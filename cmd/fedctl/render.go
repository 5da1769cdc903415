package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
)

const (
	COLOR_GREY      = "241"
	COLOR_MAGENTA   = "170"
	COLOR_GREEN     = "42"
	COLOR_RED       = "196"
	COLOR_LIGHTBLUE = "69"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(COLOR_MAGENTA)).
			Bold(true).
			PaddingRight(2)

	cellStyle = lipgloss.NewStyle().
			PaddingRight(2)

	healthyStyle = cellStyle.
			Foreground(lipgloss.Color(COLOR_GREEN))

	degradedStyle = cellStyle.
			Foreground(lipgloss.Color(COLOR_RED)).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(COLOR_GREY)).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(COLOR_LIGHTBLUE))
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// nextRetry is when a failing instance is tried again, or "-" for a healthy one.
func nextRetry(s domain.FederationQueueState, base, maxDelay time.Duration) string {
	if s.FailCount == 0 || s.LastRetryAt == nil {
		return "-"
	}
	next := s.LastRetryAt.Add(activitypub.RetryDelay(base, maxDelay, s.FailCount))
	return formatTime(&next)
}

// renderTable pads every column to its widest cell. rowStyle picks the style of a data row.
func renderTable(header []string, rows [][]string, rowStyle func(i int) lipgloss.Style) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		rendered := make([]string, len(cells))
		for i, cell := range cells {
			rendered[i] = style.Width(widths[i] + style.GetPaddingRight()).Render(cell)
		}
		b.WriteString(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, rendered...), " "))
		b.WriteString("\n")
	}
	line(header, headerStyle)
	for i, row := range rows {
		line(row, rowStyle(i))
	}
	return b.String()
}

func renderQueue(states []domain.FederationQueueState, base, maxDelay time.Duration) string {
	if len(states) == 0 {
		return mutedStyle.Render("No deliveries yet.") + "\n"
	}
	header := []string{"DOMAIN", "LAST ID", "LAST DELIVERED", "FAILURES", "NEXT RETRY", "STATUS"}
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		status := "ok"
		if s.Degraded {
			status = "degraded"
		} else if s.FailCount > 0 {
			status = "retrying"
		}
		rows = append(rows, []string{
			s.Domain,
			fmt.Sprint(s.LastSuccessfulId),
			formatTime(s.LastSuccessfulPublishedAt),
			fmt.Sprint(s.FailCount),
			nextRetry(s, base, maxDelay),
			status,
		})
	}
	return renderTable(header, rows, func(i int) lipgloss.Style {
		if states[i].Degraded {
			return degradedStyle
		}
		return healthyStyle
	})
}

func renderPolicy(snap *activitypub.PolicySnapshot, now time.Time) string {
	var b strings.Builder
	if len(snap.Allowed) > 0 {
		b.WriteString(statusStyle.Render("Allow-list mode, block entries are ignored.") + "\n\n")
		rows := make([][]string, 0, len(snap.Allowed))
		for _, host := range snap.Allowed {
			rows = append(rows, []string{host})
		}
		b.WriteString(renderTable([]string{"ALLOWED"}, rows, func(int) lipgloss.Style { return cellStyle }))
		return b.String()
	}
	if len(snap.Blocked) == 0 {
		return mutedStyle.Render("No instances are blocked.") + "\n"
	}
	rows := make([][]string, 0, len(snap.Blocked))
	for _, block := range snap.Blocked {
		state := "active"
		if !block.Active(now) {
			state = "expired"
		}
		rows = append(rows, []string{block.Domain, block.Reason, formatTime(block.Expires), state})
	}
	b.WriteString(renderTable([]string{"BLOCKED", "REASON", "EXPIRES", "STATE"}, rows, func(int) lipgloss.Style { return cellStyle }))
	return b.String()
}
