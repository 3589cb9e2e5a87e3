package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	minWidth  = 40
	minHeight = 10

	rowLimit = 50
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62"))

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("69"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("82"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226"))

	badStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	width := m.width
	if width < minWidth {
		width = minWidth
	}

	var body string
	switch m.view {
	case ViewFunctions:
		body = m.renderFunctions(width)
	case ViewAPIs:
		body = m.renderAPIs(width)
	case ViewFlow:
		body = m.renderFlow(width)
	}

	output := m.renderHeader(width) + "\n" + body

	if m.height > 0 {
		lines := strings.Split(output, "\n")
		if len(lines) > m.height {
			lines = lines[:m.height]
			output = strings.Join(lines, "\n")
		}
	}
	return output
}

func (m Model) renderHeader(width int) string {
	title := " callscope"
	var viewLabel string
	switch m.view {
	case ViewFunctions:
		viewLabel = " [Functions]"
	case ViewAPIs:
		viewLabel = " [APIs]"
	case ViewFlow:
		viewLabel = " [Flow]"
	}
	help := "Tab:View  c:Clear  q:Quit "

	padding := width - lipgloss.Width(title) - lipgloss.Width(viewLabel) - lipgloss.Width(help)
	if padding < 0 {
		padding = 0
	}
	return headerStyle.Width(width).Render(title + viewLabel + strings.Repeat(" ", padding) + help)
}

func (m Model) renderFunctions(width int) string {
	var sb strings.Builder
	sb.WriteString(panelTitleStyle.Render("Slowest functions"))
	sb.WriteString("\n")

	if len(m.functions) == 0 {
		sb.WriteString(dimStyle.Render("  no calls recorded yet"))
		sb.WriteString("\n")
	}
	for _, s := range visibleWindow(m.functions, m.scrollPos, m.bodyHeight()) {
		rate := fmt.Sprintf("%5.1f%%", s.SuccessRate*100)
		styled := okStyle.Render(rate)
		if s.SuccessRate < 0.9 {
			styled = badStyle.Render(rate)
		} else if s.SuccessRate < 1 {
			styled = warnStyle.Render(rate)
		}
		fmt.Fprintf(&sb, "  %-28s avg %-10s recent %-10s calls %-6d ok %s\n",
			truncateName(s.Name, 28),
			formatDuration(s.Average),
			formatDuration(s.RecentAverage),
			s.Calls,
			styled)
	}

	sb.WriteString("\n")
	sb.WriteString(panelTitleStyle.Render("Active calls"))
	sb.WriteString("\n")
	if len(m.active) == 0 {
		sb.WriteString(dimStyle.Render("  none"))
		sb.WriteString("\n")
	}
	for _, c := range m.active {
		fmt.Fprintf(&sb, "  %-28s goroutine %-6d started %s\n",
			truncateName(c.Function, 28), c.GoroutineID, c.StartedAt.Format("15:04:05"))
	}

	sb.WriteString("\n")
	sb.WriteString(panelTitleStyle.Render("Recommendations"))
	sb.WriteString("\n")
	for _, rec := range m.recommendations {
		fmt.Fprintf(&sb, "  - %s\n", rec)
	}

	return sb.String()
}

func (m Model) renderAPIs(width int) string {
	var sb strings.Builder
	sb.WriteString(panelTitleStyle.Render("Slowest APIs"))
	sb.WriteString("\n")

	if len(m.apis) == 0 {
		sb.WriteString(dimStyle.Render("  no API calls recorded yet"))
		sb.WriteString("\n")
	}
	for _, s := range visibleWindow(m.apis, m.scrollPos, m.bodyHeight()) {
		rate := fmt.Sprintf("%5.1f%%", s.SuccessRate*100)
		styled := okStyle.Render(rate)
		if s.SuccessRate < 0.9 {
			styled = badStyle.Render(rate)
		} else if s.SuccessRate < 1 {
			styled = warnStyle.Render(rate)
		}
		fmt.Fprintf(&sb, "  %-28s avg %-10s calls %-6d ok %s\n",
			truncateName(s.Name, 28), formatDuration(s.Average), s.Calls, styled)
	}

	return sb.String()
}

func (m Model) renderFlow(width int) string {
	var sb strings.Builder
	sb.WriteString(panelTitleStyle.Render("Flow analysis"))
	sb.WriteString("\n")

	a := m.analysis
	if a.Message != "" || a.Statistics == nil {
		msg := a.Message
		if msg == "" {
			msg = "no flow data available"
		}
		sb.WriteString(dimStyle.Render("  " + msg))
		sb.WriteString("\n")
		return sb.String()
	}

	s := a.Statistics
	fmt.Fprintf(&sb, "  events %d  calls %d  completed %d  success %.1f%%\n",
		s.TotalEvents, s.FunctionCalls, s.CompletedCalls, s.SuccessRate*100)
	if a.Parallelism != nil {
		fmt.Fprintf(&sb, "  goroutines %d  peak concurrency %d\n",
			a.Parallelism.TotalGoroutines, a.Parallelism.PeakConcurrency)
	}

	sb.WriteString("\n")
	sb.WriteString(panelTitleStyle.Render("Bottlenecks"))
	sb.WriteString("\n")
	if len(a.Bottlenecks) == 0 {
		sb.WriteString(dimStyle.Render("  none detected"))
		sb.WriteString("\n")
	}
	for _, b := range a.Bottlenecks {
		sev := warnStyle.Render(b.Severity)
		if b.Severity == "high" {
			sev = badStyle.Render(b.Severity)
		}
		fmt.Fprintf(&sb, "  %-28s avg %-10s max %-10s %s\n",
			truncateName(b.Function, 28), formatDuration(b.Average), formatDuration(b.Max), sev)
	}

	sb.WriteString("\n")
	sb.WriteString(panelTitleStyle.Render("Common sequences"))
	sb.WriteString("\n")
	if a.Patterns == nil || len(a.Patterns.CommonSequences) == 0 {
		sb.WriteString(dimStyle.Render("  none"))
		sb.WriteString("\n")
	} else {
		for _, seq := range a.Patterns.CommonSequences {
			fmt.Fprintf(&sb, "  %-40s x%d\n", seq.Sequence, seq.Count)
		}
	}

	return sb.String()
}

func (m Model) bodyHeight() int {
	h := m.height - 6
	if h < 5 {
		h = rowLimit
	}
	return h
}

func visibleWindow[T any](items []T, scroll, height int) []T {
	if scroll >= len(items) {
		scroll = len(items) - 1
	}
	if scroll < 0 {
		scroll = 0
	}
	end := scroll + height
	if end > len(items) {
		end = len(items)
	}
	return items[scroll:end]
}

func truncateName(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	return name[:maxLen-1] + "…"
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
}
