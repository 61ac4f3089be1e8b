package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

// cell renders s left-aligned in a column of width w, keeping one space of gutter.
func cell(s string, w int, style lipgloss.Style) string {
	if lipgloss.Width(s) > w-1 {
		s = truncateString(s, w-1)
	}
	return style.Width(w).Render(s)
}

func sessionStatusStyle(s types.SessionStatus) lipgloss.Style {
	switch s {
	case types.SessionCompleted:
		return okStyle
	case types.SessionFailed:
		return failStyle
	case types.SessionRunning:
		return runStyle
	}
	return dimStyle
}

func runStatusStyle(s types.RunStatus) lipgloss.Style {
	switch s {
	case types.RunSucceeded:
		return okStyle
	case types.RunFailed:
		return failStyle
	case types.RunSkipped:
		return warnStyle
	case types.RunRunning:
		return runStyle
	}
	return dimStyle
}

func runStatusIcon(s types.RunStatus) string {
	switch s {
	case types.RunSucceeded:
		return "✓"
	case types.RunFailed:
		return "✗"
	case types.RunSkipped:
		return "↷"
	case types.RunRunning:
		return "●"
	}
	return "○"
}

// renderSnapshot draws a session snapshot as a bordered panel.
func renderSnapshot(snap *session.Snapshot) string {
	var b strings.Builder

	status := sessionStatusStyle(snap.Status).Bold(true).Render(string(snap.Status))
	fmt.Fprintf(&b, "%s %s  %s\n", titleStyle.Render("Session"), snap.SessionID, status)
	if snap.Reason != "" {
		fmt.Fprintf(&b, "%s\n", failStyle.Render(snap.Reason))
	}
	fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf(
		"progress %.0f%%  files %d/%d  findings %d  errors %d",
		snap.Progress, snap.FilesProcessed, snap.FilesTotal, snap.TotalFindings, snap.ErrorCount)))
	b.WriteString("\n")

	b.WriteString(cell("", 2, headerStyle))
	b.WriteString(cell("CAPABILITY", 14, headerStyle))
	b.WriteString(cell("STATUS", 11, headerStyle))
	b.WriteString(cell("FINDINGS", 10, headerStyle))
	b.WriteString(cell("TIME", 9, headerStyle))
	b.WriteString(headerStyle.Render("NOTE"))
	b.WriteString("\n")

	for _, run := range snap.Runs {
		style := runStatusStyle(run.Status)
		name := string(run.Capability)
		if !run.Required {
			name += "?"
		}
		elapsed := ""
		if run.Duration > 0 {
			elapsed = run.Duration.Round(10 * time.Millisecond).String()
		}
		b.WriteString(cell(runStatusIcon(run.Status), 2, style))
		b.WriteString(cell(name, 14, lipgloss.NewStyle()))
		b.WriteString(cell(string(run.Status), 11, style))
		b.WriteString(cell(fmt.Sprintf("%d", run.FindingCount), 10, lipgloss.NewStyle()))
		b.WriteString(cell(elapsed, 9, dimStyle))
		b.WriteString(dimStyle.Render(truncateString(run.Error, 60)))
		b.WriteString("\n")
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderSessions draws a one-line-per-session listing.
func renderSessions(sessions []*types.Session) string {
	var b strings.Builder
	b.WriteString(cell("ID", 38, headerStyle))
	b.WriteString(cell("STATUS", 11, headerStyle))
	b.WriteString(cell("FILES", 8, headerStyle))
	b.WriteString(cell("CREATED", 21, headerStyle))
	b.WriteString(headerStyle.Render("REASON"))
	b.WriteString("\n")

	for _, s := range sessions {
		b.WriteString(cell(s.ID, 38, lipgloss.NewStyle()))
		b.WriteString(cell(string(s.Status), 11, sessionStatusStyle(s.Status)))
		b.WriteString(cell(fmt.Sprintf("%d", s.FilesTotal), 8, lipgloss.NewStyle()))
		b.WriteString(cell(s.CreatedAt.Local().Format("2006-01-02 15:04:05"), 21, dimStyle))
		b.WriteString(dimStyle.Render(truncateString(s.Reason, 50)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func severityColor(s types.Severity) *color.Color {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case types.SeverityHigh:
		return color.New(color.FgRed)
	case types.SeverityMedium:
		return color.New(color.FgYellow)
	case types.SeverityLow:
		return color.New(color.FgCyan)
	}
	return color.New(color.FgHiBlack)
}

// displayFinding prints one finding on two lines: headline and location.
func displayFinding(f *types.Finding) {
	sev := string(f.Severity)
	if sev == "" {
		sev = "-"
	}
	fmt.Printf("%s %s %s\n",
		severityColor(f.Severity).Sprintf("%-8s", sev),
		color.MagentaString("%-11s", f.Capability),
		f.Title,
	)

	loc := f.Target
	if f.FilePath != "" && !strings.HasPrefix(f.Target, f.FilePath) {
		loc = f.FilePath + " " + f.Target
	}
	gray := color.New(color.FgHiBlack)
	fmt.Printf("         %s\n", gray.Sprintf("%s · %s", f.Kind, loc))
}

// severityCounts tallies findings by severity, most severe first.
func severityCounts(findings []*types.Finding) []string {
	counts := make(map[types.Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	sevs := make([]types.Severity, 0, len(counts))
	for s := range counts {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i].Rank() > sevs[j].Rank() })

	out := make([]string, 0, len(sevs))
	for _, s := range sevs {
		name := string(s)
		if name == "" {
			name = "none"
		}
		out = append(out, severityColor(s).Sprintf("%d %s", counts[s], name))
	}
	return out
}

// displayEvent formats and prints a single session event with color
func displayEvent(event *events.SessionEvent) {
	var severityColor *color.Color
	var icon string

	switch event.Severity {
	case events.SeverityWarning:
		severityColor = color.New(color.FgYellow)
		icon = "⚠"
	case events.SeverityError:
		severityColor = color.New(color.FgRed)
		icon = "✗"
	default:
		severityColor = color.New(color.FgCyan)
		icon = "•"
	}

	typ := color.New(color.FgMagenta).Sprint(event.Type)
	if event.Capability != "" {
		typ += " " + color.GreenString(event.Capability)
	}
	fmt.Printf("%s [%s] %s: %s\n",
		icon,
		event.Timestamp.Local().Format("15:04:05"),
		typ,
		severityColor.Sprint(event.Message),
	)
}

// truncateString shortens s to at most n runes, marking the cut with "…"
func truncateString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// formatNumber formats a number with thousand separators
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
