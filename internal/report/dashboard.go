package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentpulse/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const sessionDescriptionWidth = 40

// RenderDashboard writes a text view of snap: today's figures, the error
// breakdown, recent sessions and recent alerts.
func RenderDashboard(w io.Writer, snap model.Snapshot) error {
	title := titleStyle.Render(" agentpulse dashboard ")
	generated := mutedStyle.Render("generated " + snap.GeneratedAt.Format("2006-01-02 15:04:05"))

	body := lipgloss.JoinVertical(lipgloss.Left,
		panelStyle.Render(renderStats(snap.Stats)),
		panelStyle.Render(renderDistribution(snap.ErrorDistribution)),
		panelStyle.Render(renderSessions(snap.RecentSessions)),
		panelStyle.Render(renderAlerts(snap.Alerts)),
	)
	_, err := fmt.Fprintf(w, "%s  %s\n\n%s\n", title, generated, body)
	return err
}

// RenderReport writes the summary block of an exported report.
func RenderReport(w io.Writer, r Report) error {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Last %d days", r.Summary.Days)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total interactions  %d\n", r.Summary.TotalInteractions)
	fmt.Fprintf(&b, "Total errors        %d\n", r.Summary.TotalErrors)
	fmt.Fprintf(&b, "Error rate          %.2f%%  %s\n", r.Summary.ErrorRate, target(r.Summary.ErrorRateMet, fmt.Sprintf("target <%.0f%%", TargetErrorRate)))
	fmt.Fprintf(&b, "Avg success rate    %.1f%%  %s\n", r.Summary.AvgSuccessRate, target(r.Summary.SuccessRateMet, fmt.Sprintf("target >=%.0f%%", TargetSuccessRate)))
	if len(r.Daily) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("Daily"))
		b.WriteString("\n")
		for _, d := range r.Daily {
			fmt.Fprintf(&b, "%s  total %-5d errors %-4d error rate %6.2f%%  avg %.0fms\n", d.Date, d.Total, d.ErrorCount, d.ErrorRate, d.AvgLatencyMS)
		}
	}
	_, err := fmt.Fprintf(w, "%s\n", panelStyle.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

func target(met bool, label string) string {
	if met {
		return okStyle.Render("met (" + label + ")")
	}
	return failStyle.Render("missed (" + label + ")")
}

func renderStats(agg model.DailyAggregate) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Today " + agg.Date))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total interactions  %d\n", agg.Total)
	fmt.Fprintf(&b, "Success rate        %.2f%%\n", agg.SuccessRate)
	fmt.Fprintf(&b, "Error rate          %.2f%%\n", agg.ErrorRate)
	fmt.Fprintf(&b, "Avg latency         %.0fms", agg.AvgLatencyMS)
	return b.String()
}

func renderDistribution(dist map[model.ErrorType]int64) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Error distribution"))
	if len(dist) == 0 {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("no errors"))
		return b.String()
	}
	types := make([]model.ErrorType, 0, len(dist))
	for t := range dist {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if dist[types[i]] != dist[types[j]] {
			return dist[types[i]] > dist[types[j]]
		}
		return types[i] < types[j]
	})
	for _, t := range types {
		fmt.Fprintf(&b, "\n%-24s %d", t, dist[t])
	}
	return b.String()
}

func renderSessions(events []model.InteractionEvent) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Recent sessions"))
	if len(events) == 0 {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("no sessions"))
		return b.String()
	}
	for _, ev := range events {
		status := okStyle.Render("ok  ")
		if !ev.Success {
			status = failStyle.Render("fail")
		}
		desc := ev.Description
		if r := []rune(desc); len(r) > sessionDescriptionWidth {
			desc = string(r[:sessionDescriptionWidth]) + "..."
		}
		fmt.Fprintf(&b, "\n%s %s %5dms %s", status, ev.Timestamp.Format("15:04:05"), ev.LatencyMS, desc)
		if !ev.Success {
			fmt.Fprintf(&b, " [%s/%s]", ev.ErrorType, ev.Severity)
		}
	}
	return b.String()
}

func renderAlerts(list []model.AlertRecord) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Alerts"))
	if len(list) == 0 {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("no alerts"))
		return b.String()
	}
	for _, a := range list {
		style := warningStyle
		if a.Severity == model.AlertCritical {
			style = criticalStyle
		}
		fmt.Fprintf(&b, "\n%s %s %s", a.Timestamp.Format("15:04:05"), style.Render(string(a.Severity)), a.Message)
	}
	return b.String()
}
