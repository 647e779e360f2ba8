package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/medallion/medallion/internal/report"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).BorderStyle(lipgloss.DoubleBorder()).BorderBottom(true).Padding(0, 1)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle = lipgloss.NewStyle().Width(10)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case report.StatusSuccess, "complete", "PASS":
		return okStyle
	case report.StatusDegraded, report.StatusSkipped, "PARTIAL":
		return warnStyle
	case report.StatusFailed, "FAIL":
		return errStyle
	}
	return dimStyle
}

// renderSummary formats a run report for the terminal.
func renderSummary(rep *report.RunReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Run %s", rep.RunID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status"), statusStyle(rep.Status).Render(rep.Status))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Attempt"), dimStyle.Render(rep.AttemptID))
	b.WriteString("\n")

	for _, s := range rep.Stages {
		line := fmt.Sprintf("%s %s", labelStyle.Render(s.Name), statusStyle(s.Status).Render(fmt.Sprintf("%-9s", s.Status)))
		if s.Duration > 0 {
			line += dimStyle.Render(" " + s.Duration.Round(time.Millisecond).String())
		}
		if len(s.Counts) > 0 {
			keys := make([]string, 0, len(s.Counts))
			for k := range s.Counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%d", k, s.Counts[k]))
			}
			line += "  " + strings.Join(parts, " ")
		}
		b.WriteString(line + "\n")
		if s.Error != "" {
			b.WriteString("  " + errStyle.Render(s.Error) + "\n")
		}
	}

	if len(rep.IssueCounts) > 0 {
		b.WriteString("\nRow issues:\n")
		for _, k := range report.SortedKinds(rep.IssueCounts) {
			fmt.Fprintf(&b, "  %-28s %d\n", k, rep.IssueCounts[k])
		}
	}
	if len(rep.Models) > 0 {
		b.WriteString("\nModels:\n")
		for _, m := range rep.Models {
			fmt.Fprintf(&b, "  %-13s %s", m.Model, dimStyle.Render(fmt.Sprintf("%s n=%d", m.Algorithm, m.Samples)))
			for _, v := range m.Metrics {
				fmt.Fprintf(&b, " %s=%.4f", v.Name, v.Value)
			}
			if m.Note != "" {
				b.WriteString(warnStyle.Render(" (" + m.Note + ")"))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
