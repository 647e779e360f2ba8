package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/medallion/medallion/internal/model"
)

// Run and stage statuses.
const (
	StatusSuccess  = "success"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// MaxIssues caps the issues kept verbatim in a report; counts stay exact.
const MaxIssues = 500

// RunReport is the summary written at the end of every run.
type RunReport struct {
	Version     string               `json:"version"`
	RunID       string               `json:"run_id"`
	AttemptID   string               `json:"attempt_id"`
	RunDate     string               `json:"run_date"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Status      string               `json:"status"`
	Stages      []StageSummary       `json:"stages"`
	IssueCounts map[string]int       `json:"issue_counts"`
	Issues      []Issue              `json:"issues,omitempty"`
	Truncated   bool                 `json:"issues_truncated,omitempty"`
	Models      []model.ModelMetrics `json:"models,omitempty"`
}

// StageSummary is the outcome of one stage.
type StageSummary struct {
	Name     string           `json:"name"`
	Status   string           `json:"status"`
	Duration time.Duration    `json:"duration_ns"`
	Counts   map[string]int64 `json:"counts,omitempty"`
	Issues   int              `json:"issues"`
	Error    string           `json:"error,omitempty"`
}

// NewRunReport starts a report for a run.
func NewRunReport(runID, attemptID, runDate string, started time.Time) *RunReport {
	return &RunReport{
		Version:     "1",
		RunID:       runID,
		AttemptID:   attemptID,
		RunDate:     runDate,
		StartedAt:   started,
		IssueCounts: make(map[string]int),
	}
}

// AddStage records a finished stage and its issues.
func (r *RunReport) AddStage(s StageSummary, issues []Issue) {
	s.Issues = len(issues)
	r.Stages = append(r.Stages, s)
	for _, i := range issues {
		r.IssueCounts[i.Kind]++
		if len(r.Issues) < MaxIssues {
			r.Issues = append(r.Issues, i)
		} else {
			r.Truncated = true
		}
	}
}

// Stage returns the summary of the named stage, if it ran.
func (r *RunReport) Stage(name string) (StageSummary, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSummary{}, false
}

// Finish derives the run status: failed when any stage other than ML
// failed, degraded when only ML failed.
func (r *RunReport) Finish(finished time.Time, optional ...string) {
	r.FinishedAt = finished
	isOptional := make(map[string]bool, len(optional))
	for _, o := range optional {
		isOptional[o] = true
	}
	r.Status = StatusSuccess
	for _, s := range r.Stages {
		if s.Status != StatusFailed {
			continue
		}
		if !isOptional[s.Name] {
			r.Status = StatusFailed
			return
		}
		r.Status = StatusDegraded
	}
}

// Path returns the file a run report is stored at under dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, "run-"+runID+".json")
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *RunReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &RunReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// FormatText renders the report as human-readable text.
func FormatText(report *RunReport) string {
	var b strings.Builder

	b.WriteString("=== Medallion Run Report ===\n")
	b.WriteString(fmt.Sprintf("Run:      %s (attempt %s)\n", report.RunID, report.AttemptID))
	b.WriteString(fmt.Sprintf("Run date: %s\n", report.RunDate))
	b.WriteString(fmt.Sprintf("Status:   %s\n", strings.ToUpper(report.Status)))
	if !report.FinishedAt.IsZero() {
		b.WriteString(fmt.Sprintf("Elapsed:  %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)))
	}
	b.WriteString("\n")

	b.WriteString("Stages:\n")
	for _, s := range report.Stages {
		b.WriteString(fmt.Sprintf("  [%s] %-8s %s", strings.ToUpper(s.Status), s.Name, s.Duration.Round(time.Millisecond)))
		if s.Issues > 0 {
			b.WriteString(fmt.Sprintf("  issues=%d", s.Issues))
		}
		b.WriteString("\n")
		if s.Error != "" {
			b.WriteString(fmt.Sprintf("      error: %s\n", s.Error))
		}
	}

	if len(report.IssueCounts) > 0 {
		b.WriteString("\nRow issues:\n")
		for _, k := range SortedKinds(report.IssueCounts) {
			b.WriteString(fmt.Sprintf("  %s: %d\n", k, report.IssueCounts[k]))
		}
	}

	if len(report.Models) > 0 {
		b.WriteString("\nModels:\n")
		for _, m := range report.Models {
			b.WriteString(fmt.Sprintf("  %s (%s, n=%d)", m.Model, m.Algorithm, m.Samples))
			for _, v := range m.Metrics {
				b.WriteString(fmt.Sprintf(" %s=%.4f", v.Name, v.Value))
			}
			b.WriteString("\n")
			if m.Note != "" {
				b.WriteString(fmt.Sprintf("      note: %s\n", m.Note))
			}
		}
	}

	return b.String()
}
