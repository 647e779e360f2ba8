// Package metrics collects run metrics in a per-run prometheus registry and
// exports them for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/medallion/medallion/internal/report"
)

// Recorder holds the metrics of one run.
type Recorder struct {
	Registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageOutcomes   *prometheus.CounterVec
	stageRows       *prometheus.CounterVec
	rowIssues       *prometheus.CounterVec
	storageAttempts *prometheus.CounterVec
	storageRetries  *prometheus.CounterVec
	runStatus       *prometheus.GaugeVec
	lastRun         prometheus.Gauge
}

// New registers every run metric in a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medallion_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		stageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medallion_stage_outcomes_total",
			Help: "Pipeline stage outcomes by status",
		}, []string{"stage", "status"}),
		stageRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medallion_stage_rows_total",
			Help: "Rows counted by each stage",
		}, []string{"stage", "count"}),
		rowIssues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medallion_row_issues_total",
			Help: "Row-level issues by kind",
		}, []string{"kind"}),
		storageAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medallion_storage_attempts_total",
			Help: "Storage call attempts by operation and result",
		}, []string{"op", "result"}),
		storageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "medallion_storage_retries_total",
			Help: "Storage call attempts after the first",
		}, []string{"op"}),
		runStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medallion_run_status",
			Help: "1 for the status of the last run, 0 otherwise",
		}, []string{"status"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "medallion_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

// StorageAttempt records one storage attempt. Its signature matches the
// retrier's attempt hook.
func (r *Recorder) StorageAttempt(op string, attempt int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.storageAttempts.WithLabelValues(op, result).Inc()
	if attempt > 1 {
		r.storageRetries.WithLabelValues(op).Inc()
	}
}

// ObserveStage records a finished stage.
func (r *Recorder) ObserveStage(s report.StageSummary) {
	r.stageDuration.WithLabelValues(s.Name).Observe(s.Duration.Seconds())
	r.stageOutcomes.WithLabelValues(s.Name, s.Status).Inc()
	for name, n := range s.Counts {
		r.stageRows.WithLabelValues(s.Name, name).Add(float64(n))
	}
}

// ObserveRun records the final status and issue counts of a run.
func (r *Recorder) ObserveRun(rep *report.RunReport) {
	for _, status := range []string{report.StatusSuccess, report.StatusDegraded, report.StatusFailed} {
		v := 0.0
		if status == rep.Status {
			v = 1
		}
		r.runStatus.WithLabelValues(status).Set(v)
	}
	for kind, n := range rep.IssueCounts {
		r.rowIssues.WithLabelValues(kind).Add(float64(n))
	}
	finished := rep.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	r.lastRun.Set(float64(finished.Unix()))
}

// WriteTextfile writes the registry in text exposition format to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
