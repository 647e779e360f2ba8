// Package pipeline drives a run through the Bronze, Silver, Gold, ML and
// Publish stages and applies the failure policy: any stage failure aborts
// the run except ML, whose failure degrades it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/medallion/medallion/internal/bronze"
	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/gold"
	"github.com/medallion/medallion/internal/lock"
	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/metrics"
	"github.com/medallion/medallion/internal/ml"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/publish"
	"github.com/medallion/medallion/internal/report"
	"github.com/medallion/medallion/internal/schema"
	"github.com/medallion/medallion/internal/silver"
	"github.com/medallion/medallion/internal/state"
	"github.com/medallion/medallion/internal/storage"
	"github.com/medallion/medallion/internal/validation"
)

// StageError wraps the error that failed a stage.
type StageError struct {
	Stage state.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Options select what a run does.
type Options struct {
	// RunID versions every dataset of the run; it defaults to the run date.
	RunID string
	// RunDate anchors future-date checks, recency and tenure; it defaults
	// to today (UTC).
	RunDate time.Time
	// Stages restricts the run to the given stages; empty runs all.
	Stages []state.Stage
}

// ProgressCallback is called when a stage starts and when it finishes.
type ProgressCallback func(stage state.Stage, status string)

// Runner executes pipeline runs against one workspace.
type Runner struct {
	Config    *config.Config
	Objects   storage.ObjectStore
	Documents storage.DocumentStore
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Progress  ProgressCallback

	// Now and NewAttemptID default to the wall clock and random UUIDs.
	Now          func() time.Time
	NewAttemptID func() string
}

// run carries the per-attempt context shared by stage functions.
type run struct {
	id        string
	date      time.Time
	validator *schema.Validator
	publisher *publish.Publisher
	state     *state.State
	report    *report.RunReport
	logger    *slog.Logger
}

// stageResult is what a stage function reports back.
type stageResult struct {
	counts map[string]int64
	issues []report.Issue
	tables []string
}

// Run executes the selected stages in order, writes the run report and
// persists run state. The returned error is the first StageError, if any;
// the report is returned whenever the run got far enough to start one.
func (r *Runner) Run(ctx context.Context, opts Options) (*report.RunReport, error) {
	now := r.now()
	runDate := opts.RunDate
	if runDate.IsZero() {
		runDate = now
	}
	runDate = time.Date(runDate.Year(), runDate.Month(), runDate.Day(), 0, 0, 0, 0, time.UTC)
	runID := opts.RunID
	if runID == "" {
		runID = model.FormatDate(runDate)
	}
	if !runIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	selected, err := selectStages(opts.Stages)
	if err != nil {
		return nil, err
	}

	cfg := r.Config
	if err := lock.Acquire(cfg.LockPath()); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(cfg.LockPath()); err != nil {
			r.logger().Warn("releasing lock failed", "error", err)
		}
	}()

	st, err := state.Load(cfg.StatePath())
	if err != nil {
		return nil, err
	}
	attemptID := r.attemptID()
	st.Begin(runID, attemptID, model.FormatDate(runDate))

	logger := r.logger().With("run_id", runID, "attempt_id", attemptID)
	rn := &run{
		id:        runID,
		date:      runDate,
		validator: schema.NewValidator(runDate),
		publisher: &publish.Publisher{Objects: r.Objects, Documents: r.Documents, Bucket: cfg.Buckets.Gold, Logger: r.Logger},
		state:     st,
		report:    report.NewRunReport(runID, attemptID, model.FormatDate(runDate), now),
		logger:    logger,
	}
	logger.Info("run started", "run_date", model.FormatDate(runDate), "stages", fmt.Sprint(selected))

	stages := map[state.Stage]func(context.Context, *run) (stageResult, error){
		state.StageBronze:  r.runBronze,
		state.StageSilver:  r.runSilver,
		state.StageGold:    r.runGold,
		state.StageML:      r.runML,
		state.StagePublish: r.runPublish,
	}

	var firstErr error
	aborted := false
	for _, name := range selected {
		if aborted {
			st.SkipStage(name)
			rn.report.AddStage(report.StageSummary{Name: string(name), Status: report.StatusSkipped}, nil)
			r.notify(name, report.StatusSkipped)
			continue
		}

		err := r.execute(ctx, rn, name, stages[name])
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if name != state.StageML || errors.Is(err, context.Canceled) {
			aborted = true
		}
	}

	rn.report.Finish(r.now(), string(state.StageML))
	reportPath := report.Path(cfg.ReportDir(), runID)
	if err := report.WriteJSON(rn.report, reportPath); err != nil {
		logger.Error("writing run report failed", "error", err)
		reportPath = ""
	}
	st.Finish(rn.report.Status, reportPath)
	if err := st.Save(cfg.StatePath()); err != nil {
		logger.Error("saving run state failed", "error", err)
	}
	r.exportMetrics(rn.report)

	logger.Info("run finished", "status", rn.report.Status, "report", reportPath,
		"duration", rn.report.FinishedAt.Sub(rn.report.StartedAt).String())
	return rn.report, firstErr
}

// execute runs one stage and records its outcome in state, report and
// metrics.
func (r *Runner) execute(ctx context.Context, rn *run, name state.Stage, fn func(context.Context, *run) (stageResult, error)) error {
	logger := rn.logger.With("stage", string(name))
	r.notify(name, state.StatusRunning)
	rn.state.StartStage(name)
	if err := rn.state.Save(r.Config.StatePath()); err != nil {
		logger.Warn("saving run state failed", "error", err)
	}

	started := r.now()
	res, err := fn(ctx, rn)
	summary := report.StageSummary{
		Name:     string(name),
		Status:   report.StatusSuccess,
		Duration: r.now().Sub(started),
		Counts:   res.counts,
	}
	if err != nil {
		err = &StageError{Stage: name, Err: err}
		summary.Status = report.StatusFailed
		summary.Error = err.Error()
		rn.state.FailStage(name, err)
		logger.Error("stage failed", "error", err, "duration", summary.Duration.String())
	} else {
		rn.state.CompleteStage(name, res.tables)
		logger.Info("stage complete", "duration", summary.Duration.String(), "issues", len(res.issues))
	}
	rn.report.AddStage(summary, res.issues)
	if r.Metrics != nil {
		r.Metrics.ObserveStage(summary)
	}
	if err := rn.state.Save(r.Config.StatePath()); err != nil {
		logger.Warn("saving run state failed", "error", err)
	}
	r.notify(name, summary.Status)
	return err
}

func (r *Runner) runBronze(ctx context.Context, rn *run) (stageResult, error) {
	in := &bronze.Ingestor{
		Store:     r.Objects,
		Buckets:   r.Config.Buckets,
		Validator: rn.validator,
		SchemaDir: r.Config.Sources.SchemaDir,
		Logger:    r.Logger,
	}
	out, err := in.Ingest(ctx, rn.id, bronze.Sources(r.Config.Sources))
	res := stageResult{counts: map[string]int64{}, issues: out.Issues}
	for _, s := range out.Value.Sources {
		res.counts[s.Entity+"_rows"] = int64(s.Rows)
		res.counts[s.Entity+"_malformed"] = int64(s.Malformed)
	}
	return res, err
}

func (r *Runner) runSilver(ctx context.Context, rn *run) (stageResult, error) {
	clients, err := schema.Resolve(r.Config.Sources.SchemaDir, schema.EntityClients)
	if err != nil {
		return stageResult{}, err
	}
	achats, err := schema.Resolve(r.Config.Sources.SchemaDir, schema.EntityAchats)
	if err != nil {
		return stageResult{}, err
	}
	stage := &silver.Stage{
		Store:   r.Objects,
		Buckets: r.Config.Buckets,
		Transformer: &silver.Transformer{
			Validator: rn.validator,
			Gate:      schema.RateGate{MaxRate: r.Config.Quality.MaxViolationRate},
			Clients:   clients,
			Achats:    achats,
			Logger:    r.Logger,
		},
		Logger: r.Logger,
	}
	out, stats, err := stage.Run(ctx, rn.id, r.Config.Sources)
	return stageResult{
		counts: map[string]int64{
			"customers_in":    int64(stats.CustomersIn),
			"customers_out":   int64(stats.CustomersOut),
			"purchases_in":    int64(stats.PurchasesIn),
			"purchases_out":   int64(stats.PurchasesOut),
			"duplicates":      int64(stats.Duplicates),
			"violations":      int64(stats.Violations),
			"integrity_drops": int64(stats.IntegrityDrops),
		},
		issues: out.Issues,
	}, err
}

func (r *Runner) runGold(ctx context.Context, rn *run) (stageResult, error) {
	snap, err := silver.Load(ctx, r.Objects, r.Config.Buckets.Silver, rn.id)
	if err != nil {
		return stageResult{}, err
	}
	stage := &gold.Stage{
		Load:   func(context.Context, string) (silver.Tables, error) { return snap, nil },
		Writer: rn.publisher,
		Check: func(tables gold.Tables, purchases []model.Purchase) error {
			if check := validation.ValidateAggregates(tables, purchases); !check.Match {
				return fmt.Errorf("inconsistent aggregates: %s", check.Error())
			}
			return nil
		},
		Logger: r.Logger,
	}
	tables, err := stage.Run(ctx, rn.id)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		counts: map[string]int64{
			publish.RevenueByCountry: int64(len(tables.ByCountry)),
			publish.RevenueByProduct: int64(len(tables.ByProduct)),
			publish.MonthlyRevenue:   int64(len(tables.Monthly)),
			publish.CustomerMetrics:  int64(len(tables.CustomerMetrics)),
		},
		tables: publish.AnalyticsTables,
	}, nil
}

func (r *Runner) runML(ctx context.Context, rn *run) (stageResult, error) {
	stage := &ml.Stage{
		Load: func(ctx context.Context, runID string) (silver.Tables, error) {
			return silver.Load(ctx, r.Objects, r.Config.Buckets.Silver, runID)
		},
		Writer:  rn.publisher,
		Config:  r.Config.ML,
		RunDate: rn.date,
		Now:     r.Now,
		Logger:  r.Logger,
	}
	out, err := stage.Run(ctx, rn.id)
	res := stageResult{issues: out.Issues}
	if err != nil {
		return res, err
	}
	rn.report.Models = out.Value.Metrics
	res.counts = map[string]int64{
		"scored":     int64(len(out.Value.Segments)),
		"unscorable": int64(len(out.Issues)),
	}
	res.tables = publish.MLTables
	return res, nil
}

// runPublish mirrors the tables committed for this run. Tables of a stage
// that failed in the latest attempt are left out, so their collections keep
// their prior contents.
func (r *Runner) runPublish(ctx context.Context, rn *run) (stageResult, error) {
	tables := rn.state.CommittedTables(state.StageGold, state.StageML)
	if !rn.state.IsStageComplete(state.StageGold) {
		if rn.state.Stages[state.StageGold].Status == state.StatusFailed {
			return stageResult{}, errors.New("gold stage failed for this run; nothing to publish")
		}
		committed, err := rn.publisher.Committed(ctx, rn.id, append(append([]string{}, publish.AnalyticsTables...), publish.MLTables...))
		if err != nil {
			return stageResult{}, err
		}
		tables = committed
	}
	if len(tables) == 0 {
		return stageResult{}, fmt.Errorf("no committed tables for run %s: %w", rn.id, storage.ErrNotFound)
	}

	results, err := rn.publisher.Mirror(ctx, rn.id, tables)
	counts := make(map[string]int64, len(results))
	expected := make(map[string]int64, len(results))
	for _, m := range results {
		counts[m.Collection] = m.Documents
		expected[m.Collection] = m.Documents
	}
	res := stageResult{counts: counts, tables: tables}
	if err != nil {
		return res, err
	}

	v := &validation.Validator{
		Documents: r.Documents,
		Callback: func(collection, checkType string, passed bool) {
			if !passed {
				rn.logger.Warn("published collection check failed", "collection", collection, "check", checkType)
			}
		},
	}
	check, err := v.ValidateRowCounts(ctx, expected, tables)
	if err != nil {
		return res, err
	}
	if check.Status != "PASS" {
		for _, c := range check.Collections {
			if c.RowCountCheck != nil && !c.RowCountCheck.Match {
				return res, fmt.Errorf("collection %s: %s", c.Name, c.RowCountCheck.Message)
			}
		}
	}
	return res, nil
}

func (r *Runner) exportMetrics(rep *report.RunReport) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.ObserveRun(rep)
	if path := r.Config.Metrics.TextfilePath; path != "" {
		if err := r.Metrics.WriteTextfile(path); err != nil {
			r.logger().Warn("writing metrics failed", "path", path, "error", err)
		}
	}
}

func (r *Runner) notify(stage state.Stage, status string) {
	if r.Progress != nil {
		r.Progress(stage, status)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) attemptID() string {
	if r.NewAttemptID != nil {
		return r.NewAttemptID()
	}
	return uuid.NewString()
}

func (r *Runner) logger() *slog.Logger {
	return logging.Component(r.Logger, "pipeline")
}

// selectStages returns the requested stages in execution order.
func selectStages(requested []state.Stage) ([]state.Stage, error) {
	if len(requested) == 0 {
		return state.Stages, nil
	}
	want := make(map[state.Stage]bool, len(requested))
	for _, s := range requested {
		known := false
		for _, k := range state.Stages {
			if s == k {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown stage %q", s)
		}
		want[s] = true
	}
	var out []state.Stage
	for _, s := range state.Stages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}
