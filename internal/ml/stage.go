package ml

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/features"
	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/publish"
	"github.com/medallion/medallion/internal/report"
	"github.com/medallion/medallion/internal/silver"
)

// TableWriter commits encoded tables for a run.
type TableWriter interface {
	WriteTables(ctx context.Context, runID string, tables []publish.Table) error
}

// Stage builds features from a run's Silver snapshot, trains every model
// and commits the prediction and metrics tables. Nothing is written unless
// all models train.
type Stage struct {
	Load    func(ctx context.Context, runID string) (silver.Tables, error)
	Writer  TableWriter
	Config  config.MLConfig
	RunDate time.Time
	Now     func() time.Time
	Logger  *slog.Logger
}

// Run executes the stage.
func (s *Stage) Run(ctx context.Context, runID string) (report.Outcome[Result], error) {
	logger := logging.Component(s.Logger, "ml").With("run_id", runID)
	var out report.Outcome[Result]

	snap, err := s.Load(ctx, runID)
	if err != nil {
		return out, err
	}
	fv := features.Build(snap.Customers, snap.Purchases, s.RunDate)
	out.Add(fv.Issues...)
	if n := len(fv.Issues); n > 0 {
		logger.Warn("customers without purchases excluded from scoring", "count", n)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	result, err := Train(fv.Value, s.Config, now())
	if err != nil {
		return out, err
	}

	tables, err := result.Encode()
	if err != nil {
		return out, err
	}
	if err := s.Writer.WriteTables(ctx, runID, tables); err != nil {
		return out, fmt.Errorf("committing ml tables: %w", err)
	}
	for _, m := range result.Metrics {
		attrs := []any{"model", m.Model, "algorithm", m.Algorithm, "samples", m.Samples}
		for _, v := range m.Metrics {
			attrs = append(attrs, v.Name, v.Value)
		}
		if m.Note != "" {
			attrs = append(attrs, "note", m.Note)
		}
		logger.Info("model trained", attrs...)
	}
	out.Value = result
	return out, nil
}

// Encode converts the predictions and metrics for publishing.
func (r Result) Encode() ([]publish.Table, error) {
	segments, err := publish.NewTable(publish.CustomerSegments, r.Segments)
	if err != nil {
		return nil, err
	}
	churn, err := publish.NewTable(publish.ChurnPredictions, r.Churn)
	if err != nil {
		return nil, err
	}
	clv, err := publish.NewTable(publish.CLVPredictions, r.CLV)
	if err != nil {
		return nil, err
	}
	metrics, err := publish.NewTable(publish.ModelMetrics, r.Metrics)
	if err != nil {
		return nil, err
	}
	return []publish.Table{segments, churn, clv, metrics}, nil
}
