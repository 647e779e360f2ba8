// Package bronze copies raw source extracts into the immutable raw zone.
package bronze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/report"
	"github.com/medallion/medallion/internal/schema"
	"github.com/medallion/medallion/internal/storage"
)

// Source is one raw extract to ingest.
type Source struct {
	Name     string // object name, e.g. clients.csv
	Entity   string // schema entity, e.g. clients
	Path     string
	Required bool
}

// Sources returns the configured clients and purchases extracts.
func Sources(cfg config.SourcesConfig) []Source {
	return []Source{
		{Name: cfg.Clients, Entity: schema.EntityClients, Path: filepath.Join(cfg.Directory, cfg.Clients), Required: true},
		{Name: cfg.Purchases, Entity: schema.EntityAchats, Path: filepath.Join(cfg.Directory, cfg.Purchases), Required: true},
	}
}

// ObjectKey is the Bronze key of a source for a run.
func ObjectKey(runID, name string) string {
	return runID + "/" + name
}

// IngestionError reports a required source that is missing, unreadable or
// structurally unusable. It is fatal to the run.
type IngestionError struct {
	Source string
	Path   string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingesting %s from %s: %v", e.Source, e.Path, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// SourceResult summarises one ingested source.
type SourceResult struct {
	Name      string `json:"name"`
	Entity    string `json:"entity"`
	Key       string `json:"key"`
	Bytes     int64  `json:"bytes"`
	Rows      int    `json:"rows"`
	Malformed int    `json:"malformed"`
}

// Result lists the sources written to Bronze.
type Result struct {
	Sources []SourceResult
}

// Ingestor reads sources from disk and uploads them verbatim.
type Ingestor struct {
	Store     storage.ObjectStore
	Buckets   config.BucketConfig
	Validator *schema.Validator
	SchemaDir string
	Logger    *slog.Logger
}

type loaded struct {
	src  Source
	data []byte
	res  SourceResult
}

// Ingest validates the shape of every source and, once all are read,
// uploads each to the sources bucket and to Bronze under runID. Malformed
// rows are only counted here, never fatal; Silver reports each one when it
// rejects the row.
func (in *Ingestor) Ingest(ctx context.Context, runID string, sources []Source) (report.Outcome[Result], error) {
	logger := logging.Component(in.Logger, "bronze").With("run_id", runID)
	var out report.Outcome[Result]

	var batch []loaded
	for _, src := range sources {
		l, err := in.load(src)
		if err != nil {
			if !src.Required && errors.Is(err, os.ErrNotExist) {
				logger.Warn("optional source missing, skipping", "source", src.Name, "path", src.Path)
				continue
			}
			return out, &IngestionError{Source: src.Name, Path: src.Path, Err: err}
		}
		batch = append(batch, l)
		logger.Info("source validated", "source", src.Name, "rows", l.res.Rows, "malformed", l.res.Malformed)
	}

	for _, l := range batch {
		if _, err := in.Store.Put(ctx, in.Buckets.Sources, l.src.Name, l.data); err != nil {
			return out, fmt.Errorf("uploading source %s: %w", l.src.Name, err)
		}
		key := ObjectKey(runID, l.src.Name)
		ack, err := in.Store.Put(ctx, in.Buckets.Bronze, key, l.data)
		if err != nil {
			return out, fmt.Errorf("writing bronze %s: %w", key, err)
		}
		l.res.Key = key
		l.res.Bytes = ack.Bytes
		out.Value.Sources = append(out.Value.Sources, l.res)
		logger.Info("source ingested", "bucket", in.Buckets.Bronze, "key", key, "bytes", ack.Bytes)
	}
	return out, nil
}

func (in *Ingestor) load(src Source) (loaded, error) {
	l := loaded{src: src, res: SourceResult{Name: src.Name, Entity: src.Entity}}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return l, err
	}
	tbl, err := schema.ParseCSV(data)
	if err != nil {
		return l, err
	}
	s, err := schema.Resolve(in.SchemaDir, src.Entity)
	if err != nil {
		return l, err
	}
	if missing := tbl.MissingColumns(s); len(missing) > 0 {
		return l, fmt.Errorf("missing columns %v", missing)
	}

	_, violations := in.Validator.Validate(tbl, s, schema.LevelStructural)
	l.data = data
	l.res.Rows = len(tbl.Rows)
	l.res.Malformed = schema.RejectedRows(violations)
	return l, nil
}
