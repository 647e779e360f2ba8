// Package publish writes Gold and ML tables to the object store and mirrors
// them into document collections.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/medallion/medallion/internal/columnar"
	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/storage"
)

// Table names. Each table is mirrored into the collection of the same name.
const (
	RevenueByCountry = "revenue_by_country"
	RevenueByProduct = "revenue_by_product"
	MonthlyRevenue   = "monthly_revenue"
	CustomerMetrics  = "customer_metrics"
	CustomerSegments = "customer_segments"
	ChurnPredictions = "churn_predictions"
	CLVPredictions   = "clv_predictions"
	ModelMetrics     = "ml_model_metrics"
)

// AnalyticsTables are produced by the Gold stage.
var AnalyticsTables = []string{RevenueByCountry, RevenueByProduct, MonthlyRevenue, CustomerMetrics}

// MLTables are produced by the ML stage.
var MLTables = []string{CustomerSegments, ChurnPredictions, CLVPredictions, ModelMetrics}

// Table is an encoded output table ready to be written.
type Table struct {
	Name string
	Rows int
	Data []byte
}

// NewTable encodes rows as Parquet.
func NewTable[T any](name string, rows []T) (Table, error) {
	data, err := columnar.Encode(rows)
	if err != nil {
		return Table{}, fmt.Errorf("encoding %s: %w", name, err)
	}
	return Table{Name: name, Rows: len(rows), Data: data}, nil
}

// ObjectKey is the Gold key of a table for a run.
func ObjectKey(runID, table string) string {
	return path.Join(runID, table+".parquet")
}

// decoders turn a committed table into documents keyed by the table's
// natural key.
var decoders = map[string]func([]byte) ([]storage.Document, error){
	RevenueByCountry: documents(func(r model.RevenueAggregate) any { return r.Key }),
	RevenueByProduct: documents(func(r model.RevenueAggregate) any { return r.Key }),
	MonthlyRevenue:   documents(func(r model.RevenueAggregate) any { return r.Key }),
	CustomerMetrics:  documents(func(r model.CustomerMetric) any { return r.CustomerID }),
	CustomerSegments: documents(func(r model.SegmentAssignment) any { return r.CustomerID }),
	ChurnPredictions: documents(func(r model.ChurnPrediction) any { return r.CustomerID }),
	CLVPredictions:   documents(func(r model.CLVPrediction) any { return r.CustomerID }),
	ModelMetrics:     documents(func(r model.ModelMetrics) any { return r.Model }),
}

func documents[T any](id func(T) any) func([]byte) ([]storage.Document, error) {
	return func(data []byte) ([]storage.Document, error) {
		rows, err := columnar.Decode[T](data)
		if err != nil {
			return nil, err
		}
		docs := make([]storage.Document, len(rows))
		for i, r := range rows {
			docs[i] = storage.Document{ID: id(r), Body: r}
		}
		return docs, nil
	}
}

// Publisher writes tables under the Gold bucket and mirrors them.
type Publisher struct {
	Objects   storage.ObjectStore
	Documents storage.DocumentStore
	Bucket    string
	Logger    *slog.Logger
}

// WriteTables commits every table to gold/<run>/<table>.parquet. Callers
// encode all tables before calling, so a failed computation writes nothing.
func (p *Publisher) WriteTables(ctx context.Context, runID string, tables []Table) error {
	logger := logging.Component(p.Logger, "publish").With("run_id", runID)
	for _, t := range tables {
		key := ObjectKey(runID, t.Name)
		ack, err := p.Objects.Put(ctx, p.Bucket, key, t.Data)
		if err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
		logger.Info("table written", "bucket", p.Bucket, "key", key, "rows", t.Rows, "bytes", ack.Bytes)
	}
	return nil
}

// MirrorResult records the documents written per collection.
type MirrorResult struct {
	Collection string `json:"collection"`
	Documents  int64  `json:"documents"`
	Deleted    int64  `json:"deleted"`
}

// Mirror reads each committed table of runID and replaces its collection's
// contents with it. Every table is read and decoded before the first
// collection is touched.
func (p *Publisher) Mirror(ctx context.Context, runID string, tables []string) ([]MirrorResult, error) {
	logger := logging.Component(p.Logger, "publish").With("run_id", runID)

	batches := make([][]storage.Document, len(tables))
	for i, name := range tables {
		decode, ok := decoders[name]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		key := ObjectKey(runID, name)
		data, err := p.Objects.Get(ctx, p.Bucket, key)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		docs, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		batches[i] = docs
	}

	results := make([]MirrorResult, 0, len(tables))
	for i, name := range tables {
		ack, err := p.Documents.ReplaceAll(ctx, name, batches[i])
		if err != nil {
			return results, fmt.Errorf("mirroring %s: %w", name, err)
		}
		results = append(results, MirrorResult{Collection: name, Documents: int64(len(batches[i])), Deleted: ack.Deleted})
		logger.Info("collection replaced", "collection", name, "documents", len(batches[i]), "deleted", ack.Deleted)
	}
	return results, nil
}

// Committed reports which of the given tables exist for runID.
func (p *Publisher) Committed(ctx context.Context, runID string, tables []string) ([]string, error) {
	var present []string
	for _, name := range tables {
		ok, err := p.Objects.Exists(ctx, p.Bucket, ObjectKey(runID, name))
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", name, err)
		}
		if ok {
			present = append(present, name)
		}
	}
	return present, nil
}
