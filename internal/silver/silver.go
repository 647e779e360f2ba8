// Package silver cleans Bronze extracts into validated, deduplicated,
// referentially consistent Parquet tables.
package silver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/medallion/medallion/internal/bronze"
	"github.com/medallion/medallion/internal/columnar"
	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/report"
	"github.com/medallion/medallion/internal/schema"
	"github.com/medallion/medallion/internal/storage"
)

// Object names of the Silver tables within a run.
const (
	ClientsObject   = "clients.parquet"
	PurchasesObject = "achats.parquet"
)

// ObjectKey is the Silver key of a table for a run.
func ObjectKey(runID, name string) string {
	return runID + "/" + name
}

// Tables is the cleaned Silver snapshot, sorted by id.
type Tables struct {
	Customers []model.Customer
	Purchases []model.Purchase
}

// Stats counts rows through each step.
type Stats struct {
	CustomersIn    int `json:"customers_in"`
	CustomersOut   int `json:"customers_out"`
	PurchasesIn    int `json:"purchases_in"`
	PurchasesOut   int `json:"purchases_out"`
	Duplicates     int `json:"duplicates"`
	Violations     int `json:"violations"`
	IntegrityDrops int `json:"integrity_drops"`
}

// Transformer turns Bronze CSV bytes into Silver tables.
type Transformer struct {
	Validator *schema.Validator
	Gate      schema.Gate
	Clients   *schema.Schema
	Achats    *schema.Schema

	// Partitions bounds coercion parallelism; zero uses GOMAXPROCS.
	Partitions int
	Logger     *slog.Logger
}

// Transform runs parse, coerce, dedupe, validate and referential integrity
// over both sources. Customers are fully validated before purchases are
// checked against them.
func (t *Transformer) Transform(ctx context.Context, clientsCSV, achatsCSV []byte) (report.Outcome[Tables], Stats, error) {
	var out report.Outcome[Tables]
	var stats Stats
	logger := logging.Component(t.Logger, "silver")

	customerRecs, in, issues, err := t.clean(ctx, clientsCSV, t.Clients)
	if err != nil {
		return out, stats, fmt.Errorf("cleaning %s: %w", t.Clients.Entity, err)
	}
	out.Add(issues...)
	stats.CustomersIn = in
	customerDups := report.CountKind(issues, report.KindDuplicate)
	if err := t.gate().Check(t.Clients.Entity, in, in-customerDups-len(customerRecs)); err != nil {
		return out, stats, err
	}

	purchaseRecs, in, issues, err := t.clean(ctx, achatsCSV, t.Achats)
	if err != nil {
		return out, stats, fmt.Errorf("cleaning %s: %w", t.Achats.Entity, err)
	}
	out.Add(issues...)
	stats.PurchasesIn = in
	purchaseDups := report.CountKind(issues, report.KindDuplicate)

	customers := make([]model.Customer, 0, len(customerRecs))
	known := make(map[int64]bool, len(customerRecs))
	for _, r := range customerRecs {
		c := toCustomer(r)
		customers = append(customers, c)
		known[c.ID] = true
	}

	purchases := make([]model.Purchase, 0, len(purchaseRecs))
	for _, r := range purchaseRecs {
		p := toPurchase(r)
		if !known[p.CustomerID] {
			out.Add(report.Issue{
				Kind:   report.KindReferentialIntegrity,
				Entity: t.Achats.Entity,
				Key:    strconv.FormatInt(p.ID, 10),
				Line:   r.Line,
				Field:  "id_client",
				Detail: fmt.Sprintf("unknown customer %d", p.CustomerID),
			})
			stats.IntegrityDrops++
			continue
		}
		purchases = append(purchases, p)
	}

	// Integrity drops count towards the purchase rejection rate.
	if err := t.gate().Check(t.Achats.Entity, in, in-purchaseDups-len(purchases)); err != nil {
		return out, stats, err
	}

	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	sort.Slice(purchases, func(i, j int) bool { return purchases[i].ID < purchases[j].ID })

	stats.CustomersOut = len(customers)
	stats.PurchasesOut = len(purchases)
	stats.Duplicates = customerDups + purchaseDups
	stats.Violations = report.CountKind(out.Issues, report.KindValidationViolation) + report.CountKind(out.Issues, report.KindMalformedRow)
	out.Value = Tables{Customers: customers, Purchases: purchases}

	logger.Info("silver tables built",
		"customers", stats.CustomersOut, "purchases", stats.PurchasesOut,
		"duplicates", stats.Duplicates, "violations", stats.Violations, "integrity_drops", stats.IntegrityDrops)
	return out, stats, nil
}

func (t *Transformer) gate() schema.Gate {
	if t.Gate == nil {
		return schema.RateGate{}
	}
	return t.Gate
}

// clean parses, coerces, normalises, dedupes and business-validates one
// source. It returns the surviving records and the input row count.
func (t *Transformer) clean(ctx context.Context, data []byte, s *schema.Schema) ([]schema.Record, int, []report.Issue, error) {
	tbl, err := schema.ParseCSV(data)
	if err != nil {
		return nil, 0, nil, err
	}
	if missing := tbl.MissingColumns(s); len(missing) > 0 {
		return nil, 0, nil, fmt.Errorf("missing columns %v", missing)
	}

	records, violations, err := t.coerce(ctx, tbl, s)
	if err != nil {
		return nil, 0, nil, err
	}
	issues := schema.Issues(violations)

	records, dupIssues := dedupe(records, s)
	issues = append(issues, dupIssues...)

	valid, violations := t.Validator.ValidateRecords(records, s)
	issues = append(issues, schema.Issues(violations)...)
	return valid, len(tbl.Rows), issues, nil
}

// coerce converts rows in parallel partitions and reassembles them in
// input order.
func (t *Transformer) coerce(ctx context.Context, tbl *schema.Table, s *schema.Schema) ([]schema.Record, []schema.Violation, error) {
	n := t.Partitions
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n > len(tbl.Rows) {
		n = len(tbl.Rows)
	}
	if n == 0 {
		return nil, nil, nil
	}

	type part struct {
		records    []schema.Record
		violations []schema.Violation
	}
	parts := make([]part, n)
	size := (len(tbl.Rows) + n - 1) / n

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		lo, hi := i*size, min((i+1)*size, len(tbl.Rows))
		g.Go(func() error {
			p := &parts[i]
			for _, row := range tbl.Rows[lo:hi] {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, vs := t.Validator.Coerce(tbl, row, s)
				if len(vs) > 0 {
					p.violations = append(p.violations, vs...)
					continue
				}
				normalise(rec, s.Entity)
				p.records = append(p.records, rec)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var records []schema.Record
	var violations []schema.Violation
	for _, p := range parts {
		records = append(records, p.records...)
		violations = append(violations, p.violations...)
	}
	return records, violations, nil
}

// normalise trims text, title-cases countries and products and lower-cases
// emails. Each goroutine owns the records it normalises.
func normalise(rec schema.Record, entity string) {
	for name, v := range rec.Values {
		if s, ok := v.(string); ok {
			rec.Values[name] = strings.Join(strings.Fields(s), " ")
		}
	}
	switch entity {
	case schema.EntityClients:
		if v, ok := rec.Values["email"].(string); ok {
			rec.Values["email"] = strings.ToLower(v)
		}
		if v, ok := rec.Values["pays"].(string); ok {
			rec.Values["pays"] = cases.Title(language.Und).String(v)
		}
	case schema.EntityAchats:
		if v, ok := rec.Values["produit"].(string); ok {
			rec.Values["produit"] = cases.Title(language.Und).String(v)
		}
	}
}

// dedupe keeps the last occurrence of each key, at the position of that
// last occurrence.
func dedupe(records []schema.Record, s *schema.Schema) ([]schema.Record, []report.Issue) {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[fmt.Sprint(r.Values[s.Key])] = i
	}
	out := make([]schema.Record, 0, len(last))
	var issues []report.Issue
	for i, r := range records {
		if last[fmt.Sprint(r.Values[s.Key])] != i {
			issues = append(issues, report.Issue{
				Kind:   report.KindDuplicate,
				Entity: s.Entity,
				Key:    r.Key,
				Line:   r.Line,
				Field:  s.Key,
				Detail: "superseded by a later row",
			})
			continue
		}
		out = append(out, r)
	}
	return out, issues
}

func toCustomer(r schema.Record) model.Customer {
	return model.Customer{
		ID:         r.Int("id_client"),
		Name:       r.Text("nom"),
		Email:      r.Text("email"),
		Registered: r.Date("date_inscription"),
		Country:    r.Text("pays"),
	}
}

func toPurchase(r schema.Record) model.Purchase {
	return model.Purchase{
		ID:         r.Int("id_achat"),
		CustomerID: r.Int("id_client"),
		Date:       r.Date("date_achat"),
		Amount:     r.Float("montant"),
		Product:    r.Text("produit"),
	}
}

// Stage reads a run's Bronze objects and commits its Silver tables.
type Stage struct {
	Store       storage.ObjectStore
	Buckets     config.BucketConfig
	Transformer *Transformer
	Logger      *slog.Logger
}

// Run transforms Bronze into Silver for runID. Both tables are encoded in
// full before either is written.
func (s *Stage) Run(ctx context.Context, runID string, sources config.SourcesConfig) (report.Outcome[Tables], Stats, error) {
	logger := logging.Component(s.Logger, "silver").With("run_id", runID)

	clients, err := s.Store.Get(ctx, s.Buckets.Bronze, bronze.ObjectKey(runID, sources.Clients))
	if err != nil {
		return report.Outcome[Tables]{}, Stats{}, fmt.Errorf("reading bronze clients: %w", err)
	}
	achats, err := s.Store.Get(ctx, s.Buckets.Bronze, bronze.ObjectKey(runID, sources.Purchases))
	if err != nil {
		return report.Outcome[Tables]{}, Stats{}, fmt.Errorf("reading bronze purchases: %w", err)
	}

	out, stats, err := s.Transformer.Transform(ctx, clients, achats)
	if err != nil {
		return out, stats, err
	}

	customerData, err := columnar.EncodeCustomers(out.Value.Customers)
	if err != nil {
		return out, stats, fmt.Errorf("encoding customers: %w", err)
	}
	purchaseData, err := columnar.EncodePurchases(out.Value.Purchases)
	if err != nil {
		return out, stats, fmt.Errorf("encoding purchases: %w", err)
	}

	for _, obj := range []struct {
		name string
		data []byte
	}{{ClientsObject, customerData}, {PurchasesObject, purchaseData}} {
		key := ObjectKey(runID, obj.name)
		if _, err := s.Store.Put(ctx, s.Buckets.Silver, key, obj.data); err != nil {
			return out, stats, fmt.Errorf("writing silver %s: %w", key, err)
		}
		logger.Info("silver table written", "bucket", s.Buckets.Silver, "key", key, "bytes", len(obj.data))
	}
	return out, stats, nil
}

// Load reads a run's committed Silver tables.
func Load(ctx context.Context, store storage.ObjectStore, bucket, runID string) (Tables, error) {
	data, err := store.Get(ctx, bucket, ObjectKey(runID, ClientsObject))
	if err != nil {
		return Tables{}, fmt.Errorf("reading silver customers: %w", err)
	}
	customers, err := columnar.DecodeCustomers(data)
	if err != nil {
		return Tables{}, fmt.Errorf("decoding silver customers: %w", err)
	}
	data, err = store.Get(ctx, bucket, ObjectKey(runID, PurchasesObject))
	if err != nil {
		return Tables{}, fmt.Errorf("reading silver purchases: %w", err)
	}
	purchases, err := columnar.DecodePurchases(data)
	if err != nil {
		return Tables{}, fmt.Errorf("decoding silver purchases: %w", err)
	}
	return Tables{Customers: customers, Purchases: purchases}, nil
}
