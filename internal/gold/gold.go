// Package gold computes the business aggregates of a Silver snapshot.
package gold

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/medallion/medallion/internal/logging"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/publish"
	"github.com/medallion/medallion/internal/silver"
)

// MedianAccuracy is the relative accuracy of median basket estimates.
const MedianAccuracy = 0.01

// Tables are the analytics tables of one run, each sorted by key.
type Tables struct {
	ByCountry       []model.RevenueAggregate
	ByProduct       []model.RevenueAggregate
	Monthly         []model.RevenueAggregate
	CustomerMetrics []model.CustomerMetric
}

// Aggregate computes every analytics table. It is a pure function of its
// input: purchases are folded in id order and keys are sorted ascending.
// Purchases of unknown customers are ignored.
func Aggregate(customers []model.Customer, purchases []model.Purchase) Tables {
	byID := make(map[int64]model.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}

	ordered := make([]model.Purchase, len(purchases))
	copy(ordered, purchases)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	country := newGroup(true)
	product := newGroup(true)
	month := newGroup(false)
	metrics := make(map[int64]*model.CustomerMetric)
	first := make(map[int64]model.Purchase)
	last := make(map[int64]model.Purchase)

	for _, p := range ordered {
		c, ok := byID[p.CustomerID]
		if !ok {
			continue
		}
		country.add(c.Country, p.Amount)
		product.add(p.Product, p.Amount)
		month.add(p.Date.Format("2006-01"), p.Amount)

		m, ok := metrics[c.ID]
		if !ok {
			m = &model.CustomerMetric{CustomerID: c.ID, Country: c.Country}
			metrics[c.ID] = m
			first[c.ID], last[c.ID] = p, p
		}
		m.TotalSpend += p.Amount
		m.PurchaseCount++
		if p.Date.Before(first[c.ID].Date) {
			first[c.ID] = p
		}
		if p.Date.After(last[c.ID].Date) {
			last[c.ID] = p
		}
	}

	ids := make([]int64, 0, len(metrics))
	for id := range metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cm := make([]model.CustomerMetric, 0, len(ids))
	for _, id := range ids {
		m := *metrics[id]
		m.AverageBasket = Round2(m.TotalSpend / float64(m.PurchaseCount))
		m.TotalSpend = Round2(m.TotalSpend)
		m.FirstPurchase = model.FormatDate(first[id].Date)
		m.LastPurchase = model.FormatDate(last[id].Date)
		cm = append(cm, m)
	}

	return Tables{
		ByCountry:       country.rows(),
		ByProduct:       product.rows(),
		Monthly:         month.rows(),
		CustomerMetrics: cm,
	}
}

// TotalRevenue sums the monthly table, which partitions all revenue.
func (t Tables) TotalRevenue() float64 {
	var total float64
	for _, r := range t.Monthly {
		total += r.Amount
	}
	return Round2(total)
}

// Encode converts the tables for publishing.
func (t Tables) Encode() ([]publish.Table, error) {
	var out []publish.Table
	for _, enc := range []func() (publish.Table, error){
		func() (publish.Table, error) { return publish.NewTable(publish.RevenueByCountry, t.ByCountry) },
		func() (publish.Table, error) { return publish.NewTable(publish.RevenueByProduct, t.ByProduct) },
		func() (publish.Table, error) { return publish.NewTable(publish.MonthlyRevenue, t.Monthly) },
		func() (publish.Table, error) { return publish.NewTable(publish.CustomerMetrics, t.CustomerMetrics) },
	} {
		table, err := enc()
		if err != nil {
			return nil, err
		}
		out = append(out, table)
	}
	return out, nil
}

// Round2 rounds money to cents, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type bucket struct {
	amount float64
	count  int64
	sketch *ddsketch.DDSketch
}

type group struct {
	median  bool
	buckets map[string]*bucket
}

func newGroup(median bool) *group {
	return &group{median: median, buckets: make(map[string]*bucket)}
}

func (g *group) add(key string, amount float64) {
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{}
		if g.median {
			if s, err := ddsketch.NewDefaultDDSketch(MedianAccuracy); err == nil {
				b.sketch = s
			}
		}
		g.buckets[key] = b
	}
	b.amount += amount
	b.count++
	if b.sketch != nil {
		_ = b.sketch.Add(amount)
	}
}

func (g *group) rows() []model.RevenueAggregate {
	keys := make([]string, 0, len(g.buckets))
	for k := range g.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]model.RevenueAggregate, 0, len(keys))
	for _, k := range keys {
		b := g.buckets[k]
		row := model.RevenueAggregate{
			Key:           k,
			Amount:        Round2(b.amount),
			Count:         b.count,
			AverageBasket: Round2(b.amount / float64(b.count)),
		}
		if b.sketch != nil {
			if q, err := b.sketch.GetValueAtQuantile(0.5); err == nil {
				row.MedianBasket = Round2(q)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// TableWriter commits encoded tables for a run.
type TableWriter interface {
	WriteTables(ctx context.Context, runID string, tables []publish.Table) error
}

// Stage reads a run's Silver snapshot and commits its analytics tables.
type Stage struct {
	Load   func(ctx context.Context, runID string) (silver.Tables, error)
	Writer TableWriter
	// Check, when set, vets the tables against the snapshot they were built
	// from. Nothing is written if it fails.
	Check  func(tables Tables, purchases []model.Purchase) error
	Logger *slog.Logger
}

// Run aggregates and writes every analytics table. All tables are encoded
// before the first write.
func (s *Stage) Run(ctx context.Context, runID string) (Tables, error) {
	logger := logging.Component(s.Logger, "gold").With("run_id", runID)

	snap, err := s.Load(ctx, runID)
	if err != nil {
		return Tables{}, err
	}
	tables := Aggregate(snap.Customers, snap.Purchases)
	if s.Check != nil {
		if err := s.Check(tables, snap.Purchases); err != nil {
			return Tables{}, err
		}
	}
	encoded, err := tables.Encode()
	if err != nil {
		return Tables{}, err
	}
	if err := s.Writer.WriteTables(ctx, runID, encoded); err != nil {
		return Tables{}, fmt.Errorf("committing gold tables: %w", err)
	}
	logger.Info("gold tables committed",
		"countries", len(tables.ByCountry), "products", len(tables.ByProduct),
		"months", len(tables.Monthly), "customers", len(tables.CustomerMetrics),
		"revenue", tables.TotalRevenue())
	return tables, nil
}
