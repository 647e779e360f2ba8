// Package features derives per-customer model inputs from a Silver snapshot.
package features

import (
	"sort"
	"strconv"
	"time"

	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/report"
)

// Build returns one feature vector per customer with at least one purchase,
// sorted by customer id. Customers without purchases are reported as
// unscorable. Recency and tenure are measured in days up to runDate.
func Build(customers []model.Customer, purchases []model.Purchase, runDate time.Time) report.Outcome[[]model.FeatureVector] {
	type acc struct {
		count int
		total float64
		last  time.Time
	}
	byCustomer := make(map[int64]*acc, len(customers))
	for _, p := range purchases {
		a, ok := byCustomer[p.CustomerID]
		if !ok {
			a = &acc{last: p.Date}
			byCustomer[p.CustomerID] = a
		}
		a.count++
		a.total += p.Amount
		if p.Date.After(a.last) {
			a.last = p.Date
		}
	}

	ordered := make([]model.Customer, len(customers))
	copy(ordered, customers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var out report.Outcome[[]model.FeatureVector]
	out.Value = make([]model.FeatureVector, 0, len(byCustomer))
	for _, c := range ordered {
		a, ok := byCustomer[c.ID]
		if !ok {
			out.Add(report.Issue{
				Kind:   report.KindUnscorableCustomer,
				Entity: "clients",
				Key:    strconv.FormatInt(c.ID, 10),
				Detail: "no purchases",
			})
			continue
		}
		out.Value = append(out.Value, model.FeatureVector{
			CustomerID:    c.ID,
			RecencyDays:   model.DaysBetween(a.last, runDate),
			Frequency:     float64(a.count),
			Monetary:      a.total,
			AverageBasket: a.total / float64(a.count),
			TenureDays:    model.DaysBetween(c.Registered, runDate),
		})
	}
	return out
}

// Columns extracts the named feature columns of vs as a row-major matrix.
func Columns(vs []model.FeatureVector, names ...string) [][]float64 {
	m := make([][]float64, len(vs))
	for i, v := range vs {
		row := make([]float64, len(names))
		for j, n := range names {
			row[j] = Value(v, n)
		}
		m[i] = row
	}
	return m
}

// Feature names accepted by Value.
const (
	Recency       = "recency_days"
	Frequency     = "frequency"
	Monetary      = "monetary"
	AverageBasket = "average_basket"
	Tenure        = "tenure_days"
)

// Value returns a single named feature. Unknown names yield 0.
func Value(v model.FeatureVector, name string) float64 {
	switch name {
	case Recency:
		return v.RecencyDays
	case Frequency:
		return v.Frequency
	case Monetary:
		return v.Monetary
	case AverageBasket:
		return v.AverageBasket
	case Tenure:
		return v.TenureDays
	}
	return 0
}
