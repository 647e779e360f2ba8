package validation

import (
	"fmt"
	"math"

	"github.com/medallion/medallion/internal/gold"
	"github.com/medallion/medallion/internal/model"
)

// AggregateCheck holds the result of cross-aggregate comparison.
type AggregateCheck struct {
	Match  bool              `json:"match"`
	Checks []AggregateDetail `json:"checks,omitempty"`
}

// AggregateDetail describes a single aggregate comparison.
type AggregateDetail struct {
	Type     string  `json:"type"` // "sum" or "count"
	Table    string  `json:"table"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Match    bool    `json:"match"`
}

// Error describes the first mismatching comparison.
func (c *AggregateCheck) Error() string {
	for _, d := range c.Checks {
		if !d.Match {
			return fmt.Sprintf("%s %s mismatch: expected %.2f, got %.2f", d.Table, d.Type, d.Expected, d.Actual)
		}
	}
	return ""
}

// ValidateAggregates checks that every revenue dimension partitions the same
// revenue and purchase count as the Silver purchases it came from. Each
// group is rounded to cents, so sums may differ by half a cent per group.
func ValidateAggregates(tables gold.Tables, purchases []model.Purchase) *AggregateCheck {
	check := &AggregateCheck{Match: true}

	var revenue float64
	for _, p := range purchases {
		revenue += p.Amount
	}
	count := int64(len(purchases))

	dims := []struct {
		name string
		rows []model.RevenueAggregate
	}{
		{"revenue_by_country", tables.ByCountry},
		{"revenue_by_product", tables.ByProduct},
		{"monthly_revenue", tables.Monthly},
	}
	for _, d := range dims {
		var sum float64
		var n int64
		for _, r := range d.rows {
			sum += r.Amount
			n += r.Count
		}
		check.add("sum", d.name, revenue, sum, moneyClose(revenue, sum, len(d.rows)))
		check.add("count", d.name, float64(count), float64(n), n == count)
	}

	var spend float64
	var n int64
	for _, m := range tables.CustomerMetrics {
		spend += m.TotalSpend
		n += m.PurchaseCount
	}
	check.add("sum", "customer_metrics", revenue, spend, moneyClose(revenue, spend, len(tables.CustomerMetrics)))
	check.add("count", "customer_metrics", float64(count), float64(n), n == count)

	return check
}

func (c *AggregateCheck) add(typ, table string, expected, actual float64, match bool) {
	c.Checks = append(c.Checks, AggregateDetail{Type: typ, Table: table, Expected: expected, Actual: actual, Match: match})
	if !match {
		c.Match = false
	}
}

// moneyClose allows the rounding error of groups cent-rounded values plus
// a small relative slack for float accumulation.
func moneyClose(a, b float64, groups int) bool {
	if a == b {
		return true
	}
	tolerance := 0.005*float64(groups) + 1e-9*math.Max(math.Abs(a), 1)
	return math.Abs(a-b) <= tolerance
}
