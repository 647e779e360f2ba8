package features

import (
	"reflect"
	"testing"
	"time"

	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/report"
)

func day(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

func TestBuild(t *testing.T) {
	runDate := day("2024-04-01")
	customers := []model.Customer{
		{ID: 3, Registered: day("2024-03-01"), Country: "Spain"},
		{ID: 1, Registered: day("2024-01-01"), Country: "France"},
		{ID: 2, Registered: day("2023-12-01"), Country: "Italy"},
	}
	purchases := []model.Purchase{
		{ID: 1, CustomerID: 1, Date: day("2024-03-22"), Amount: 30},
		{ID: 2, CustomerID: 1, Date: day("2024-02-01"), Amount: 10},
		{ID: 3, CustomerID: 3, Date: day("2024-03-31"), Amount: 5},
	}

	out := Build(customers, purchases, runDate)

	want := []model.FeatureVector{
		{CustomerID: 1, RecencyDays: 10, Frequency: 2, Monetary: 40, AverageBasket: 20, TenureDays: 91},
		{CustomerID: 3, RecencyDays: 1, Frequency: 1, Monetary: 5, AverageBasket: 5, TenureDays: 31},
	}
	if !reflect.DeepEqual(out.Value, want) {
		t.Errorf("Build() = %+v\nwant %+v", out.Value, want)
	}
	if n := out.Count(report.KindUnscorableCustomer); n != 1 {
		t.Fatalf("expected 1 unscorable customer, got %d", n)
	}
	if out.Issues[0].Key != "2" {
		t.Errorf("unscorable key = %q", out.Issues[0].Key)
	}
}

func TestBuildEmpty(t *testing.T) {
	out := Build(nil, nil, day("2024-04-01"))
	if len(out.Value) != 0 || len(out.Issues) != 0 {
		t.Errorf("expected empty outcome, got %+v", out)
	}
}

func TestColumns(t *testing.T) {
	vs := []model.FeatureVector{
		{CustomerID: 1, RecencyDays: 1, Frequency: 2, Monetary: 3, AverageBasket: 4, TenureDays: 5},
	}
	got := Columns(vs, Recency, Monetary, Tenure, "unknown")
	want := [][]float64{{1, 3, 5, 0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Columns() = %v, want %v", got, want)
	}
}
