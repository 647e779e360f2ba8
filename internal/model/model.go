// Package model holds the entities flowing between pipeline layers and the
// row types of every published table.
package model

import "time"

// DateLayout is the canonical calendar date format of source files and
// published tables.
const DateLayout = "2006-01-02"

// Customer is a validated Silver customer. Immutable once written.
type Customer struct {
	ID         int64
	Name       string
	Email      string
	Registered time.Time
	Country    string
}

// Purchase is a validated Silver purchase referencing a known Customer.
type Purchase struct {
	ID         int64
	CustomerID int64
	Date       time.Time
	Amount     float64
	Product    string
}

// RevenueAggregate is one row of revenue_by_country, revenue_by_product or
// monthly_revenue.
type RevenueAggregate struct {
	Key           string  `parquet:"key" bson:"key" json:"key"`
	Amount        float64 `parquet:"amount" bson:"amount" json:"amount"`
	Count         int64   `parquet:"count" bson:"count" json:"count"`
	AverageBasket float64 `parquet:"average_basket" bson:"average_basket" json:"average_basket"`
	MedianBasket  float64 `parquet:"median_basket,optional" bson:"median_basket,omitempty" json:"median_basket,omitempty"`
}

// CustomerMetric summarises the purchases of one customer.
type CustomerMetric struct {
	CustomerID    int64   `parquet:"customer_id" bson:"customer_id" json:"customer_id"`
	Country       string  `parquet:"country" bson:"country" json:"country"`
	TotalSpend    float64 `parquet:"total_spend" bson:"total_spend" json:"total_spend"`
	PurchaseCount int64   `parquet:"purchase_count" bson:"purchase_count" json:"purchase_count"`
	AverageBasket float64 `parquet:"average_basket" bson:"average_basket" json:"average_basket"`
	FirstPurchase string  `parquet:"first_purchase" bson:"first_purchase" json:"first_purchase"`
	LastPurchase  string  `parquet:"last_purchase" bson:"last_purchase" json:"last_purchase"`
}

// FeatureVector is the per-customer input of every model. Monetary is the
// customer's total spend.
type FeatureVector struct {
	CustomerID    int64
	RecencyDays   float64
	Frequency     float64
	Monetary      float64
	AverageBasket float64
	TenureDays    float64
}

// Segment labels in descending order of cluster mean monetary value.
var SegmentLabels = []string{"Champions", "Loyal", "At Risk", "Lost"}

// SegmentAssignment maps a customer to a cluster and its label.
type SegmentAssignment struct {
	CustomerID int64   `parquet:"customer_id" bson:"customer_id" json:"customer_id"`
	Cluster    int32   `parquet:"cluster" bson:"cluster" json:"cluster"`
	Label      string  `parquet:"segment" bson:"segment" json:"segment"`
	Recency    float64 `parquet:"recency_days" bson:"recency_days" json:"recency_days"`
	Frequency  float64 `parquet:"frequency" bson:"frequency" json:"frequency"`
	Monetary   float64 `parquet:"monetary" bson:"monetary" json:"monetary"`
}

// Churn risk levels.
const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// ChurnPrediction is the churn score of one customer.
type ChurnPrediction struct {
	CustomerID  int64   `parquet:"customer_id" bson:"customer_id" json:"customer_id"`
	Probability float64 `parquet:"churn_probability" bson:"churn_probability" json:"churn_probability"`
	Risk        string  `parquet:"risk_level" bson:"risk_level" json:"risk_level"`
	Churned     bool    `parquet:"churned" bson:"churned" json:"churned"`
}

// CLV buckets, lowest first.
var CLVBuckets = []string{"Low", "Medium", "High", "Premium"}

// CLVPrediction is the predicted lifetime value of one customer over the
// configured horizon.
type CLVPrediction struct {
	CustomerID int64   `parquet:"customer_id" bson:"customer_id" json:"customer_id"`
	Historical float64 `parquet:"historical_value" bson:"historical_value" json:"historical_value"`
	Predicted  float64 `parquet:"predicted_clv" bson:"predicted_clv" json:"predicted_clv"`
	Bucket     string  `parquet:"clv_segment" bson:"clv_segment" json:"clv_segment"`
}

// MetricValue is one named model quality measure.
type MetricValue struct {
	Name  string  `parquet:"name" bson:"name" json:"name"`
	Value float64 `parquet:"value" bson:"value" json:"value"`
}

// ModelMetrics records training quality for one model and run. Metrics are
// kept sorted by name.
type ModelMetrics struct {
	Model     string        `parquet:"model_name" bson:"model_name" json:"model_name"`
	Algorithm string        `parquet:"algorithm" bson:"algorithm" json:"algorithm"`
	TrainedAt string        `parquet:"trained_at" bson:"trained_at" json:"trained_at"`
	Samples   int64         `parquet:"samples" bson:"samples" json:"samples"`
	Metrics   []MetricValue `parquet:"metrics" bson:"metrics" json:"metrics"`
	Note      string        `parquet:"note,optional" bson:"note,omitempty" json:"note,omitempty"`
}

// Metric returns the named metric and whether it was recorded.
func (m ModelMetrics) Metric(name string) (float64, bool) {
	for _, v := range m.Metrics {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// FormatDate renders a date in DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DaysBetween returns the whole days from a to b, truncating both to
// calendar dates.
func DaysBetween(a, b time.Time) float64 {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return float64(db.Sub(da) / (24 * time.Hour))
}
