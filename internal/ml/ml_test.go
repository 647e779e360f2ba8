package ml

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/publish"
	"github.com/medallion/medallion/internal/silver"
)

// population returns four well separated customer groups of ten.
func population() []model.FeatureVector {
	recency := []float64{5, 30, 90, 200}
	frequency := []float64{20, 10, 4, 1}
	monetary := []float64{5000, 1500, 400, 50}
	var vs []model.FeatureVector
	id := int64(1)
	for g := 0; g < 4; g++ {
		for i := 0; i < 10; i++ {
			f := frequency[g] + float64(i%3)
			m := monetary[g] + 10*float64(i)
			vs = append(vs, model.FeatureVector{
				CustomerID:    id,
				RecencyDays:   recency[g] + float64(i),
				Frequency:     f,
				Monetary:      m,
				AverageBasket: m / f,
				TenureDays:    400 + 7*float64(i),
			})
			id++
		}
	}
	return vs
}

func testConfig() config.MLConfig {
	return config.Default().ML
}

func TestSegmentLabelsAndOrdering(t *testing.T) {
	vs := population()
	segments, metrics, err := Segment(vs, testConfig())
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(segments) != len(vs) {
		t.Fatalf("expected %d assignments, got %d", len(vs), len(segments))
	}

	sums := map[int32]float64{}
	counts := map[int32]int{}
	labels := map[string]bool{}
	for i, s := range segments {
		if s.CustomerID != vs[i].CustomerID {
			t.Fatalf("assignment %d out of order", i)
		}
		if s.Label != model.SegmentLabels[s.Cluster] {
			t.Errorf("cluster %d labelled %q", s.Cluster, s.Label)
		}
		labels[s.Label] = true
		sums[s.Cluster] += s.Monetary
		counts[s.Cluster]++
	}
	if len(labels) != 4 {
		t.Errorf("expected all four labels, got %v", labels)
	}
	prev := math.Inf(1)
	for c := int32(0); c < 4; c++ {
		mean := sums[c] / float64(counts[c])
		if mean > prev {
			t.Errorf("cluster %d mean monetary %v exceeds cluster %d", c, mean, c-1)
		}
		prev = mean
	}

	// The four groups are well separated, so each stays together.
	for g := 0; g < 4; g++ {
		for i := 1; i < 10; i++ {
			if segments[g*10+i].Cluster != segments[g*10].Cluster {
				t.Errorf("group %d split across clusters", g)
			}
		}
	}
	if segments[0].Label != "Champions" || segments[39].Label != "Lost" {
		t.Errorf("unexpected labels %q, %q", segments[0].Label, segments[39].Label)
	}

	if s, ok := metrics.Metric("silhouette"); !ok || s <= 0.5 || s > 1 {
		t.Errorf("silhouette = %v", s)
	}
	if _, ok := metrics.Metric("inertia"); !ok {
		t.Error("inertia not recorded")
	}
}

func TestSegmentDeterministic(t *testing.T) {
	a, _, err := Segment(population(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := Segment(population(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("segmentation differs between identical runs")
	}
}

func TestSegmentTrainingErrors(t *testing.T) {
	same := model.FeatureVector{RecencyDays: 1, Frequency: 1, Monetary: 1}
	tests := []struct {
		name string
		vs   []model.FeatureVector
	}{
		{"fewer customers than clusters", population()[:3]},
		{"fewer distinct customers than clusters", []model.FeatureVector{same, same, same, same, same}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Segment(tt.vs, testConfig())
			var te *TrainingError
			if !errors.As(err, &te) {
				t.Fatalf("expected TrainingError, got %v", err)
			}
			if te.Model != SegmentationModel {
				t.Errorf("model = %q", te.Model)
			}
		})
	}
}

func TestNonFiniteFeaturesRejected(t *testing.T) {
	vs := population()
	// Two purchases near the float limit overflow the customer's total.
	purchase := 1.7e308
	vs[0].Monetary = purchase + purchase
	vs[0].AverageBasket = vs[0].Monetary / 2

	train := map[string]func() error{
		SegmentationModel: func() error { _, _, err := Segment(vs, testConfig()); return err },
		ChurnModel:        func() error { _, _, err := PredictChurn(vs, testConfig()); return err },
		CLVModel:          func() error { _, _, err := PredictCLV(vs, testConfig()); return err },
	}
	for name, fn := range train {
		t.Run(name, func(t *testing.T) {
			var te *TrainingError
			if err := fn(); !errors.As(err, &te) {
				t.Fatalf("expected TrainingError, got %v", err)
			}
			if te.Model != name {
				t.Errorf("model = %q, want %q", te.Model, name)
			}
		})
	}

	if _, err := Train(vs, testConfig(), time.Now()); err == nil {
		t.Error("Train accepted a non-finite population")
	}
	if !math.IsInf(vs[0].Monetary, 1) {
		t.Fatal("test population did not overflow")
	}
}

func TestSegmentRejectsUnlabelledClusters(t *testing.T) {
	cfg := testConfig()
	cfg.Clusters = len(model.SegmentLabels) + 1
	_, _, err := Segment(population(), cfg)
	var te *TrainingError
	if !errors.As(err, &te) || te.Model != SegmentationModel {
		t.Fatalf("expected segmentation TrainingError, got %v", err)
	}
}

func TestPredictChurn(t *testing.T) {
	vs := population()
	cfg := testConfig()
	preds, metrics, err := PredictChurn(vs, cfg)
	if err != nil {
		t.Fatalf("PredictChurn: %v", err)
	}
	for i, p := range preds {
		if p.Probability < 0 || p.Probability > 1 || math.IsNaN(p.Probability) {
			t.Errorf("probability %v out of range", p.Probability)
		}
		if p.Churned != (vs[i].RecencyDays > float64(cfg.ChurnDays)) {
			t.Errorf("customer %d churn label wrong", p.CustomerID)
		}
	}

	rank := map[string]int{model.RiskLow: 0, model.RiskMedium: 1, model.RiskHigh: 2}
	sorted := append([]model.ChurnPrediction(nil), preds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Probability < sorted[j].Probability })
	for i := 1; i < len(sorted); i++ {
		if rank[sorted[i].Risk] < rank[sorted[i-1].Risk] {
			t.Fatalf("risk not monotonic in probability: %+v then %+v", sorted[i-1], sorted[i])
		}
	}

	if acc, _ := metrics.Metric("accuracy"); acc < 0.75 {
		t.Errorf("accuracy = %v on separable labels", acc)
	}
	for _, name := range []string{"accuracy", "precision", "recall", "f1"} {
		if v, ok := metrics.Metric(name); !ok || v < 0 || v > 1 {
			t.Errorf("%s = %v, %v", name, v, ok)
		}
	}
}

func TestPredictChurnSingleClass(t *testing.T) {
	vs := population()[:10]
	_, _, err := PredictChurn(vs, testConfig())
	var te *TrainingError
	if !errors.As(err, &te) || te.Model != ChurnModel {
		t.Fatalf("expected churn TrainingError, got %v", err)
	}
}

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		p    float64
		want string
	}{
		{0, model.RiskLow},
		{0.39, model.RiskLow},
		{0.4, model.RiskMedium},
		{0.69, model.RiskMedium},
		{0.7, model.RiskHigh},
		{1, model.RiskHigh},
	}
	for _, tt := range tests {
		if got := RiskLevel(tt.p, 0.4, 0.7); got != tt.want {
			t.Errorf("RiskLevel(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestPredictCLV(t *testing.T) {
	vs := population()
	preds, metrics, err := PredictCLV(vs, testConfig())
	if err != nil {
		t.Fatalf("PredictCLV: %v", err)
	}
	if metrics.Algorithm != "ridge_regression" || metrics.Note != "" {
		t.Errorf("unexpected metrics %+v", metrics)
	}
	for i, p := range preds {
		if p.Predicted < 0 {
			t.Errorf("negative CLV %v", p.Predicted)
		}
		if p.Historical != vs[i].Monetary {
			t.Errorf("historical = %v, want %v", p.Historical, vs[i].Monetary)
		}
		if p.Bucket != CLVBucket(p.Predicted, testConfig().CLVThresholds) {
			t.Errorf("bucket %q does not match %v", p.Bucket, p.Predicted)
		}
	}
	if r2, _ := metrics.Metric("r2"); r2 < 0.5 {
		t.Errorf("r2 = %v", r2)
	}
}

func TestPredictCLVFallback(t *testing.T) {
	vs := population()[:5]
	preds, metrics, err := PredictCLV(vs, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Note != insufficientData {
		t.Errorf("note = %q", metrics.Note)
	}
	for i, p := range preds {
		if math.Abs(p.Predicted-vs[i].Monetary*1.2) > 1e-9 {
			t.Errorf("predicted = %v, want %v", p.Predicted, vs[i].Monetary*1.2)
		}
	}
}

func TestCLVBucket(t *testing.T) {
	th := []float64{100, 500, 1000}
	tests := []struct {
		v    float64
		want string
	}{
		{0, "Low"},
		{100, "Low"},
		{100.01, "Medium"},
		{500, "Medium"},
		{999, "High"},
		{1000, "High"},
		{1000.5, "Premium"},
	}
	for _, tt := range tests {
		if got := CLVBucket(tt.v, th); got != tt.want {
			t.Errorf("CLVBucket(%v) = %s, want %s", tt.v, got, tt.want)
		}
	}
}

func TestSolve(t *testing.T) {
	x, err := solve([][]float64{{2, 1}, {1, 3}}, []float64{3, 5})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x[0]-0.8) > 1e-9 || math.Abs(x[1]-1.4) > 1e-9 {
		t.Errorf("solve = %v", x)
	}
	if _, err := solve([][]float64{{1, 2}, {2, 4}}, []float64{1, 2}); err == nil {
		t.Error("expected singular system error")
	}
}

func TestTrain(t *testing.T) {
	at := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	res, err := Train(population(), testConfig(), at)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	var names []string
	for _, m := range res.Metrics {
		names = append(names, m.Model)
		if m.TrainedAt != "2024-04-01T12:00:00Z" {
			t.Errorf("%s trained at %q", m.Model, m.TrainedAt)
		}
		if !sort.SliceIsSorted(m.Metrics, func(i, j int) bool { return m.Metrics[i].Name < m.Metrics[j].Name }) {
			t.Errorf("%s metrics not sorted", m.Model)
		}
	}
	if !reflect.DeepEqual(names, []string{ChurnModel, CLVModel, SegmentationModel}) {
		t.Errorf("models = %v", names)
	}
}

type recordingWriter struct {
	tables []publish.Table
}

func (w *recordingWriter) WriteTables(_ context.Context, _ string, tables []publish.Table) error {
	w.tables = append(w.tables, tables...)
	return nil
}

func snapshot(n int) silver.Tables {
	runDate := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	var snap silver.Tables
	for i, v := range population()[:n] {
		snap.Customers = append(snap.Customers, model.Customer{
			ID: v.CustomerID, Country: "France", Registered: runDate.AddDate(0, 0, -int(v.TenureDays)),
		})
		for p := 0; p < int(v.Frequency); p++ {
			snap.Purchases = append(snap.Purchases, model.Purchase{
				ID:         int64(i*100 + p + 1),
				CustomerID: v.CustomerID,
				Date:       runDate.AddDate(0, 0, -int(v.RecencyDays)-p),
				Amount:     v.AverageBasket,
				Product:    "Phone",
			})
		}
	}
	snap.Customers = append(snap.Customers, model.Customer{ID: 999, Country: "Spain", Registered: runDate})
	return snap
}

func TestStageRun(t *testing.T) {
	w := &recordingWriter{}
	s := &Stage{
		Load:    func(context.Context, string) (silver.Tables, error) { return snapshot(40), nil },
		Writer:  w,
		Config:  testConfig(),
		RunDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Now:     func() time.Time { return time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC) },
	}
	out, err := s.Run(context.Background(), "2024-04-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Issues) != 1 || out.Issues[0].Key != "999" {
		t.Errorf("expected customer 999 unscorable, got %+v", out.Issues)
	}
	var names []string
	for _, tb := range w.tables {
		names = append(names, tb.Name)
	}
	if !reflect.DeepEqual(names, publish.MLTables) {
		t.Errorf("tables = %v", names)
	}
	if len(out.Value.Segments) != 40 {
		t.Errorf("segments = %d", len(out.Value.Segments))
	}
}

func TestStageRunTooFewCustomersWritesNothing(t *testing.T) {
	w := &recordingWriter{}
	s := &Stage{
		Load:    func(context.Context, string) (silver.Tables, error) { return snapshot(3), nil },
		Writer:  w,
		Config:  testConfig(),
		RunDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	_, err := s.Run(context.Background(), "2024-04-01")
	var te *TrainingError
	if !errors.As(err, &te) {
		t.Fatalf("expected TrainingError, got %v", err)
	}
	if len(w.tables) != 0 {
		t.Errorf("tables written after failed training: %d", len(w.tables))
	}
}
