// Package ml trains and scores the customer models of a run: segmentation,
// churn risk and customer lifetime value. Every model trains on the full
// scorable population and scores it.
package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/model"
)

// Model names as recorded in ml_model_metrics.
const (
	SegmentationModel = "segmentation"
	ChurnModel        = "churn"
	CLVModel          = "clv"
)

// TrainingError reports that a model could not be trained on the given
// population. It fails the ML stage only.
type TrainingError struct {
	Model  string
	Reason string
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s model: %s", e.Model, e.Reason)
}

// Result holds the predictions and training metrics of one run.
type Result struct {
	Segments []model.SegmentAssignment
	Churn    []model.ChurnPrediction
	CLV      []model.CLVPrediction
	Metrics  []model.ModelMetrics
}

// Train fits every model on vs and scores it. vs must be sorted by
// customer id; outputs keep that order. The first model that cannot be
// trained aborts the whole run.
func Train(vs []model.FeatureVector, cfg config.MLConfig, trainedAt time.Time) (Result, error) {
	stamp := trainedAt.UTC().Format(time.RFC3339)

	segments, segMetrics, err := Segment(vs, cfg)
	if err != nil {
		return Result{}, err
	}
	churn, churnMetrics, err := PredictChurn(vs, cfg)
	if err != nil {
		return Result{}, err
	}
	clv, clvMetrics, err := PredictCLV(vs, cfg)
	if err != nil {
		return Result{}, err
	}

	metrics := []model.ModelMetrics{churnMetrics, clvMetrics, segMetrics}
	for i := range metrics {
		metrics[i].TrainedAt = stamp
		sortMetrics(metrics[i].Metrics)
	}
	return Result{Segments: segments, Churn: churn, CLV: clv, Metrics: metrics}, nil
}

// checkFinite rejects populations with an infinite or NaN feature, which
// would otherwise poison the scaler and every prediction.
func checkFinite(name string, vs []model.FeatureVector) error {
	for _, v := range vs {
		for _, f := range []float64{v.RecencyDays, v.Frequency, v.Monetary, v.AverageBasket, v.TenureDays} {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return &TrainingError{Model: name, Reason: fmt.Sprintf("customer %d has a non-finite feature", v.CustomerID)}
			}
		}
	}
	return nil
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

func sortMetrics(m []model.MetricValue) {
	sort.Slice(m, func(i, j int) bool { return m[i].Name < m[j].Name })
}

// split returns a seeded holdout partition of idx: roughly testFraction of
// the indices go to test, at least one index always stays in train.
func split(idx []int, testFraction float64, rng *rand.Rand) (train, test []int) {
	shuffled := append([]int(nil), idx...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	n := int(float64(len(shuffled))*testFraction + 0.5)
	if n >= len(shuffled) {
		n = len(shuffled) - 1
	}
	if n < 0 {
		n = 0
	}
	test = append([]int(nil), shuffled[:n]...)
	train = append([]int(nil), shuffled[n:]...)
	sort.Ints(train)
	sort.Ints(test)
	return train, test
}

func rows(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}
