package ml

import (
	"fmt"
	"math"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/features"
	"github.com/medallion/medallion/internal/model"
)

// ridgePenalty stabilises the normal equations when features are collinear.
const ridgePenalty = 1.0

// insufficientData is the metrics note of a CLV run that fell back to
// scaling historical value.
const insufficientData = "insufficient_data_for_training"

var clvFeatures = []string{features.AverageBasket, features.Frequency, features.Tenure}

// Ridge is a fitted linear model over standardised inputs. The intercept
// is not penalised.
type Ridge struct {
	Scaler    *Scaler
	Weights   []float64
	Intercept float64
}

// FitRidge solves (ZᵀZ + λI)w = Zᵀ(y - ȳ) on standardised inputs Z.
func FitRidge(x [][]float64, y []float64) (*Ridge, error) {
	scaler := FitScaler(x)
	z := scaler.Transform(x)
	d := len(x[0])

	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	a := make([][]float64, d)
	b := make([]float64, d)
	for j := range a {
		a[j] = make([]float64, d)
		a[j][j] = ridgePenalty
	}
	for i, row := range z {
		r := y[i] - mean
		for j := range row {
			b[j] += row[j] * r
			for k := range row {
				a[j][k] += row[j] * row[k]
			}
		}
	}
	w, err := solve(a, b)
	if err != nil {
		return nil, err
	}
	return &Ridge{Scaler: scaler, Weights: w, Intercept: mean}, nil
}

// Predict returns the fitted value of each row of x.
func (m *Ridge) Predict(x [][]float64) []float64 {
	z := m.Scaler.Transform(x)
	out := make([]float64, len(z))
	for i, row := range z {
		out[i] = dot(m.Weights, row) + m.Intercept
	}
	return out
}

// solve runs Gaussian elimination with partial pivoting on a copy of a.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	m := make([][]float64, n)
	for i := range a {
		m[i] = append(append([]float64(nil), a[i]...), b[i])
	}
	for col := 0; col < n; col++ {
		p := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[p][col]) {
				p = r
			}
		}
		if math.Abs(m[p][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		m[col], m[p] = m[p], m[col]
		for r := col + 1; r < n; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := m[r][n]
		for c := r + 1; c < n; c++ {
			s -= m[r][c] * x[c]
		}
		x[r] = s / m[r][r]
	}
	return x, nil
}

// PredictCLV regresses historical value on average basket, frequency and
// tenure, then projects it over the configured horizon. Populations smaller
// than cfg.CLVMinSamples fall back to scaling historical value.
func PredictCLV(vs []model.FeatureVector, cfg config.MLConfig) ([]model.CLVPrediction, model.ModelMetrics, error) {
	if err := checkFinite(CLVModel, vs); err != nil {
		return nil, model.ModelMetrics{}, err
	}
	growth := cfg.CLVGrowthFactor * float64(cfg.CLVHorizonMonths) / 12
	metrics := model.ModelMetrics{Model: CLVModel, Samples: int64(len(vs))}

	historical := make([]float64, len(vs))
	for i, v := range vs {
		historical[i] = v.Monetary
	}

	var fitted []float64
	if len(vs) < cfg.CLVMinSamples {
		fitted = historical
		metrics.Algorithm = "historical_growth"
		metrics.Note = insufficientData
		metrics.Metrics = []model.MetricValue{{Name: "mse", Value: 0}, {Name: "r2", Value: 0}, {Name: "rmse", Value: 0}}
	} else {
		x := features.Columns(vs, clvFeatures...)
		idx := make([]int, len(vs))
		for i := range idx {
			idx[i] = i
		}
		train, test := split(idx, holdoutShare, newRand(cfg.Seed))
		if len(test) == 0 {
			test = train
		}
		holdout, err := FitRidge(rows(x, train), pick(historical, train))
		if err != nil {
			return nil, model.ModelMetrics{}, &TrainingError{Model: CLVModel, Reason: err.Error()}
		}
		mse, r2 := regressionScores(pick(historical, test), holdout.Predict(rows(x, test)))

		final, err := FitRidge(x, historical)
		if err != nil {
			return nil, model.ModelMetrics{}, &TrainingError{Model: CLVModel, Reason: err.Error()}
		}
		fitted = final.Predict(x)
		metrics.Algorithm = "ridge_regression"
		metrics.Metrics = []model.MetricValue{{Name: "mse", Value: mse}, {Name: "r2", Value: r2}, {Name: "rmse", Value: math.Sqrt(mse)}}
	}

	out := make([]model.CLVPrediction, len(vs))
	for i, v := range vs {
		predicted := math.Max(fitted[i]*growth, 0)
		out[i] = model.CLVPrediction{
			CustomerID: v.CustomerID,
			Historical: historical[i],
			Predicted:  predicted,
			Bucket:     CLVBucket(predicted, cfg.CLVThresholds),
		}
	}
	return out, metrics, nil
}

// CLVBucket places v in the first bucket whose upper threshold it does not
// exceed; values above every threshold are Premium.
func CLVBucket(v float64, thresholds []float64) string {
	for i, t := range thresholds {
		if i >= len(model.CLVBuckets)-1 {
			break
		}
		if v <= t {
			return model.CLVBuckets[i]
		}
	}
	return model.CLVBuckets[len(model.CLVBuckets)-1]
}

func regressionScores(y, pred []float64) (mse, r2 float64) {
	if len(y) == 0 {
		return 0, 0
	}
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	var ssRes, ssTot float64
	for i := range y {
		ssRes += (y[i] - pred[i]) * (y[i] - pred[i])
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	mse = ssRes / float64(len(y))
	if ssTot == 0 {
		return mse, 0
	}
	return mse, 1 - ssRes/ssTot
}
