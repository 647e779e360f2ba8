package ml

import (
	"fmt"
	"math"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/features"
	"github.com/medallion/medallion/internal/model"
)

// Logistic regression hyperparameters.
const (
	learningRate   = 0.1
	l2Penalty      = 0.01
	gradientSteps  = 2000
	holdoutShare   = 0.2
	decisionCutoff = 0.5
)

var churnFeatures = []string{features.Recency, features.Frequency, features.AverageBasket, features.Tenure}

// Logistic is a fitted binary classifier over standardised inputs.
type Logistic struct {
	Scaler  *Scaler
	Weights []float64
	Bias    float64
}

// FitLogistic trains by batch gradient descent with an L2 penalty on the
// weights. Inputs are standardised with statistics of x.
func FitLogistic(x [][]float64, y []float64) *Logistic {
	scaler := FitScaler(x)
	z := scaler.Transform(x)
	d := len(x[0])
	w := make([]float64, d)
	var b float64
	n := float64(len(z))

	grad := make([]float64, d)
	for step := 0; step < gradientSteps; step++ {
		for j := range grad {
			grad[j] = 0
		}
		var gb float64
		for i, row := range z {
			e := sigmoid(dot(w, row)+b) - y[i]
			for j, v := range row {
				grad[j] += e * v
			}
			gb += e
		}
		for j := range w {
			w[j] -= learningRate * (grad[j]/n + l2Penalty*w[j])
		}
		b -= learningRate * gb / n
	}
	return &Logistic{Scaler: scaler, Weights: w, Bias: b}
}

// Predict returns the positive-class probability of each row of x.
func (m *Logistic) Predict(x [][]float64) []float64 {
	z := m.Scaler.Transform(x)
	out := make([]float64, len(z))
	for i, row := range z {
		out[i] = sigmoid(dot(m.Weights, row) + m.Bias)
	}
	return out
}

// PredictChurn labels customers inactive for more than cfg.ChurnDays as
// churned, evaluates a classifier on a seeded stratified holdout, then refits
// on every customer to score them.
func PredictChurn(vs []model.FeatureVector, cfg config.MLConfig) ([]model.ChurnPrediction, model.ModelMetrics, error) {
	if err := checkFinite(ChurnModel, vs); err != nil {
		return nil, model.ModelMetrics{}, err
	}
	x := features.Columns(vs, churnFeatures...)
	y := make([]float64, len(vs))
	var pos, neg []int
	for i, v := range vs {
		if v.RecencyDays > float64(cfg.ChurnDays) {
			y[i] = 1
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return nil, model.ModelMetrics{}, &TrainingError{
			Model:  ChurnModel,
			Reason: fmt.Sprintf("single class in labels (%d churned, %d active)", len(pos), len(neg)),
		}
	}

	rng := newRand(cfg.Seed)
	trainPos, testPos := split(pos, holdoutShare, rng)
	trainNeg, testNeg := split(neg, holdoutShare, rng)
	train := append(trainPos, trainNeg...)
	test := append(testPos, testNeg...)
	if len(test) == 0 {
		test = train
	}

	holdout := FitLogistic(rows(x, train), pick(y, train))
	scores := holdout.Predict(rows(x, test))
	conf := confusion(pick(y, test), scores)

	final := FitLogistic(x, y)
	probs := final.Predict(x)
	out := make([]model.ChurnPrediction, len(vs))
	for i, v := range vs {
		out[i] = model.ChurnPrediction{
			CustomerID:  v.CustomerID,
			Probability: probs[i],
			Risk:        RiskLevel(probs[i], cfg.ChurnMediumCut, cfg.ChurnHighCut),
			Churned:     y[i] == 1,
		}
	}

	metrics := model.ModelMetrics{
		Model:     ChurnModel,
		Algorithm: "logistic_regression",
		Samples:   int64(len(vs)),
		Metrics: []model.MetricValue{
			{Name: "accuracy", Value: conf.accuracy()},
			{Name: "precision", Value: conf.precision()},
			{Name: "recall", Value: conf.recall()},
			{Name: "f1", Value: conf.f1()},
			{Name: "churn_rate", Value: float64(len(pos)) / float64(len(vs))},
		},
	}
	return out, metrics, nil
}

// RiskLevel maps a churn probability to a risk level. It is monotonic in p.
func RiskLevel(p, mediumCut, highCut float64) string {
	switch {
	case p >= highCut:
		return model.RiskHigh
	case p >= mediumCut:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

type confusionMatrix struct {
	tp, fp, tn, fn float64
}

func confusion(y, scores []float64) confusionMatrix {
	var c confusionMatrix
	for i, s := range scores {
		predicted := s >= decisionCutoff
		actual := y[i] == 1
		switch {
		case predicted && actual:
			c.tp++
		case predicted:
			c.fp++
		case actual:
			c.fn++
		default:
			c.tn++
		}
	}
	return c
}

func (c confusionMatrix) accuracy() float64 {
	return ratio(c.tp+c.tn, c.tp+c.tn+c.fp+c.fn)
}

func (c confusionMatrix) precision() float64 { return ratio(c.tp, c.tp+c.fp) }

func (c confusionMatrix) recall() float64 { return ratio(c.tp, c.tp+c.fn) }

func (c confusionMatrix) f1() float64 {
	p, r := c.precision(), c.recall()
	return ratio(2*p*r, p+r)
}

// ratio returns 0 for an empty denominator.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func pick(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = v[j]
	}
	return out
}
