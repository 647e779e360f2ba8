package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/features"
	"github.com/medallion/medallion/internal/model"
)

// silhouetteSample bounds the quadratic silhouette computation.
const silhouetteSample = 2000

// KMeans clusters points with Lloyd's algorithm and k-means++ seeding.
// Restarts run from independent seeds derived from Seed; the restart with
// the lowest inertia wins, ties going to the earliest.
type KMeans struct {
	K        int
	Restarts int
	MaxIter  int
	Seed     int64
}

// Clustering is a fitted partition.
type Clustering struct {
	Centroids [][]float64
	Assign    []int
	Inertia   float64
}

// Fit clusters x. It fails with a *TrainingError when x has fewer rows or
// fewer distinct rows than K.
func (km KMeans) Fit(x [][]float64) (*Clustering, error) {
	if len(x) < km.K {
		return nil, &TrainingError{Model: SegmentationModel, Reason: fmt.Sprintf("%d customers, need at least %d", len(x), km.K)}
	}
	if d := distinct(x); d < km.K {
		return nil, &TrainingError{Model: SegmentationModel, Reason: fmt.Sprintf("%d distinct customers, need at least %d", d, km.K)}
	}

	rng := newRand(km.Seed)
	var best *Clustering
	for r := 0; r < max(km.Restarts, 1); r++ {
		c := km.run(x, newRand(int64(rng.Uint64())))
		if best == nil || c.Inertia < best.Inertia {
			best = c
		}
	}
	return best, nil
}

func (km KMeans) run(x [][]float64, rng *rand.Rand) *Clustering {
	centroids := seedPlusPlus(x, km.K, rng)
	assign := make([]int, len(x))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < max(km.MaxIter, 1); iter++ {
		changed := false
		for i, p := range x {
			c := nearest(p, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		centroids = recompute(x, assign, centroids)
	}

	var inertia float64
	for i, p := range x {
		inertia += sqDist(p, centroids[assign[i]])
	}
	return &Clustering{Centroids: centroids, Assign: assign, Inertia: inertia}
}

// seedPlusPlus picks the first centroid uniformly and each next one with
// probability proportional to its squared distance from the chosen set.
func seedPlusPlus(x [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(x[rng.IntN(len(x))]))

	dist := make([]float64, len(x))
	for i, p := range x {
		dist[i] = sqDist(p, centroids[0])
	}
	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		target := rng.Float64() * total
		pick := -1
		for i, d := range dist {
			if d == 0 {
				continue
			}
			pick = i
			target -= d
			if target < 0 {
				pick = i
				break
			}
		}
		c := clone(x[pick])
		centroids = append(centroids, c)
		for i, p := range x {
			dist[i] = math.Min(dist[i], sqDist(p, c))
		}
	}
	return centroids
}

// recompute moves each centroid to the mean of its points. An empty cluster
// takes over the point farthest from its current centroid.
func recompute(x [][]float64, assign []int, prev [][]float64) [][]float64 {
	k, d := len(prev), len(x[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, d)
	}
	for i, p := range x {
		counts[assign[i]]++
		for j, v := range p {
			sums[assign[i]][j] += v
		}
	}
	for c := range sums {
		if counts[c] == 0 {
			far, farDist := 0, -1.0
			for i, p := range x {
				if counts[assign[i]] <= 1 {
					continue
				}
				if dd := sqDist(p, prev[assign[i]]); dd > farDist {
					far, farDist = i, dd
				}
			}
			counts[assign[far]]--
			for j, v := range x[far] {
				sums[assign[far]][j] -= v
			}
			assign[far] = c
			counts[c] = 1
			copy(sums[c], x[far])
		}
	}
	out := make([][]float64, k)
	for c := range sums {
		out[c] = make([]float64, d)
		for j := range sums[c] {
			out[c][j] = sums[c][j] / float64(counts[c])
		}
	}
	return out
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, q := range centroids {
		if d := sqDist(p, q); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func distinct(x [][]float64) int {
	seen := make(map[string]struct{}, len(x))
	for _, p := range x {
		seen[fmt.Sprint(p)] = struct{}{}
	}
	return len(seen)
}

func clone(p []float64) []float64 {
	return append([]float64(nil), p...)
}

// Silhouette returns the mean silhouette coefficient of a partition. Large
// inputs are evaluated on an evenly strided sample.
func Silhouette(x [][]float64, assign []int, k int) float64 {
	idx := make([]int, 0, len(x))
	step := 1
	if len(x) > silhouetteSample {
		step = (len(x) + silhouetteSample - 1) / silhouetteSample
	}
	for i := 0; i < len(x); i += step {
		idx = append(idx, i)
	}

	var total float64
	for _, i := range idx {
		sums := make([]float64, k)
		counts := make([]int, k)
		for _, j := range idx {
			if i == j {
				continue
			}
			sums[assign[j]] += math.Sqrt(sqDist(x[i], x[j]))
			counts[assign[j]]++
		}
		own := assign[i]
		if counts[own] == 0 {
			continue
		}
		a := sums[own] / float64(counts[own])
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || counts[c] == 0 {
				continue
			}
			b = math.Min(b, sums[c]/float64(counts[c]))
		}
		if math.IsInf(b, 1) {
			continue
		}
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	if len(idx) == 0 {
		return 0
	}
	return total / float64(len(idx))
}

// Segment clusters customers on standardised recency, frequency and
// monetary value. Cluster ids are renumbered by descending mean monetary
// value, so cluster 0 is always labelled Champions.
func Segment(vs []model.FeatureVector, cfg config.MLConfig) ([]model.SegmentAssignment, model.ModelMetrics, error) {
	if err := checkFinite(SegmentationModel, vs); err != nil {
		return nil, model.ModelMetrics{}, err
	}
	if cfg.Clusters > len(model.SegmentLabels) {
		return nil, model.ModelMetrics{}, &TrainingError{Model: SegmentationModel,
			Reason: fmt.Sprintf("%d clusters requested, only %d segment labels exist", cfg.Clusters, len(model.SegmentLabels))}
	}
	raw := features.Columns(vs, features.Recency, features.Frequency, features.Monetary)
	x := FitScaler(raw).Transform(raw)

	km := KMeans{K: cfg.Clusters, Restarts: cfg.Restarts, MaxIter: cfg.MaxIterations, Seed: cfg.Seed}
	fit, err := km.Fit(x)
	if err != nil {
		return nil, model.ModelMetrics{}, err
	}

	means := make([]float64, km.K)
	sizes := make([]int, km.K)
	for i, v := range vs {
		means[fit.Assign[i]] += v.Monetary
		sizes[fit.Assign[i]]++
	}
	order := make([]int, km.K)
	for c := range order {
		order[c] = c
		if sizes[c] > 0 {
			means[c] /= float64(sizes[c])
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return means[order[i]] > means[order[j]] })
	rank := make([]int, km.K)
	for r, c := range order {
		rank[c] = r
	}

	out := make([]model.SegmentAssignment, len(vs))
	for i, v := range vs {
		r := rank[fit.Assign[i]]
		out[i] = model.SegmentAssignment{
			CustomerID: v.CustomerID,
			Cluster:    int32(r),
			Label:      SegmentLabel(r),
			Recency:    v.RecencyDays,
			Frequency:  v.Frequency,
			Monetary:   v.Monetary,
		}
	}

	metrics := model.ModelMetrics{
		Model:     SegmentationModel,
		Algorithm: "kmeans",
		Samples:   int64(len(vs)),
		Metrics: []model.MetricValue{
			{Name: "clusters", Value: float64(km.K)},
			{Name: "inertia", Value: fit.Inertia},
			{Name: "silhouette", Value: Silhouette(x, fit.Assign, km.K)},
		},
	}
	return out, metrics, nil
}

// SegmentLabel names the cluster of the given monetary rank. rank must be
// below len(model.SegmentLabels).
func SegmentLabel(rank int) string {
	return model.SegmentLabels[rank]
}
