// Package evaluator turns collected predictions into metric values.
// PointwiseCollector serves rating prediction, TopKCollector serves
// full ranking; both satisfy the trainer's Collector contract.
package evaluator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/recbias/internal/trainer"
)

var (
	_ trainer.Collector = (*PointwiseCollector)(nil)
	_ trainer.Collector = (*TopKCollector)(nil)
)

// PointwiseCollector accumulates (score, label) pairs and reduces them
// to rating-prediction and classification metrics.
type PointwiseCollector struct {
	scores []float64
	labels []float64
}

// NewPointwise returns an empty pointwise collector.
func NewPointwise() *PointwiseCollector {
	return &PointwiseCollector{}
}

func (c *PointwiseCollector) Collect(scores, labels, popularity []float64) {
	c.scores = append(c.scores, scores...)
	c.labels = append(c.labels, labels...)
}

// CollectRanked is a no-op; ranked rows belong to TopKCollector.
func (c *PointwiseCollector) CollectRanked(scores []float64, posItems []int64) {}

// EvaluateAll computes mse, rmse, logloss and auc over everything
// collected. Labels above zero count as positives for the
// classification metrics.
func (c *PointwiseCollector) EvaluateAll() map[string]float64 {
	n := len(c.scores)
	if n == 0 {
		return map[string]float64{}
	}
	sq := make([]float64, n)
	for i := range sq {
		d := c.scores[i] - c.labels[i]
		sq[i] = d * d
	}
	mse := floats.Sum(sq) / float64(n)

	return map[string]float64{
		"mse":     mse,
		"rmse":    math.Sqrt(mse),
		"logloss": logLoss(c.scores, c.labels),
		"auc":     AUC(c.scores, c.labels),
	}
}

// logLoss squashes raw scores through a sigmoid and computes binary
// cross entropy, clamping probabilities away from 0 and 1.
func logLoss(scores, labels []float64) float64 {
	const eps = 1e-15
	var sum float64
	for i, s := range scores {
		p := sigmoid(s)
		if p < eps {
			p = eps
		}
		if p > 1-eps {
			p = 1 - eps
		}
		if labels[i] > 0 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(scores))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// AUC is the probability a random positive outscores a random negative,
// computed from tie-averaged ranks. Degenerate inputs with a single
// class return 0.5.
func AUC(scores, labels []float64) float64 {
	n := len(scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}

	var posRankSum float64
	var pos int
	for i, label := range labels {
		if label > 0 {
			posRankSum += ranks[i]
			pos++
		}
	}
	neg := n - pos
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (posRankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
}

// TopKCollector accumulates one ranked candidate row per user and
// reduces them to hit, recall and ndcg at a fixed cutoff.
type TopKCollector struct {
	k     int
	hits  float64
	rec   float64
	ndcg  float64
	users int

	// Recommended lists in collection order, for export and
	// popularity stratification.
	Recs   [][]int64
	Scores [][]float64
	Pos    [][]int64
}

// NewTopK returns a collector with the given cutoff.
func NewTopK(k int) *TopKCollector {
	return &TopKCollector{k: k}
}

// Collect is a no-op; pointwise rows belong to PointwiseCollector.
func (c *TopKCollector) Collect(scores, labels, popularity []float64) {}

func (c *TopKCollector) CollectRanked(scores []float64, posItems []int64) {
	top := trainer.TopK(scores, c.k)
	topScores := make([]float64, len(top))
	posSet := make(map[int64]struct{}, len(posItems))
	for _, it := range posItems {
		posSet[it] = struct{}{}
	}

	var hits int
	var dcg float64
	for rank, item := range top {
		topScores[rank] = scores[item]
		if _, ok := posSet[item]; ok {
			hits++
			dcg += 1 / math.Log2(float64(rank)+2)
		}
	}
	var idcg float64
	ideal := len(posItems)
	if ideal > c.k {
		ideal = c.k
	}
	for i := 0; i < ideal; i++ {
		idcg += 1 / math.Log2(float64(i)+2)
	}

	if hits > 0 {
		c.hits++
	}
	if len(posItems) > 0 {
		c.rec += float64(hits) / float64(len(posItems))
	}
	if idcg > 0 {
		c.ndcg += dcg / idcg
	}
	c.users++

	c.Recs = append(c.Recs, top)
	c.Scores = append(c.Scores, topScores)
	c.Pos = append(c.Pos, posItems)
}

// EvaluateAll averages the ranking metrics over collected users.
func (c *TopKCollector) EvaluateAll() map[string]float64 {
	if c.users == 0 {
		return map[string]float64{}
	}
	n := float64(c.users)
	return map[string]float64{
		"hit":    c.hits / n,
		"recall": c.rec / n,
		"ndcg":   c.ndcg / n,
	}
}
