package trainer

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// PopularityStrata buckets items by training-data popularity. Bucket i
// covers (threshold[i-1], threshold[i]], the upper bound inclusive; the
// last bucket is open-ended.
type PopularityStrata struct {
	thresholds []float64
}

// NewPopularityStrata derives classes-1 cut points from the popularity
// table at evenly spaced positions of its sorted order. Index 0 of the
// table is the sentinel item and is excluded.
func NewPopularityStrata(popularity []float64, classes int) (*PopularityStrata, error) {
	if classes <= 0 {
		return nil, fmt.Errorf("popularity classes must be positive, got %d", classes)
	}
	if len(popularity) <= 1 {
		return nil, fmt.Errorf("popularity table is empty")
	}
	sorted := make([]float64, len(popularity)-1)
	copy(sorted, popularity[1:])
	sort.Float64s(sorted)

	thresholds := make([]float64, 0, classes-1)
	for i := 1; i < classes; i++ {
		thresholds = append(thresholds, sorted[i*len(sorted)/classes])
	}
	return &PopularityStrata{thresholds: thresholds}, nil
}

// Thresholds returns the bucket cut points, one fewer than the number
// of buckets.
func (s *PopularityStrata) Thresholds() []float64 {
	return s.thresholds
}

// Classes returns the number of buckets.
func (s *PopularityStrata) Classes() int {
	return len(s.thresholds) + 1
}

// Class assigns a popularity value to its bucket. A value exactly at a
// cut point falls in the lower bucket.
func (s *PopularityStrata) Class(pop float64) int {
	for i, bound := range s.thresholds {
		if pop <= bound {
			return i
		}
	}
	return len(s.thresholds)
}

// PopularityReport is the per-bucket breakdown of one evaluation pass:
// how often each bucket's items were recommended, how often a
// recommendation was a held-out positive, and the mean score of those
// hits.
type PopularityReport struct {
	Thresholds []float64
	RecCounts  []int
	HitCounts  []int
	MeanScores []float64

	scoreSums []float64
}

// NewPopularityReport builds an empty report over the given strata.
func NewPopularityReport(strata *PopularityStrata) *PopularityReport {
	n := strata.Classes()
	return &PopularityReport{
		Thresholds: strata.Thresholds(),
		RecCounts:  make([]int, n),
		HitCounts:  make([]int, n),
		MeanScores: make([]float64, n),
		scoreSums:  make([]float64, n),
	}
}

// CollectUser records one user's top-K recommendation list. items and
// scores are aligned in descending score order; posItems are the user's
// held-out positives.
func (r *PopularityReport) CollectUser(strata *PopularityStrata, popularity []float64, items []int64, scores []float64, posItems []int64) {
	pos := make(map[int64]struct{}, len(posItems))
	for _, it := range posItems {
		pos[it] = struct{}{}
	}
	for i, item := range items {
		class := strata.Class(popularity[item])
		r.RecCounts[class]++
		if _, ok := pos[item]; ok {
			r.HitCounts[class]++
			r.scoreSums[class] += scores[i]
		}
	}
}

// Finalize computes per-bucket mean hit scores. Buckets without hits
// stay at zero.
func (r *PopularityReport) Finalize() {
	for i, hits := range r.HitCounts {
		if hits > 0 {
			r.MeanScores[i] = r.scoreSums[i] / float64(hits)
		}
	}
}

// TopK returns the indices of the k largest scores in descending score
// order. Ties break toward the lower index.
func TopK(scores []float64, k int) []int64 {
	idx := make([]int64, len(scores))
	for i := range idx {
		idx[i] = int64(i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// WriteRecList writes recommendation lists as tab-separated
// (user, item, rank) lines, ranks 1-indexed, one list per user in the
// given order. Names are rendered through the two lookup functions.
func WriteRecList(w io.Writer, users []int64, recs [][]int64, userName, itemName func(int64) string) error {
	bw := bufio.NewWriter(w)
	for i, u := range users {
		for rank, item := range recs[i] {
			if _, err := fmt.Fprintf(bw, "%s\t%s\t%d\n", userName(u), itemName(item), rank+1); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
