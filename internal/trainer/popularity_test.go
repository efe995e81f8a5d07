package trainer

import (
	"fmt"
	"strings"
	"testing"
)

func TestPopularityThresholds(t *testing.T) {
	// Sentinel plus nine items; cut points land at sorted indices 3
	// and 6 for three classes.
	popularity := []float64{0, 9, 1, 8, 2, 7, 3, 6, 4, 5}
	strata, err := NewPopularityStrata(popularity, 3)
	if err != nil {
		t.Fatal(err)
	}
	got := strata.Thresholds()
	if len(got) != 2 || got[0] != 4 || got[1] != 7 {
		t.Errorf("thresholds = %v, want [4 7]", got)
	}
}

func TestPopularityClassBoundaryIsInclusive(t *testing.T) {
	popularity := []float64{0, 9, 1, 8, 2, 7, 3, 6, 4, 5}
	strata, err := NewPopularityStrata(popularity, 3)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		pop  float64
		want int
	}{
		{1, 0},
		{4, 0}, // exactly at the first cut point stays low
		{4.5, 1},
		{7, 1}, // exactly at the second cut point stays in the middle
		{7.5, 2},
		{9, 2},
	}
	for _, c := range cases {
		if got := strata.Class(c.pop); got != c.want {
			t.Errorf("Class(%v) = %d, want %d", c.pop, got, c.want)
		}
	}
}

func TestPopularityStrataRejectsBadInput(t *testing.T) {
	if _, err := NewPopularityStrata([]float64{0, 1, 2}, 0); err == nil {
		t.Error("expected an error for zero classes")
	}
	if _, err := NewPopularityStrata([]float64{0}, 3); err == nil {
		t.Error("expected an error for an empty table")
	}
}

func TestPopularityReport(t *testing.T) {
	popularity := []float64{0, 1, 2, 5, 9}
	strata, err := NewPopularityStrata(popularity, 2)
	if err != nil {
		t.Fatal(err)
	}

	report := NewPopularityReport(strata)
	// Recommended items 1 (unpopular) and 4 (popular); item 4 is a
	// held-out positive.
	report.CollectUser(strata, popularity, []int64{4, 1}, []float64{0.9, 0.3}, []int64{4})
	// Second user: both recommendations unpopular, one hit.
	report.CollectUser(strata, popularity, []int64{1, 2}, []float64{0.8, 0.6}, []int64{2})
	report.Finalize()

	if report.RecCounts[0] != 3 || report.RecCounts[1] != 1 {
		t.Errorf("RecCounts = %v, want [3 1]", report.RecCounts)
	}
	if report.HitCounts[0] != 1 || report.HitCounts[1] != 1 {
		t.Errorf("HitCounts = %v, want [1 1]", report.HitCounts)
	}
	if !almostEqual(report.MeanScores[0], 0.6) || !almostEqual(report.MeanScores[1], 0.9) {
		t.Errorf("MeanScores = %v, want [0.6 0.9]", report.MeanScores)
	}
}

func TestPopularityReportEmptyBucketStaysZero(t *testing.T) {
	strata, err := NewPopularityStrata([]float64{0, 1, 2, 3, 4}, 2)
	if err != nil {
		t.Fatal(err)
	}
	report := NewPopularityReport(strata)
	report.Finalize()
	for i, mean := range report.MeanScores {
		if mean != 0 {
			t.Errorf("MeanScores[%d] = %v, want 0", i, mean)
		}
	}
}

func TestTopK(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.5, 0.9, 0.2}
	got := TopK(scores, 3)
	want := []int64{1, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("TopK = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TopK = %v, want %v", got, want)
			break
		}
	}

	if got := TopK(scores, 10); len(got) != len(scores) {
		t.Errorf("oversized k returned %d items", len(got))
	}
}

func TestWriteRecList(t *testing.T) {
	var sb strings.Builder
	users := []int64{1, 2}
	recs := [][]int64{{3, 1}, {2}}
	name := func(prefix string) func(int64) string {
		return func(id int64) string { return fmt.Sprintf("%s%d", prefix, id) }
	}
	if err := WriteRecList(&sb, users, recs, name("u"), name("i")); err != nil {
		t.Fatalf("WriteRecList: %v", err)
	}
	want := "u1\ti3\t1\nu1\ti1\t2\nu2\ti2\t1\n"
	if sb.String() != want {
		t.Errorf("output = %q, want %q", sb.String(), want)
	}
}
