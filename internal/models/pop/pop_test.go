package pop

import (
	"testing"

	"github.com/cnclabs/recbias/pkg/interaction"
)

func countBatch(t *testing.T, items []int64) *interaction.Batch {
	t.Helper()
	users := make([]int64, len(items))
	for i := range users {
		users[i] = 1
	}
	b, err := interaction.New(nil, map[string][]int64{
		interaction.FieldUser: users,
		interaction.FieldItem: items,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCountsNormalize(t *testing.T) {
	m := New(4)
	if _, err := m.CalculateLoss(countBatch(t, []int64{1, 1, 2})); err != nil {
		t.Fatal(err)
	}

	scores, err := m.Predict(countBatch(t, []int64{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 0.5, 0}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores = %v, want %v", scores, want)
			break
		}
	}
}

func TestFullSortRepeatsPopularityRow(t *testing.T) {
	m := New(3)
	if _, err := m.CalculateLoss(countBatch(t, []int64{2})); err != nil {
		t.Fatal(err)
	}
	users, err := interaction.New(nil, map[string][]int64{interaction.FieldUser: {1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	scores, err := m.FullSortPredict(users)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 6 {
		t.Fatalf("len = %d, want 6", len(scores))
	}
	if scores[2] != 1 || scores[5] != 1 {
		t.Errorf("item 2 should score 1 for both users: %v", scores)
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	m := New(3)
	if _, err := m.CalculateLoss(countBatch(t, []int64{1, 2, 2})); err != nil {
		t.Fatal(err)
	}
	st := m.StateDict()

	other := New(3)
	if err := other.LoadStateDict(st); err != nil {
		t.Fatal(err)
	}
	if other.counts[2] != 2 || other.max != 2 {
		t.Errorf("counts not restored: %v max %v", other.counts, other.max)
	}

	if err := other.LoadStateDict(map[string][]float64{"counts": {1}}); err == nil {
		t.Error("expected an error for a mismatched item space")
	}
}

func TestNoParameters(t *testing.T) {
	if got := New(3).Parameters(); len(got) != 0 {
		t.Errorf("Parameters = %v, want none", got)
	}
}
