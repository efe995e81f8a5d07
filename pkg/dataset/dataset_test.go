package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/cnclabs/recbias/pkg/interaction"
)

func writeRatings(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratings.txt")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeRatings(t, "u1 i1 5\nu1 i2 3\nu2 i1 4\nbad line\nu2 i3 not-a-number\n")

	ds, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if got := len(ds.Ratings); got != 3 {
		t.Errorf("len(Ratings) = %d, want 3", got)
	}
	// Sentinel occupies id 0 in both spaces.
	if ds.UserCount() != 3 || ds.ItemCount() != 3 {
		t.Errorf("counts = (%d users, %d items), want (3, 3)", ds.UserCount(), ds.ItemCount())
	}
	if ds.UserName(0) != "[PAD]" {
		t.Errorf("UserName(0) = %q, want sentinel", ds.UserName(0))
	}
}

func TestPopularityAndHistory(t *testing.T) {
	path := writeRatings(t, "u1 i1 1\nu2 i1 1\nu1 i2 1\n")
	ds, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	pop := ds.Popularity()
	i1 := ds.ItemHash["i1"]
	i2 := ds.ItemHash["i2"]
	if pop[i1] != 2 || pop[i2] != 1 {
		t.Errorf("popularity = %v, want i1=2 i2=1", pop)
	}

	u1 := ds.UserHash["u1"]
	if got := len(ds.History(u1)); got != 2 {
		t.Errorf("len(History(u1)) = %d, want 2", got)
	}
}

func TestSplitRatios(t *testing.T) {
	ds := New()
	for i := 0; i < 10; i++ {
		ds.Add("u", string(rune('a'+i)), 1)
	}
	ds.Rebuild(ds.Ratings)

	train, valid, test, err := ds.Split(0.8, 0.1, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(train) != 8 || len(valid) != 1 || len(test) != 1 {
		t.Errorf("split sizes = %d/%d/%d, want 8/1/1", len(train), len(valid), len(test))
	}

	if _, _, _, err := ds.Split(0.9, 0.2, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for ratios summing past 1")
	}
}

func TestAliasTableMatchesDistribution(t *testing.T) {
	table := NewAliasTable([]float64{0, 1, 3}, 1.0)
	rng := rand.New(rand.NewSource(7))

	counts := make([]int, 3)
	const draws = 30000
	for i := 0; i < draws; i++ {
		counts[table.Sample(rng)]++
	}
	if counts[0] != 0 {
		t.Errorf("zero-weight index sampled %d times", counts[0])
	}
	ratio := float64(counts[2]) / float64(counts[1])
	if ratio < 2.5 || ratio > 3.5 {
		t.Errorf("sample ratio = %.2f, want ~3", ratio)
	}
}

func TestAliasTableDegeneratesToUniform(t *testing.T) {
	table := NewAliasTable([]float64{0, 0}, 0.75)
	rng := rand.New(rand.NewSource(7))
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		seen[table.Sample(rng)] = true
	}
	if !seen[0] || !seen[1] {
		t.Error("uniform fallback never sampled one of the indices")
	}
}

func TestTrainLoaderRecBatches(t *testing.T) {
	ratings := []Rating{
		{User: 1, Item: 1, Label: 1},
		{User: 1, Item: 2, Label: 0},
		{User: 2, Item: 1, Label: 1},
	}
	l, err := NewTrainLoader(ratings, 2, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	batches, err := l.Batches(StreamRec)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(batches))
	}
	if batches[0].Len() != 2 || batches[1].Len() != 1 {
		t.Errorf("batch sizes = %d, %d, want 2, 1", batches[0].Len(), batches[1].Len())
	}
	total := 0
	for _, b := range batches {
		total += len(b.Ints(interaction.FieldUser))
	}
	if total != 3 {
		t.Errorf("total rows = %d, want 3", total)
	}
}

func TestTrainLoaderKGRequiresGraph(t *testing.T) {
	l, err := NewTrainLoader(nil, 4, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Batches(StreamKG); err == nil {
		t.Error("expected error without a knowledge graph")
	}
}

func TestKGBatchesCarryNegatives(t *testing.T) {
	kg := NewKnowledgeGraph()
	kg.Add("e1", "r1", "e2")
	kg.Add("e2", "r1", "e3")
	kg.Add("e3", "r2", "e1")

	l, err := NewTrainLoader(nil, 2, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	l.SetKnowledgeGraph(kg)

	batches, err := l.Batches(StreamKG)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(batches))
	}
	for _, b := range batches {
		for _, f := range []string{
			interaction.FieldHead, interaction.FieldRelation, interaction.FieldTail,
			interaction.FieldNegHead, interaction.FieldNegTail,
		} {
			if !b.HasField(f) {
				t.Errorf("batch missing field %q", f)
			}
		}
		for _, neg := range b.Ints(interaction.FieldNegTail) {
			if neg <= 0 || neg >= int64(kg.EntityCount()) {
				t.Errorf("negative tail %d out of entity range", neg)
			}
		}
	}
}

func TestNegativeSamplingFollowsEntityFrequency(t *testing.T) {
	kg := NewKnowledgeGraph()
	kg.SeedEntities([]string{"[PAD]", "unseen"})
	for i := 0; i < 9; i++ {
		kg.Add("hub", "r", fmt.Sprintf("t%d", i))
	}
	kg.Add("solo", "r", "t0")

	unseen := kg.EntityHash["unseen"]
	hub := kg.EntityHash["hub"]
	solo := kg.EntityHash["solo"]
	rel := kg.RelationHash["r"]

	rng := rand.New(rand.NewSource(11))
	probe := Triple{Head: solo, Relation: rel, Tail: kg.EntityHash["t0"]}
	counts := map[int64]int{}
	for i := 0; i < 20000; i++ {
		counts[kg.SampleNegativeHead(probe, rng)]++
	}
	if counts[0] > 0 {
		t.Errorf("sentinel sampled %d times", counts[0])
	}
	if counts[unseen] > 0 {
		t.Errorf("entity with no triples sampled %d times", counts[unseen])
	}
	if counts[hub] <= counts[solo] {
		t.Errorf("hub sampled %d times vs solo %d, want frequency-weighted draws",
			counts[hub], counts[solo])
	}

	// Every (hub, r) tail is observed, so only hub and solo remain as
	// candidate corruptions.
	for i := 0; i < 2000; i++ {
		neg := kg.SampleNegativeTail(Triple{Head: hub, Relation: rel, Tail: kg.EntityHash["t0"]}, rng)
		if neg != hub && neg != solo {
			t.Fatalf("negative tail %d is an observed tail for (hub, r)", neg)
		}
	}
}

func TestFullSortEvalGroupsByUser(t *testing.T) {
	path := writeRatings(t, "u1 i1 1\nu1 i2 1\nu2 i1 1\n")
	ds, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	heldOut := []Rating{
		{User: ds.UserHash["u1"], Item: ds.ItemHash["i2"], Label: 1},
		{User: ds.UserHash["u2"], Item: ds.ItemHash["i1"], Label: 1},
	}
	l, err := NewFullSortEval(ds, heldOut, 10)
	if err != nil {
		t.Fatal(err)
	}
	if l.Mode() != FullSort || l.Len() != 2 {
		t.Fatalf("mode/len = %v/%d, want FullSort/2", l.Mode(), l.Len())
	}
	fb := l.FullBatches()[0]
	if len(fb.Users) != 2 {
		t.Fatalf("len(Users) = %d, want 2", len(fb.Users))
	}
	// u1 has two training interactions in its history mask.
	maskForRow0 := 0
	for i, row := range fb.HistoryRows {
		if row == 0 {
			maskForRow0++
			_ = fb.HistoryCols[i]
		}
	}
	if maskForRow0 != 2 {
		t.Errorf("history positions for row 0 = %d, want 2", maskForRow0)
	}
}

func TestApplyColumnRemap(t *testing.T) {
	path := writeRatings(t, "u1 i1 1\nu2 i2 1\n")
	ds, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	heldOut := []Rating{{User: 1, Item: 1, Label: 1}, {User: 2, Item: 2, Label: 1}}
	l, err := NewFullSortEval(ds, heldOut, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.ApplyColumnRemap(0, map[int64]int64{1: 2}); err != nil {
		t.Fatal(err)
	}
	fb := l.FullBatches()[0]
	if len(fb.SwapsA) != 2 {
		t.Fatalf("len(SwapsA) = %d, want one swap per row", len(fb.SwapsA))
	}
	if fb.SwapsA[0].Before != 1 || fb.SwapsA[0].After != 2 {
		t.Errorf("swap = %+v, want Before=1 After=2", fb.SwapsA[0])
	}
	if err := l.ApplyColumnRemap(3, nil); err == nil {
		t.Error("expected error for invalid swap set")
	}
}

func TestLoadFileMergesTreatedInteractions(t *testing.T) {
	path := writeRatings(t, "u1 i1 1\nu2 i2 0\n")
	ds, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	uniform := writeRatings(t, "u1 i2 1\nu3 i1 1\n")
	if err := ds.LoadFile(uniform, 1, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	ds.Rebuild(ds.Ratings)

	if ds.UserCount() != 4 {
		t.Errorf("UserCount = %d, want u1..u3 plus sentinel", ds.UserCount())
	}
	if len(ds.Ratings) != 4 {
		t.Fatalf("ratings = %d, want 4", len(ds.Ratings))
	}
	for i, r := range ds.Ratings {
		wantTreated := i >= 2
		if (r.Treatment == 1) != wantTreated {
			t.Errorf("rating %d treatment = %d", i, r.Treatment)
		}
	}
	// Shared interning: u1 keeps its id across both files.
	if ds.Ratings[2].User != ds.Ratings[0].User {
		t.Errorf("u1 re-interned: %d vs %d", ds.Ratings[2].User, ds.Ratings[0].User)
	}
}
