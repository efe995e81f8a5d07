package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/evaluator"
	"github.com/cnclabs/recbias/internal/models/mf"
	"github.com/cnclabs/recbias/internal/trainer"
)

// writeInteractions emits rows distinct (user, item) pairs so a pair
// landing in the test split can never also sit in a user's training
// history.
func writeInteractions(t *testing.T, rows int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < rows; i++ {
		label := i % 2
		fmt.Fprintf(&sb, "u%d i%d %d\n", i%10+1, i/10+1, label)
	}
	path := filepath.Join(t.TempDir(), "ratings.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TrainPath = writeInteractions(t, 60)
	cfg.CheckpointDir = t.TempDir()
	cfg.Epochs = 3
	cfg.StoppingStep = 5
	cfg.TrainBatchSize = 8
	cfg.EmbeddingDim = 4
	cfg.PopClasses = 2
	cfg.TopK = 3
	return &cfg
}

func TestLoadSplitsData(t *testing.T) {
	cfg := smallConfig(t)
	data, err := Load(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if data.Train.Len() != 48 {
		t.Errorf("train rows = %d, want 48", data.Train.Len())
	}
	if data.Valid.Len() != 6 {
		t.Errorf("valid rows = %d, want 6", data.Valid.Len())
	}
	if len(data.TestRatings) != 6 {
		t.Errorf("test rows = %d, want 6", len(data.TestRatings))
	}
}

func TestLoadStatsComeFromTrainSplit(t *testing.T) {
	cfg := smallConfig(t)
	data, err := Load(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A held-out positive must stay rankable: its (user, item) pair is
	// not in the masking history.
	for _, r := range data.TestRatings {
		for _, item := range data.Dataset.History(r.User) {
			if item == r.Item {
				t.Errorf("held-out item %d is in user %d's history mask", r.Item, r.User)
			}
		}
	}

	var total float64
	for _, p := range data.Dataset.Popularity() {
		total += p
	}
	if total != 48 {
		t.Errorf("popularity counts sum to %.0f, want the 48 train rows", total)
	}
}

func TestLoadRequiresTrainPath(t *testing.T) {
	cfg := config.Default()
	if _, err := Load(&cfg, zap.NewNop()); err == nil {
		t.Error("expected an error without a train path")
	}
}

func TestRunEndToEnd(t *testing.T) {
	cfg := smallConfig(t)
	logger := zap.NewNop()
	data, err := Load(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}

	m := mf.New(data.Dataset.UserCount(), data.Dataset.ItemCount(), cfg.EmbeddingDim, data.RNG)
	tr, err := trainer.New(logger, cfg, m, data.Train, func() trainer.Collector {
		return evaluator.NewPointwise()
	})
	if err != nil {
		t.Fatal(err)
	}

	recPath := filepath.Join(t.TempDir(), "rec.tsv")
	if err := Run(logger, cfg, tr, data, recPath); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(tr.SavedFile()); err != nil {
		t.Errorf("no checkpoint written: %v", err)
	}
	raw, err := os.ReadFile(recPath)
	if err != nil {
		t.Fatalf("no rec list written: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	first := strings.Split(lines[0], "\t")
	if len(first) != 3 {
		t.Fatalf("rec list line = %q, want user<TAB>item<TAB>rank", lines[0])
	}
	if first[2] != "1" {
		t.Errorf("first rank = %s, want 1", first[2])
	}
	if !strings.HasPrefix(first[0], "u") || !strings.HasPrefix(first[1], "i") {
		t.Errorf("rec list should use original names: %q", lines[0])
	}
}
