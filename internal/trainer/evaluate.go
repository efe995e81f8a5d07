package trainer

import (
	"fmt"
	"math"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/dataset"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// EvalOptions controls one Evaluate run.
type EvalOptions struct {
	// LoadBest restores model weights from a checkpoint before scoring.
	LoadBest bool

	// ModelFile overrides the checkpoint to load; empty means the
	// trainer's own run file.
	ModelFile string

	// Collector overrides the trainer's collector factory for this
	// pass, e.g. to swap in a ranking collector for a full-sort run.
	Collector func() Collector
}

// Evaluate scores the held-out data and reduces it to named metrics. A
// nil or empty loader yields no result and no error.
func (t *Trainer) Evaluate(eval *dataset.EvalLoader, opts EvalOptions) (map[string]float64, error) {
	if eval.Len() == 0 {
		return nil, nil
	}
	if opts.LoadBest {
		file := opts.ModelFile
		if file == "" {
			file = t.savedFile
		}
		if err := LoadModelState(t.logger, file, t.model); err != nil {
			return nil, err
		}
	}

	newCollector := t.newCollector
	if opts.Collector != nil {
		newCollector = opts.Collector
	}
	collector := newCollector()
	switch eval.Mode() {
	case dataset.Pointwise:
		if err := t.evalPointwise(eval, collector); err != nil {
			return nil, err
		}
	case dataset.FullSort:
		if err := t.evalFullSort(eval, collector); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown evaluation mode %d", eval.Mode())
	}
	return collector.EvaluateAll(), nil
}

func (t *Trainer) evalPointwise(eval *dataset.EvalLoader, collector Collector) error {
	for _, batch := range eval.Batches() {
		scores, err := t.splitPredict(batch)
		if err != nil {
			return err
		}
		if len(scores) != batch.Len() {
			return fmt.Errorf("model returned %d scores for %d rows", len(scores), batch.Len())
		}
		collector.Collect(scores, batch.Floats(interaction.FieldLabel), batch.Floats(interaction.FieldPop))
	}
	return nil
}

// splitPredict scores a batch, splitting it into eval_batch_size
// sub-batches when it is too large and concatenating the results in
// the original row order.
func (t *Trainer) splitPredict(batch *interaction.Batch) ([]float64, error) {
	limit := t.cfg.EvalBatchSize
	if batch.Len() <= limit {
		return t.model.Predict(batch)
	}
	scores := make([]float64, 0, batch.Len())
	for lo := 0; lo < batch.Len(); lo += limit {
		hi := lo + limit
		if hi > batch.Len() {
			hi = batch.Len()
		}
		sub, err := batch.Slice(lo, hi)
		if err != nil {
			return nil, err
		}
		part, err := t.model.Predict(sub)
		if err != nil {
			return nil, err
		}
		scores = append(scores, part...)
	}
	return scores, nil
}

func (t *Trainer) evalFullSort(eval *dataset.EvalLoader, collector Collector) error {
	items := eval.ItemCount()
	fullSort, canFullSort := t.model.(model.FullSortPredictor)
	for _, fb := range eval.FullBatches() {
		var scores []float64
		var err error
		if canFullSort {
			scores, err = fullSort.FullSortPredict(fb.Interaction)
		} else {
			scores, err = t.tiledPredict(fb.Interaction, items)
		}
		if err != nil {
			return err
		}
		if len(scores) != len(fb.Users)*items {
			return fmt.Errorf("full ranking returned %d scores for %d users x %d items",
				len(scores), len(fb.Users), items)
		}

		maskScores(scores, items, fb.HistoryRows, fb.HistoryCols)
		applySwaps(scores, items, fb.SwapsA)
		applySwaps(scores, items, fb.SwapsB)

		for row := range fb.Users {
			collector.CollectRanked(scores[row*items:(row+1)*items], fb.PosItems[row])
		}
	}
	return nil
}

// tiledPredict emulates full ranking with a pointwise model: every user
// row is repeated once per candidate item and scored flat.
func (t *Trainer) tiledPredict(users *interaction.Batch, items int) ([]float64, error) {
	tiled, err := users.RepeatInterleave(items)
	if err != nil {
		return nil, err
	}
	itemCol := make([]int64, tiled.Len())
	for i := range itemCol {
		itemCol[i] = int64(i % items)
	}
	tiled, err = tiled.WithInts(interaction.FieldItem, itemCol)
	if err != nil {
		return nil, err
	}
	return t.model.Predict(tiled)
}

// maskScores pushes the sentinel column and every training-history
// position to negative infinity so they never rank.
func maskScores(scores []float64, items int, historyRows []int, historyCols []int64) {
	rows := len(scores) / items
	for row := 0; row < rows; row++ {
		scores[row*items] = math.Inf(-1)
	}
	for i, row := range historyRows {
		scores[row*items+int(historyCols[i])] = math.Inf(-1)
	}
}

// applySwaps applies one correction list against a snapshot of the
// scores taken before the list runs, so swaps within a list never
// observe each other's writes.
func applySwaps(scores []float64, items int, swaps []dataset.Swap) {
	if len(swaps) == 0 {
		return
	}
	snapshot := make([]float64, len(scores))
	copy(snapshot, scores)
	for _, s := range swaps {
		scores[s.Row*items+int(s.After)] = snapshot[s.Row*items+int(s.Before)]
	}
}
