// Package pop implements the popularity baseline: items score by their
// training interaction counts. It has no learnable parameters and needs
// a single counting pass over the data.
package pop

import (
	"fmt"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// Pop counts item occurrences and serves normalized counts as scores.
type Pop struct {
	counts []float64
	max    float64
}

// New builds a popularity model over itemCount inner ids, sentinel
// included.
func New(itemCount int) *Pop {
	return &Pop{counts: make([]float64, itemCount)}
}

func (m *Pop) Name() string { return "pop" }

// CalculateLoss counts the batch's items. There is nothing to optimize,
// so the reported loss is always zero.
func (m *Pop) CalculateLoss(batch *interaction.Batch) (model.Loss, error) {
	items := batch.Ints(interaction.FieldItem)
	if items == nil {
		return model.Loss{}, fmt.Errorf("batch is missing the item field")
	}
	for _, item := range items {
		m.counts[item]++
		if m.counts[item] > m.max {
			m.max = m.counts[item]
		}
	}
	return model.SingleLoss("count", 0), nil
}

func (m *Pop) scoreItem(item int64) float64 {
	if m.max == 0 {
		return 0
	}
	return m.counts[item] / m.max
}

// Predict scores each row by its item's normalized count.
func (m *Pop) Predict(batch *interaction.Batch) ([]float64, error) {
	items := batch.Ints(interaction.FieldItem)
	if items == nil {
		return nil, fmt.Errorf("batch is missing the item field")
	}
	scores := make([]float64, batch.Len())
	for i := range scores {
		scores[i] = m.scoreItem(items[i])
	}
	return scores, nil
}

// FullSortPredict repeats the popularity row for every user.
func (m *Pop) FullSortPredict(batch *interaction.Batch) ([]float64, error) {
	users := batch.Ints(interaction.FieldUser)
	if users == nil {
		return nil, fmt.Errorf("batch is missing the user field")
	}
	scores := make([]float64, 0, len(users)*len(m.counts))
	for range users {
		for item := range m.counts {
			scores = append(scores, m.scoreItem(int64(item)))
		}
	}
	return scores, nil
}

// Parameters is empty; nothing here trains by gradient.
func (m *Pop) Parameters() []*model.Parameter {
	return nil
}

func (m *Pop) StateDict() model.State {
	return model.State{"counts": append([]float64(nil), m.counts...)}
}

func (m *Pop) LoadStateDict(st model.State) error {
	counts, ok := st["counts"]
	if !ok {
		return fmt.Errorf("state has no counts")
	}
	if len(counts) != len(m.counts) {
		return fmt.Errorf("state has %d items, want %d", len(counts), len(m.counts))
	}
	copy(m.counts, counts)
	m.max = 0
	for _, c := range m.counts {
		if c > m.max {
			m.max = c
		}
	}
	return nil
}
