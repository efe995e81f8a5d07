package trainer

import (
	"math"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// stubModel is a one-parameter model whose losses are scripted per
// call. It lets the trainer tests drive exact loss sequences, including
// NaN injection, without real gradients.
type stubModel struct {
	name   string
	w      *model.Parameter
	losses []float64
	calls  int
}

func newStubModel(name string, losses ...float64) *stubModel {
	w := model.NewParameter("w", 1, 1)
	w.Data[0] = 1.0
	return &stubModel{name: name, w: w, losses: losses}
}

func (m *stubModel) Name() string { return m.name }

func (m *stubModel) CalculateLoss(batch *interaction.Batch) (model.Loss, error) {
	value := 1.0
	if len(m.losses) > 0 {
		idx := m.calls
		if idx >= len(m.losses) {
			idx = len(m.losses) - 1
		}
		value = m.losses[idx]
	}
	m.calls++
	m.w.Grad[0] += 0.1
	return model.SingleLoss("loss", value), nil
}

func (m *stubModel) Predict(batch *interaction.Batch) ([]float64, error) {
	scores := make([]float64, batch.Len())
	users := batch.Ints(interaction.FieldUser)
	for i := range scores {
		scores[i] = m.w.Data[0] * float64(users[i])
	}
	return scores, nil
}

func (m *stubModel) Parameters() []*model.Parameter {
	return []*model.Parameter{m.w}
}

func (m *stubModel) StateDict() model.State {
	return model.SnapshotParameters(m.Parameters())
}

func (m *stubModel) LoadStateDict(st model.State) error {
	return model.RestoreParameters(m.Parameters(), st)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}
