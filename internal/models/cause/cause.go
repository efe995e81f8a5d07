// Package cause implements the CausE recommender: matrix factorization
// with separate control and treatment item embeddings tied together by
// a discrepancy regularizer. Rows observed under uniform exposure carry
// a treatment flag and train the treatment table; everything else
// trains the control table.
package cause

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// CausE holds one user table and a doubled item table: rows
// [0, itemCount) are control embeddings, rows [itemCount, 2*itemCount)
// are treatment embeddings for the same items.
type CausE struct {
	dim       int
	itemCount int
	cfPen     float64
	stage     string

	userEmb *model.Parameter
	itemEmb *model.Parameter
}

// New builds a CausE model. cfPen weighs the counterfactual
// discrepancy regularizer; stage may be empty, which trains as plain
// finetuning.
func New(userCount, itemCount, dim int, cfPen float64, stage string, rng *rand.Rand) *CausE {
	if stage == "" {
		stage = model.StageFinetune
	}
	m := &CausE{
		dim:       dim,
		itemCount: itemCount,
		cfPen:     cfPen,
		stage:     stage,
		userEmb:   model.NewSparseParameter("user_emb", userCount, dim),
		itemEmb:   model.NewSparseParameter("item_emb", 2*itemCount, dim),
	}
	for _, p := range []*model.Parameter{m.userEmb, m.itemEmb} {
		for i := range p.Data {
			p.Data[i] = (rng.Float64() - 0.5) / float64(dim)
		}
	}
	return m
}

func (m *CausE) Name() string { return "cause" }

// TrainStage reports the configured stage for staged fitting.
func (m *CausE) TrainStage() string { return m.stage }

// itemRow maps an item to its embedding row: treatment rows live in the
// upper half of the table.
func (m *CausE) itemRow(item, treatment int64) int {
	if treatment != 0 {
		return int(item) + m.itemCount
	}
	return int(item)
}

func (m *CausE) score(user int64, row int) float64 {
	u := m.userEmb.Row(int(user))
	v := m.itemEmb.Row(row)
	var s float64
	for d := 0; d < m.dim; d++ {
		s += u[d] * v[d]
	}
	return s
}

// CalculateLoss computes squared error against the exposure-specific
// embedding plus the discrepancy penalty that pulls each control
// embedding toward its treatment counterpart. The penalty's gradient
// lands on the control side only, so the sparse uniform-exposure signal
// stays an anchor.
func (m *CausE) CalculateLoss(batch *interaction.Batch) (model.Loss, error) {
	users := batch.Ints(interaction.FieldUser)
	items := batch.Ints(interaction.FieldItem)
	treatment := batch.Ints(interaction.FieldTreatment)
	labels := batch.Floats(interaction.FieldLabel)
	if users == nil || items == nil || treatment == nil || labels == nil {
		return model.Loss{}, fmt.Errorf("batch is missing user, item, treatment or label fields")
	}

	n := float64(batch.Len())
	var mse, discrepancy float64
	for i := range users {
		user := users[i]
		row := m.itemRow(items[i], treatment[i])
		e := m.score(user, row) - labels[i]
		mse += e * e

		g := 2 * e / n
		u := m.userEmb.Row(int(user))
		v := m.itemEmb.Row(row)
		gu := m.userEmb.GradRow(int(user))
		gv := m.itemEmb.GradRow(row)
		for d := 0; d < m.dim; d++ {
			gu[d] += g * v[d]
			gv[d] += g * u[d]
		}

		control := int(items[i])
		treat := control + m.itemCount
		cv := m.itemEmb.Row(control)
		tv := m.itemEmb.Row(treat)
		gc := m.itemEmb.GradRow(control)
		for d := 0; d < m.dim; d++ {
			diff := cv[d] - tv[d]
			discrepancy += math.Abs(diff)
			gc[d] += m.cfPen / n * sign(diff)
		}
	}

	return model.Loss{Parts: []model.LossPart{
		{Label: "mse", Value: mse / n},
		{Label: "discrepancy", Value: m.cfPen * discrepancy / n},
	}}, nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Predict scores against the control embeddings; deployment serves the
// organic exposure regime.
func (m *CausE) Predict(batch *interaction.Batch) ([]float64, error) {
	users := batch.Ints(interaction.FieldUser)
	items := batch.Ints(interaction.FieldItem)
	if users == nil || items == nil {
		return nil, fmt.Errorf("batch is missing user or item fields")
	}
	scores := make([]float64, batch.Len())
	for i := range scores {
		scores[i] = m.score(users[i], m.itemRow(items[i], 0))
	}
	return scores, nil
}

// FullSortPredict scores every control item for each user row.
func (m *CausE) FullSortPredict(batch *interaction.Batch) ([]float64, error) {
	users := batch.Ints(interaction.FieldUser)
	if users == nil {
		return nil, fmt.Errorf("batch is missing the user field")
	}
	scores := make([]float64, 0, len(users)*m.itemCount)
	for _, user := range users {
		for item := 0; item < m.itemCount; item++ {
			scores = append(scores, m.score(user, item))
		}
	}
	return scores, nil
}

func (m *CausE) Parameters() []*model.Parameter {
	return []*model.Parameter{m.userEmb, m.itemEmb}
}

func (m *CausE) StateDict() model.State {
	return model.SnapshotParameters(m.Parameters())
}

func (m *CausE) LoadStateDict(st model.State) error {
	return model.RestoreParameters(m.Parameters(), st)
}
