// Package mf implements biased matrix factorization trained on squared
// error.
package mf

import (
	"fmt"
	"math/rand"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// MF factorizes the rating matrix into user and item embeddings plus
// bias terms. Row 0 of every table is the sentinel and never trains.
type MF struct {
	dim int

	userEmb  *model.Parameter
	itemEmb  *model.Parameter
	userBias *model.Parameter
	itemBias *model.Parameter
	global   *model.Parameter
}

// New builds an MF model over userCount x itemCount inner ids
// (sentinel included). Embeddings start at small centered uniforms.
func New(userCount, itemCount, dim int, rng *rand.Rand) *MF {
	m := &MF{
		dim:      dim,
		userEmb:  model.NewSparseParameter("user_emb", userCount, dim),
		itemEmb:  model.NewSparseParameter("item_emb", itemCount, dim),
		userBias: model.NewSparseParameter("user_bias", userCount, 1),
		itemBias: model.NewSparseParameter("item_bias", itemCount, 1),
		global:   model.NewParameter("global_bias", 1, 1),
	}
	initUniform(m.userEmb, dim, rng)
	initUniform(m.itemEmb, dim, rng)
	return m
}

func initUniform(p *model.Parameter, dim int, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64() - 0.5) / float64(dim)
	}
}

func (m *MF) Name() string { return "mf" }

func (m *MF) score(user, item int64) float64 {
	u := m.userEmb.Row(int(user))
	v := m.itemEmb.Row(int(item))
	s := m.global.Data[0] + m.userBias.Data[user] + m.itemBias.Data[item]
	for d := 0; d < m.dim; d++ {
		s += u[d] * v[d]
	}
	return s
}

// CalculateLoss computes mean squared error over the batch and
// accumulates its gradients.
func (m *MF) CalculateLoss(batch *interaction.Batch) (model.Loss, error) {
	users := batch.Ints(interaction.FieldUser)
	items := batch.Ints(interaction.FieldItem)
	labels := batch.Floats(interaction.FieldLabel)
	if users == nil || items == nil || labels == nil {
		return model.Loss{}, fmt.Errorf("batch is missing user, item or label fields")
	}

	n := float64(batch.Len())
	var total float64
	for i := range users {
		user, item := users[i], items[i]
		e := m.score(user, item) - labels[i]
		total += e * e

		g := 2 * e / n
		u := m.userEmb.Row(int(user))
		v := m.itemEmb.Row(int(item))
		gu := m.userEmb.GradRow(int(user))
		gv := m.itemEmb.GradRow(int(item))
		for d := 0; d < m.dim; d++ {
			gu[d] += g * v[d]
			gv[d] += g * u[d]
		}
		m.userBias.GradRow(int(user))[0] += g
		m.itemBias.GradRow(int(item))[0] += g
		m.global.Grad[0] += g
	}
	return model.SingleLoss("mse", total/n), nil
}

// Predict scores each (user, item) row.
func (m *MF) Predict(batch *interaction.Batch) ([]float64, error) {
	users := batch.Ints(interaction.FieldUser)
	items := batch.Ints(interaction.FieldItem)
	if users == nil || items == nil {
		return nil, fmt.Errorf("batch is missing user or item fields")
	}
	scores := make([]float64, batch.Len())
	for i := range scores {
		scores[i] = m.score(users[i], items[i])
	}
	return scores, nil
}

// FullSortPredict scores every candidate item for each user row,
// returning a row-major users x items matrix.
func (m *MF) FullSortPredict(batch *interaction.Batch) ([]float64, error) {
	users := batch.Ints(interaction.FieldUser)
	if users == nil {
		return nil, fmt.Errorf("batch is missing the user field")
	}
	items := m.itemEmb.Rows
	scores := make([]float64, 0, len(users)*items)
	for _, user := range users {
		for item := 0; item < items; item++ {
			scores = append(scores, m.score(user, int64(item)))
		}
	}
	return scores, nil
}

func (m *MF) Parameters() []*model.Parameter {
	return []*model.Parameter{m.userEmb, m.itemEmb, m.userBias, m.itemBias, m.global}
}

func (m *MF) StateDict() model.State {
	return model.SnapshotParameters(m.Parameters())
}

func (m *MF) LoadStateDict(st model.State) error {
	return model.RestoreParameters(m.Parameters(), st)
}
