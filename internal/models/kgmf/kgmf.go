// Package kgmf implements matrix factorization with a translation-based
// knowledge objective. Relations act as translations in the entity
// space (h + r should land near t); an attention weight per relation,
// refreshed between epochs, scales each triple's contribution.
package kgmf

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// KGMF couples a biased factorization of the rating matrix with entity
// and relation embeddings trained on margin ranking loss.
type KGMF struct {
	dim    int
	margin float64

	userEmb *model.Parameter
	itemEmb *model.Parameter
	entEmb  *model.Parameter
	relEmb  *model.Parameter

	// Per-relation weights, recomputed by UpdateAttention.
	attention []float64
}

// New builds a KGMF model over the given id spaces, all sentinel
// inclusive.
func New(userCount, itemCount, entityCount, relationCount, dim int, margin float64, rng *rand.Rand) *KGMF {
	m := &KGMF{
		dim:       dim,
		margin:    margin,
		userEmb:   model.NewSparseParameter("user_emb", userCount, dim),
		itemEmb:   model.NewSparseParameter("item_emb", itemCount, dim),
		entEmb:    model.NewSparseParameter("entity_emb", entityCount, dim),
		relEmb:    model.NewSparseParameter("relation_emb", relationCount, dim),
		attention: make([]float64, relationCount),
	}
	for _, p := range m.Parameters() {
		for i := range p.Data {
			p.Data[i] = (rng.Float64() - 0.5) / float64(dim)
		}
	}
	for r := range m.attention {
		m.attention[r] = 1
	}
	return m
}

func (m *KGMF) Name() string { return "kgmf" }

func (m *KGMF) score(user, item int64) float64 {
	u := m.userEmb.Row(int(user))
	v := m.itemEmb.Row(int(item))
	var s float64
	for d := 0; d < m.dim; d++ {
		s += u[d] * v[d]
	}
	return s
}

// CalculateLoss is the recommendation objective: mean squared error on
// the rating rows.
func (m *KGMF) CalculateLoss(batch *interaction.Batch) (model.Loss, error) {
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
	}
	return model.SingleLoss("mse", total/n), nil
}

// CalculateRSLoss exposes the recommendation objective for multi-task
// schedules.
func (m *KGMF) CalculateRSLoss(batch *interaction.Batch) (model.Loss, error) {
	return m.CalculateLoss(batch)
}

// CalculateKGLoss trains h + r ≈ t with margin ranking against the
// sampled corruptions, each triple weighted by its relation's
// attention.
func (m *KGMF) CalculateKGLoss(batch *interaction.Batch) (model.Loss, error) {
	heads := batch.Ints(interaction.FieldHead)
	relations := batch.Ints(interaction.FieldRelation)
	tails := batch.Ints(interaction.FieldTail)
	negHeads := batch.Ints(interaction.FieldNegHead)
	negTails := batch.Ints(interaction.FieldNegTail)
	if heads == nil || relations == nil || tails == nil || negHeads == nil || negTails == nil {
		return model.Loss{}, fmt.Errorf("batch is missing triple fields")
	}

	n := float64(batch.Len())
	var total float64
	for i := range heads {
		att := m.attention[relations[i]]
		total += att * m.marginStep(heads[i], relations[i], tails[i], heads[i], negTails[i], att/n)
		total += att * m.marginStep(heads[i], relations[i], tails[i], negHeads[i], tails[i], att/n)
	}
	return model.SingleLoss("margin", total/n), nil
}

// marginStep accumulates gradients for one positive/negative pair and
// returns the pair's hinge loss value.
func (m *KGMF) marginStep(h, r, t, nh, nt int64, w float64) float64 {
	pos := m.distance(h, r, t)
	neg := m.distance(nh, r, nt)
	loss := m.margin + pos - neg
	if loss <= 0 {
		return 0
	}

	// d(pos)/dh = 2(h + r - t), mirrored for the tail; the negative
	// triple contributes with flipped sign.
	hv, rv, tv := m.entEmb.Row(int(h)), m.relEmb.Row(int(r)), m.entEmb.Row(int(t))
	nhv, ntv := m.entEmb.Row(int(nh)), m.entEmb.Row(int(nt))
	gh, gt := m.entEmb.GradRow(int(h)), m.entEmb.GradRow(int(t))
	gnh, gnt := m.entEmb.GradRow(int(nh)), m.entEmb.GradRow(int(nt))
	gr := m.relEmb.GradRow(int(r))
	for d := 0; d < m.dim; d++ {
		posDiff := 2 * (hv[d] + rv[d] - tv[d]) * w
		negDiff := 2 * (nhv[d] + rv[d] - ntv[d]) * w
		gh[d] += posDiff
		gt[d] -= posDiff
		gnh[d] -= negDiff
		gnt[d] += negDiff
		gr[d] += posDiff - negDiff
	}
	return loss
}

func (m *KGMF) distance(h, r, t int64) float64 {
	hv, rv, tv := m.entEmb.Row(int(h)), m.relEmb.Row(int(r)), m.entEmb.Row(int(t))
	var d2 float64
	for d := 0; d < m.dim; d++ {
		diff := hv[d] + rv[d] - tv[d]
		d2 += diff * diff
	}
	return d2
}

// UpdateAttention recomputes the relation weights as a softmax over
// negative relation norms: relations with tight translations get more
// weight. No gradients flow through this pass.
func (m *KGMF) UpdateAttention() {
	var sum float64
	weights := make([]float64, len(m.attention))
	for r := range weights {
		rv := m.relEmb.Row(r)
		var norm float64
		for d := 0; d < m.dim; d++ {
			norm += rv[d] * rv[d]
		}
		weights[r] = math.Exp(-math.Sqrt(norm))
		sum += weights[r]
	}
	for r := range weights {
		m.attention[r] = weights[r] / sum * float64(len(weights))
	}
}

// Predict scores each (user, item) row with the factorization.
func (m *KGMF) Predict(batch *interaction.Batch) ([]float64, error) {
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

// FullSortPredict scores every candidate item for each user row.
func (m *KGMF) FullSortPredict(batch *interaction.Batch) ([]float64, error) {
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

func (m *KGMF) Parameters() []*model.Parameter {
	return []*model.Parameter{m.userEmb, m.itemEmb, m.entEmb, m.relEmb}
}

func (m *KGMF) StateDict() model.State {
	st := model.SnapshotParameters(m.Parameters())
	st["attention"] = append([]float64(nil), m.attention...)
	return st
}

func (m *KGMF) LoadStateDict(st model.State) error {
	if att, ok := st["attention"]; ok {
		if len(att) != len(m.attention) {
			return fmt.Errorf("attention state has %d relations, want %d", len(att), len(m.attention))
		}
		copy(m.attention, att)
		delete(st, "attention")
		defer func() { st["attention"] = att }()
	}
	return model.RestoreParameters(m.Parameters(), st)
}
