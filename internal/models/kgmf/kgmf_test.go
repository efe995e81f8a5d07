package kgmf

import (
	"math"
	"math/rand"
	"testing"

	"go.uber.org/zap"

	"github.com/cnclabs/recbias/internal/trainer"
	"github.com/cnclabs/recbias/pkg/interaction"
)

func kgBatch(t *testing.T) *interaction.Batch {
	t.Helper()
	b, err := interaction.New(nil, map[string][]int64{
		interaction.FieldHead:     {1, 2},
		interaction.FieldRelation: {1, 1},
		interaction.FieldTail:     {2, 3},
		interaction.FieldNegHead:  {3, 1},
		interaction.FieldNegTail:  {3, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestKGLossTrainsTranslation(t *testing.T) {
	m := New(3, 3, 4, 2, 8, 1.0, rand.New(rand.NewSource(1)))
	opt := trainer.BuildOptimizer(zap.NewNop(), "sgd", 0.05, 0, m.Parameters())
	b := kgBatch(t)

	first, err := m.CalculateKGLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	opt.Step()
	for i := 0; i < 100; i++ {
		opt.ZeroGrad()
		if _, err := m.CalculateKGLoss(b); err != nil {
			t.Fatal(err)
		}
		opt.Step()
	}
	opt.ZeroGrad()
	last, err := m.CalculateKGLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	if last.Sum() >= first.Sum() {
		t.Errorf("kg loss did not decrease: %v -> %v", first.Sum(), last.Sum())
	}
	// Positive triples should end up closer than their corruptions.
	if m.distance(1, 1, 2) >= m.distance(1, 1, 3) {
		t.Errorf("positive triple is not closer: %v vs %v", m.distance(1, 1, 2), m.distance(1, 1, 3))
	}
}

func TestRSLossMatchesCalculateLoss(t *testing.T) {
	m := New(3, 3, 4, 2, 4, 1.0, rand.New(rand.NewSource(2)))
	b, err := interaction.New(
		map[string][]float64{interaction.FieldLabel: {1}},
		map[string][]int64{
			interaction.FieldUser: {1},
			interaction.FieldItem: {2},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	a, err := m.CalculateRSLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	m.userEmb.ZeroGrad()
	m.itemEmb.ZeroGrad()
	c, err := m.CalculateLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	if a.Sum() != c.Sum() {
		t.Errorf("rs loss %v != rec loss %v", a.Sum(), c.Sum())
	}
}

func TestUpdateAttention(t *testing.T) {
	m := New(3, 3, 4, 3, 4, 1.0, rand.New(rand.NewSource(3)))
	// Give relation 2 a much larger norm; it should get less weight
	// than relation 1 after the refresh.
	for d := 0; d < 4; d++ {
		m.relEmb.Row(2)[d] = 5
	}
	m.UpdateAttention()

	if m.attention[2] >= m.attention[1] {
		t.Errorf("attention = %v, want relation 2 downweighted", m.attention)
	}
	var sum float64
	for _, a := range m.attention {
		sum += a
	}
	if math.Abs(sum-float64(len(m.attention))) > 1e-9 {
		t.Errorf("attention sum = %v, want %d", sum, len(m.attention))
	}
	// A refresh must not leave gradients behind.
	for _, p := range m.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				t.Fatal("UpdateAttention touched gradients")
			}
		}
	}
}

func TestStateDictCarriesAttention(t *testing.T) {
	m := New(3, 3, 4, 2, 4, 1.0, rand.New(rand.NewSource(4)))
	m.attention[1] = 0.25
	st := m.StateDict()

	other := New(3, 3, 4, 2, 4, 1.0, rand.New(rand.NewSource(5)))
	if err := other.LoadStateDict(st); err != nil {
		t.Fatal(err)
	}
	if other.attention[1] != 0.25 {
		t.Errorf("attention not restored: %v", other.attention)
	}
	if _, ok := st["attention"]; !ok {
		t.Error("LoadStateDict consumed the caller's state")
	}
}

func TestKGLossRejectsRecBatch(t *testing.T) {
	m := New(3, 3, 4, 2, 4, 1.0, rand.New(rand.NewSource(6)))
	b, err := interaction.New(nil, map[string][]int64{interaction.FieldUser: {1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CalculateKGLoss(b); err == nil {
		t.Error("expected an error for a batch without triples")
	}
}
