package dataset

import (
	"math"
	"math/rand"
)

// aliasCell is one slot of a Walker alias table.
type aliasCell struct {
	alias int64
	prob  float64
}

// AliasTable supports O(1) weighted sampling over a fixed distribution.
type AliasTable struct {
	cells []aliasCell
}

// NewAliasTable builds an alias table over the distribution after raising
// each weight to power (0.75 reproduces the usual negative-sampling
// smoothing). An all-zero distribution degrades to uniform.
func NewAliasTable(distribution []float64, power float64) *AliasTable {
	n := len(distribution)
	if n == 0 {
		return &AliasTable{}
	}

	cells := make([]aliasCell, n)

	sum := 0.0
	norm := make([]float64, n)
	for i, w := range distribution {
		if w > 0 {
			norm[i] = math.Pow(w, power)
		}
		sum += norm[i]
	}

	if sum == 0 {
		for i := range cells {
			cells[i] = aliasCell{prob: 1.0, alias: int64(i)}
		}
		return &AliasTable{cells: cells}
	}

	for i := range norm {
		norm[i] = norm[i] * float64(n) / sum
	}

	// Vose's method: pair every underfull slot with an overfull donor.
	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if norm[i] < 1.0 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]

		cells[l] = aliasCell{prob: norm[l], alias: int64(g)}

		norm[g] = norm[g] + norm[l] - 1.0
		if norm[g] < 1.0 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}

	for len(large) > 0 {
		g := large[len(large)-1]
		large = large[:len(large)-1]
		cells[g] = aliasCell{prob: 1.0, alias: int64(g)}
	}
	for len(small) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		cells[l] = aliasCell{prob: 1.0, alias: int64(l)}
	}

	return &AliasTable{cells: cells}
}

// Sample draws one index according to the table's distribution.
// Returns -1 for an empty table.
func (t *AliasTable) Sample(rng *rand.Rand) int64 {
	if len(t.cells) == 0 {
		return -1
	}
	i := rng.Intn(len(t.cells))
	if rng.Float64() < t.cells[i].prob {
		return int64(i)
	}
	return t.cells[i].alias
}
