package model

import (
	"math"
)

// Loss is one batch's loss in named parts; single-objective models
// return one part. Part order is stable so epoch summaries line up
// across batches.
type Loss struct {
	Parts []LossPart
}

// LossPart is one named loss component.
type LossPart struct {
	Label string
	Value float64
}

// SingleLoss wraps a scalar loss under a label.
func SingleLoss(label string, value float64) Loss {
	return Loss{Parts: []LossPart{{Label: label, Value: value}}}
}

// Sum returns the combined loss across parts.
func (l Loss) Sum() float64 {
	total := 0.0
	for _, p := range l.Parts {
		total += p.Value
	}
	return total
}

// HasNaN reports whether any part is not-a-number.
func (l Loss) HasNaN() bool {
	for _, p := range l.Parts {
		if math.IsNaN(p.Value) {
			return true
		}
	}
	return false
}
