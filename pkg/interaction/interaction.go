package interaction

import (
	"fmt"
)

// Common field names shared by the data loaders, models and evaluators.
const (
	FieldUser      = "user_id"
	FieldItem      = "item_id"
	FieldLabel     = "label"
	FieldPop       = "pop"
	FieldTreatment = "treatment"

	FieldHead     = "head_id"
	FieldRelation = "relation_id"
	FieldTail     = "tail_id"
	FieldNegHead  = "neg_head_id"
	FieldNegTail  = "neg_tail_id"
)

// Batch is a mapping from field name to an aligned column of values.
// All columns have the same length (the batch size). A Batch is never
// mutated after construction; derived batches are built with Slice,
// RepeatInterleave and WithInts.
type Batch struct {
	length int
	floats map[string][]float64
	ints   map[string][]int64
}

// New builds a batch from aligned columns. Every column must have the
// same length, and at least one column must be present.
func New(floatCols map[string][]float64, intCols map[string][]int64) (*Batch, error) {
	length := -1
	for field, col := range floatCols {
		if length == -1 {
			length = len(col)
		} else if len(col) != length {
			return nil, fmt.Errorf("column %q has length %d, want %d", field, len(col), length)
		}
	}
	for field, col := range intCols {
		if length == -1 {
			length = len(col)
		} else if len(col) != length {
			return nil, fmt.Errorf("column %q has length %d, want %d", field, len(col), length)
		}
	}
	if length == -1 {
		return nil, fmt.Errorf("batch has no columns")
	}

	b := &Batch{
		length: length,
		floats: make(map[string][]float64, len(floatCols)),
		ints:   make(map[string][]int64, len(intCols)),
	}
	for field, col := range floatCols {
		b.floats[field] = col
	}
	for field, col := range intCols {
		b.ints[field] = col
	}
	return b, nil
}

// Len returns the batch size.
func (b *Batch) Len() int {
	return b.length
}

// Floats returns the float column for a field, or nil if absent.
// The returned slice must be treated as read-only.
func (b *Batch) Floats(field string) []float64 {
	return b.floats[field]
}

// Ints returns the integer column for a field, or nil if absent.
// The returned slice must be treated as read-only.
func (b *Batch) Ints(field string) []int64 {
	return b.ints[field]
}

// HasField reports whether the batch carries a column for field.
func (b *Batch) HasField(field string) bool {
	if _, ok := b.floats[field]; ok {
		return true
	}
	_, ok := b.ints[field]
	return ok
}

// Slice returns the sub-batch covering rows [lo, hi).
func (b *Batch) Slice(lo, hi int) (*Batch, error) {
	if lo < 0 || hi > b.length || lo > hi {
		return nil, fmt.Errorf("slice [%d, %d) out of range for batch of length %d", lo, hi, b.length)
	}
	out := &Batch{
		length: hi - lo,
		floats: make(map[string][]float64, len(b.floats)),
		ints:   make(map[string][]int64, len(b.ints)),
	}
	for field, col := range b.floats {
		out.floats[field] = col[lo:hi]
	}
	for field, col := range b.ints {
		out.ints[field] = col[lo:hi]
	}
	return out, nil
}

// RepeatInterleave returns a batch where every row is repeated n times in
// place: row i of the source becomes rows [i*n, (i+1)*n) of the result.
func (b *Batch) RepeatInterleave(n int) (*Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", n)
	}
	out := &Batch{
		length: b.length * n,
		floats: make(map[string][]float64, len(b.floats)),
		ints:   make(map[string][]int64, len(b.ints)),
	}
	for field, col := range b.floats {
		rep := make([]float64, 0, len(col)*n)
		for _, v := range col {
			for k := 0; k < n; k++ {
				rep = append(rep, v)
			}
		}
		out.floats[field] = rep
	}
	for field, col := range b.ints {
		rep := make([]int64, 0, len(col)*n)
		for _, v := range col {
			for k := 0; k < n; k++ {
				rep = append(rep, v)
			}
		}
		out.ints[field] = rep
	}
	return out, nil
}

// WithInts returns a copy of the batch with an integer column added or
// replaced. The column length must match the batch size.
func (b *Batch) WithInts(field string, col []int64) (*Batch, error) {
	if len(col) != b.length {
		return nil, fmt.Errorf("column %q has length %d, want %d", field, len(col), b.length)
	}
	out := &Batch{
		length: b.length,
		floats: b.floats,
		ints:   make(map[string][]int64, len(b.ints)+1),
	}
	for f, c := range b.ints {
		out.ints[f] = c
	}
	out.ints[field] = col
	return out, nil
}
