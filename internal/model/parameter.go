package model

import (
	"fmt"
)

// Parameter is one named learnable tensor, stored flat in row-major
// order together with its gradient. Embedding tables mark the rows they
// touched each step so sparse optimizers and gradient clipping can skip
// untouched rows.
type Parameter struct {
	Name string
	Rows int
	Cols int

	Data []float64
	Grad []float64

	// Sparse parameters track active rows between ZeroGrad calls.
	Sparse bool

	active map[int]struct{}
}

// NewParameter allocates a dense rows x cols parameter.
func NewParameter(name string, rows, cols int) *Parameter {
	return &Parameter{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// NewSparseParameter allocates an embedding-table parameter whose
// gradient rows are tracked individually.
func NewSparseParameter(name string, rows, cols int) *Parameter {
	p := NewParameter(name, rows, cols)
	p.Sparse = true
	p.active = make(map[int]struct{})
	return p
}

// Row returns the data slice backing row r.
func (p *Parameter) Row(r int) []float64 {
	return p.Data[r*p.Cols : (r+1)*p.Cols]
}

// GradRow returns the gradient slice backing row r and, for sparse
// parameters, marks the row active.
func (p *Parameter) GradRow(r int) []float64 {
	if p.Sparse {
		p.active[r] = struct{}{}
	}
	return p.Grad[r*p.Cols : (r+1)*p.Cols]
}

// ActiveRows returns the rows touched since the last ZeroGrad, in
// unspecified order. Dense parameters return nil (all rows implied).
func (p *Parameter) ActiveRows() []int {
	if !p.Sparse {
		return nil
	}
	rows := make([]int, 0, len(p.active))
	for r := range p.active {
		rows = append(rows, r)
	}
	return rows
}

// ZeroGrad clears the gradient. Sparse parameters clear only active rows
// and reset the active set.
func (p *Parameter) ZeroGrad() {
	if p.Sparse {
		for r := range p.active {
			row := p.Grad[r*p.Cols : (r+1)*p.Cols]
			for i := range row {
				row[i] = 0
			}
		}
		p.active = make(map[int]struct{})
		return
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Snapshot copies the parameter data into a state entry.
func (p *Parameter) Snapshot() []float64 {
	out := make([]float64, len(p.Data))
	copy(out, p.Data)
	return out
}

// Restore copies a state entry back into the parameter.
func (p *Parameter) Restore(data []float64) error {
	if len(data) != len(p.Data) {
		return fmt.Errorf("parameter %s: state has %d values, want %d", p.Name, len(data), len(p.Data))
	}
	copy(p.Data, data)
	return nil
}

// SnapshotParameters builds a State from a parameter list.
func SnapshotParameters(params []*Parameter) State {
	state := make(State, len(params))
	for _, p := range params {
		state[p.Name] = p.Snapshot()
	}
	return state
}

// RestoreParameters loads a State produced by SnapshotParameters.
func RestoreParameters(params []*Parameter, state State) error {
	for _, p := range params {
		data, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state is missing parameter %s", p.Name)
		}
		if err := p.Restore(data); err != nil {
			return err
		}
	}
	return nil
}
