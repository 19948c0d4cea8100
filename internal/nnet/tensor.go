// Package nnet implements the small neural-network toolkit backing the
// LAFM-Net reconstruction and classifier stages: dense float64 tensors,
// convolutional layers with explicit backward passes, losses and the Adam
// optimizer. Batches are processed sequentially relative to weight
// updates; the per-batch math is plain vectorized loops.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense n-dimensional array in row-major layout. The first
// axis is always the batch dimension for layer inputs/outputs.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// NewTensorFrom wraps data in a tensor, copying the slice.
func NewTensorFrom(data []float64, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, &ShapeMismatchError{Op: "NewTensorFrom", Want: shape, Got: []int{len(data)}}
	}
	t := &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
	copy(t.Data, data)
	return t, nil
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float64, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view-copy with a new shape of equal element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil, &ShapeMismatchError{Op: "Reshape", Want: shape, Got: t.Shape}
	}
	out := t.Clone()
	out.Shape = append([]int(nil), shape...)
	return out, nil
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// IsFinite reports whether every element is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ShapeMismatchError reports an internal tensor-shape contract violation.
// Once configuration validation has passed it indicates a programming
// error, so callers must never swallow it.
type ShapeMismatchError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// Param is a learnable parameter with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, size int) *Param {
	return &Param{Name: name, Value: make([]float64, size), Grad: make([]float64, size)}
}

// NewConstParam returns a parameter with every element set to v.
func NewConstParam(name string, size int, v float64) *Param {
	p := newParam(name, size)
	for i := range p.Value {
		p.Value[i] = v
	}
	return p
}

// NewHeParam returns a parameter initialized with He-normal weights for
// fanIn inputs.
func NewHeParam(name string, size, fanIn int, rng *rand.Rand) *Param {
	p := newParam(name, size)
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
	return p
}

// NewXavierParam returns a parameter initialized with Xavier-uniform
// weights.
func NewXavierParam(name string, size, fanIn, fanOut int, rng *rand.Rand) *Param {
	p := newParam(name, size)
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
	return p
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// StateOf serializes parameters by name.
func StateOf(params []*Param) map[string][]float64 {
	state := make(map[string][]float64, len(params))
	for _, p := range params {
		v := make([]float64, len(p.Value))
		copy(v, p.Value)
		state[p.Name] = v
	}
	return state
}

// LoadState restores parameters by name. Every parameter must be present
// with a matching length.
func LoadState(params []*Param, state map[string][]float64) error {
	for _, p := range params {
		v, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("missing parameter %q in state", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("parameter %q: state length %d, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}
