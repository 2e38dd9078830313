// Package nn holds the layers models are assembled from. Every layer caches
// what its backward pass needs during Forward, so each layer instance must
// see exactly one Forward before each Backward.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Parameter groups that can be frozen independently.
const (
	GroupImageEncoder = "image_encoder"
	GroupTextEncoder  = "text_encoder"
)

// Param is a trainable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Group string
	Value *mat.Dense
	Grad  *mat.Dense

	// Frozen params receive no gradient and are skipped by optimizers.
	Frozen bool
}

// NewParam wraps data (row-major, may be nil) as a rows x cols parameter.
func NewParam(name string, rows, cols int, data []float64) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, data),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Shape returns the parameter dimensions.
func (p *Param) Shape() []int {
	r, c := p.Value.Dims()
	return []int{r, c}
}

// Len returns the number of scalar values.
func (p *Param) Len() int {
	r, c := p.Value.Dims()
	return r * c
}

// AddGrad accumulates g into the gradient unless the parameter is frozen.
func (p *Param) AddGrad(g mat.Matrix) {
	if p.Frozen {
		return
	}
	p.Grad.Add(p.Grad, g)
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// ZeroGrads clears the gradients of params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SetGroup assigns group to every param and returns them.
func SetGroup(group string, params ...*Param) []*Param {
	for _, p := range params {
		p.Group = group
	}
	return params
}

// SetFrozen freezes or unfreezes every param of group.
func SetFrozen(params []*Param, group string, frozen bool) {
	for _, p := range params {
		if p.Group == group {
			p.Frozen = frozen
		}
	}
}

// Count returns the number of scalars in params, split by trainability.
func Count(params []*Param) (total, trainable int) {
	for _, p := range params {
		total += p.Len()
		if !p.Frozen {
			trainable += p.Len()
		}
	}
	return total, trainable
}

func uniform(rng *rand.Rand, n int, bound float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return data
}

func normal(rng *rand.Rand, n int, std float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return data
}

// kaimingBound matches the default fan-in initialisation of dense layers.
func kaimingBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
