package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear computes y = xW + b for row-major batches.
type Linear struct {
	Weight *Param // in x out
	Bias   *Param // 1 x out

	input *mat.Dense
}

// NewLinear creates a dense layer named prefix.weight / prefix.bias.
func NewLinear(prefix string, in, out int, rng *rand.Rand) *Linear {
	bound := kaimingBound(in)
	return &Linear{
		Weight: NewParam(prefix+".weight", in, out, uniform(rng, in*out, bound)),
		Bias:   NewParam(prefix+".bias", 1, out, uniform(rng, out, bound)),
	}
}

func (l *Linear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int {
	_, c := l.Weight.Value.Dims()
	return c
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	r, _ := x.Dims()
	out := mat.NewDense(r, l.OutFeatures(), nil)
	out.Mul(x, l.Weight.Value)
	AddRowVector(out, l.Bias.Value)
	return out
}

// Backward accumulates dW and db and returns the input gradient.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	if !l.Weight.Frozen {
		var dw mat.Dense
		dw.Mul(l.input.T(), dy)
		l.Weight.AddGrad(&dw)
	}
	l.Bias.AddGrad(ColSums(dy))

	var dx mat.Dense
	dx.Mul(dy, l.Weight.Value.T())
	return &dx
}

// AddRowVector adds the 1 x c row vector v to every row of m.
func AddRowVector(m *mat.Dense, v *mat.Dense) {
	r, c := m.Dims()
	bias := v.RawRowView(0)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] += bias[j]
		}
	}
}

// ColSums returns the 1 x c column sums of m.
func ColSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	sums := out.RawRowView(0)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			sums[j] += row[j]
		}
	}
	return out
}

// ConcatCols stacks a and b side by side.
func ConcatCols(a, b *mat.Dense) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb {
		panic(mat.ErrShape)
	}
	out := mat.NewDense(ra, ca+cb, nil)
	out.Slice(0, ra, 0, ca).(*mat.Dense).Copy(a)
	out.Slice(0, ra, ca, ca+cb).(*mat.Dense).Copy(b)
	return out
}

// SplitCols is the inverse of ConcatCols for a left block of width left.
func SplitCols(m *mat.Dense, left int) (*mat.Dense, *mat.Dense) {
	r, c := m.Dims()
	a := mat.DenseCopyOf(m.Slice(0, r, 0, left))
	b := mat.DenseCopyOf(m.Slice(0, r, left, c))
	return a, b
}
