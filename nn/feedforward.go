package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// FeedForward is a position-wise encoder block:
// y = LayerNorm(x + Dropout(W2 GELU(W1 x))).
type FeedForward struct {
	Intermediate *Linear
	Act          GELU
	Output       *Linear
	Drop         *Dropout
	Norm         *LayerNorm
}

func NewFeedForward(prefix string, hidden, intermediate int, dropout float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Intermediate: NewLinear(prefix+".intermediate.dense", hidden, intermediate, rng),
		Output:       NewLinear(prefix+".output.dense", intermediate, hidden, rng),
		Drop:         NewDropout(dropout, rng.Int63()),
		Norm:         NewLayerNorm(prefix+".output", hidden),
	}
}

func (f *FeedForward) Params() []*Param {
	params := append(f.Intermediate.Params(), f.Output.Params()...)
	return append(params, f.Norm.Params()...)
}

func (f *FeedForward) Forward(x *mat.Dense, train bool) *mat.Dense {
	h := f.Output.Forward(f.Act.Forward(f.Intermediate.Forward(x)))
	h = f.Drop.Forward(h, train)
	var sum mat.Dense
	sum.Add(x, h)
	return f.Norm.Forward(&sum)
}

func (f *FeedForward) Backward(dy *mat.Dense) *mat.Dense {
	dsum := f.Norm.Backward(dy)
	dh := f.Drop.Backward(dsum)
	dx := f.Intermediate.Backward(f.Act.Backward(f.Output.Backward(dh)))
	dx.Add(dx, dsum)
	return dx
}
