package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Embedding maps integer ids to rows of a lookup table.
type Embedding struct {
	Weight *Param // vocab x dim

	ids []int
}

// NewEmbedding creates prefix.weight initialised from N(0, 0.02).
func NewEmbedding(prefix string, vocab, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{
		Weight: NewParam(prefix+".weight", vocab, dim, normal(rng, vocab*dim, 0.02)),
	}
}

func (e *Embedding) Params() []*Param {
	return []*Param{e.Weight}
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int {
	_, c := e.Weight.Value.Dims()
	return c
}

// Forward returns one row per id.
func (e *Embedding) Forward(ids []int) *mat.Dense {
	e.ids = ids
	out := mat.NewDense(len(ids), e.Dim(), nil)
	for i, id := range ids {
		copy(out.RawRowView(i), e.Weight.Value.RawRowView(id))
	}
	return out
}

// Backward scatters dy back onto the looked-up rows.
func (e *Embedding) Backward(dy *mat.Dense) {
	if e.Weight.Frozen {
		return
	}
	for i, id := range e.ids {
		floats.Add(e.Weight.Grad.RawRowView(id), dy.RawRowView(i))
	}
}
