package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

type ReLU struct {
	input *mat.Dense
}

func (a *ReLU) Forward(x *mat.Dense) *mat.Dense {
	a.input = x
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
	return &out
}

func (a *ReLU) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		if a.input.At(i, j) > 0 {
			return g
		}
		return 0
	}, dy)
	return &dx
}

type Tanh struct {
	output *mat.Dense
}

func (a *Tanh) Forward(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, x)
	a.output = &out
	return &out
}

func (a *Tanh) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		y := a.output.At(i, j)
		return g * (1 - y*y)
	}, dy)
	return &dx
}

// GELU is the exact erf formulation.
type GELU struct {
	input *mat.Dense
}

func (a *GELU) Forward(x *mat.Dense) *mat.Dense {
	a.input = x
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	}, x)
	return &out
}

func (a *GELU) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		v := a.input.At(i, j)
		cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
		pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
		return g * (cdf + v*pdf)
	}, dy)
	return &dx
}

// Dropout zeroes activations with probability P during training and scales
// the survivors by 1/(1-P).
type Dropout struct {
	P float64

	rng  *rand.Rand
	mask *mat.Dense
}

func NewDropout(p float64, seed int64) *Dropout {
	return &Dropout{P: p, rng: rand.New(rand.NewSource(seed))}
}

// Reseed restarts the mask stream.
func (d *Dropout) Reseed(seed int64) {
	d.rng = rand.New(rand.NewSource(seed))
}

func (d *Dropout) Forward(x *mat.Dense, train bool) *mat.Dense {
	if !train || d.P == 0 {
		d.mask = nil
		return x
	}
	r, c := x.Dims()
	keep := 1 / (1 - d.P)
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := d.mask.RawRowView(i)
		for j := range row {
			if d.rng.Float64() >= d.P {
				row[j] = keep
			}
		}
	}
	var out mat.Dense
	out.MulElem(x, d.mask)
	return &out
}

func (d *Dropout) Backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, d.mask)
	return &dx
}

// Softmax applies a numerically stable row-wise softmax.
func Softmax(x mat.Matrix) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < c; j++ {
			maxV = math.Max(maxV, x.At(i, j))
		}
		sum := 0.0
		row := out.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = math.Exp(x.At(i, j) - maxV)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return out
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(x mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }, x)
	return &out
}
