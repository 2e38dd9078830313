package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const layerNormEps = 1e-12

// LayerNorm normalises each row to zero mean and unit variance, then applies
// a learned scale and shift.
type LayerNorm struct {
	Gamma *Param // prefix.LayerNorm.weight
	Beta  *Param // prefix.LayerNorm.bias

	xhat   *mat.Dense
	invStd []float64
}

func NewLayerNorm(prefix string, dim int) *LayerNorm {
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1
	}
	return &LayerNorm{
		Gamma: NewParam(prefix+".LayerNorm.weight", 1, dim, gamma),
		Beta:  NewParam(prefix+".LayerNorm.bias", 1, dim, nil),
	}
}

func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

func (ln *LayerNorm) Forward(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	ln.xhat = mat.NewDense(r, c, nil)
	ln.invStd = make([]float64, r)
	out := mat.NewDense(r, c, nil)
	gamma := ln.Gamma.Value.RawRowView(0)
	beta := ln.Beta.Value.RawRowView(0)

	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		ln.invStd[i] = inv

		xh := ln.xhat.RawRowView(i)
		o := out.RawRowView(i)
		for j, v := range row {
			xh[j] = (v - mean) * inv
			o[j] = gamma[j]*xh[j] + beta[j]
		}
	}
	return out
}

func (ln *LayerNorm) Backward(dy *mat.Dense) *mat.Dense {
	r, c := dy.Dims()
	dgamma := mat.NewDense(1, c, nil)
	dbeta := mat.NewDense(1, c, nil)
	dx := mat.NewDense(r, c, nil)
	gamma := ln.Gamma.Value.RawRowView(0)
	dg := dgamma.RawRowView(0)
	db := dbeta.RawRowView(0)
	n := float64(c)

	dxhat := make([]float64, c)
	for i := 0; i < r; i++ {
		g := dy.RawRowView(i)
		xh := ln.xhat.RawRowView(i)
		sum, dot := 0.0, 0.0
		for j := 0; j < c; j++ {
			dg[j] += g[j] * xh[j]
			db[j] += g[j]
			dxhat[j] = g[j] * gamma[j]
			sum += dxhat[j]
			dot += dxhat[j] * xh[j]
		}
		out := dx.RawRowView(i)
		scale := ln.invStd[i] / n
		for j := 0; j < c; j++ {
			out[j] = scale * (n*dxhat[j] - sum - xh[j]*dot)
		}
	}

	ln.Gamma.AddGrad(dgamma)
	ln.Beta.AddGrad(dbeta)
	return dx
}
