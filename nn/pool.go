package nn

import (
	"gonum.org/v1/gonum/mat"
)

// MaskedMean averages the rows of each sequence whose mask entry is non-zero.
// Input rows are laid out sequence-major: row b*T+t is position t of item b.
type MaskedMean struct {
	mask   [][]float64
	counts []float64
}

func (p *MaskedMean) Forward(x *mat.Dense, mask [][]float64) *mat.Dense {
	_, d := x.Dims()
	b := len(mask)
	p.mask = mask
	p.counts = make([]float64, b)
	out := mat.NewDense(b, d, nil)

	for i, m := range mask {
		row := out.RawRowView(i)
		for t, w := range m {
			if w == 0 {
				continue
			}
			p.counts[i] += w
			src := x.RawRowView(i*len(m) + t)
			for j := range row {
				row[j] += w * src[j]
			}
		}
		if p.counts[i] > 0 {
			for j := range row {
				row[j] /= p.counts[i]
			}
		}
	}
	return out
}

func (p *MaskedMean) Backward(dy *mat.Dense) *mat.Dense {
	_, d := dy.Dims()
	rows := 0
	for _, m := range p.mask {
		rows += len(m)
	}
	dx := mat.NewDense(rows, d, nil)
	for i, m := range p.mask {
		if p.counts[i] == 0 {
			continue
		}
		g := dy.RawRowView(i)
		for t, w := range m {
			if w == 0 {
				continue
			}
			dst := dx.RawRowView(i*len(m) + t)
			scale := w / p.counts[i]
			for j := range dst {
				dst[j] = scale * g[j]
			}
		}
	}
	return dx
}
