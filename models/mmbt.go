package models

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/nn"
)

// mmbt feeds projected image regions to the text encoder as extra tokens.
// Every sequence is laid out as
//
//	[CLS] region_1 .. region_N [SEP] text...
//
// where the image part uses positions 0..N+1 and segment 0 and the text
// keeps its own positions and segments.
type mmbt struct {
	base
	image *imageEncoder
	proj  *nn.Linear
	text  *textEncoder
	clf   *head

	seqLen int
}

func newMMBT(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	m := &mmbt{
		base:  base{name: "mmbt"},
		image: newImageEncoder(cfg.NumImageEmbeds, cfg.ImgHiddenSz, rng),
		proj:  nn.NewLinear("enc.img_embeddings.img_embeddings", cfg.ImgHiddenSz, cfg.HiddenSz, rng),
		text:  newTextEncoder("enc.", spec.VocabSize, cfg.HiddenSz, maxPositions(cfg), cfg.Dropout, rng),
	}
	m.clf = newHead(cfg.HiddenSz, nil, spec.NumClasses, cfg.Dropout, rng)

	m.params = append(m.image.params(), m.proj.Params()...)
	m.params = append(m.params, m.text.params()...)
	m.params = append(m.params, m.clf.params()...)
	m.drops = m.text.dropouts()
	return m, nil
}

// SetFrozen stops gradients into the image encoder and the text encoder layers.
func (m *mmbt) SetFrozen(image, text bool) {
	nn.SetFrozen(m.params, nn.GroupImageEncoder, image)
	nn.SetFrozen(m.params, nn.GroupTextEncoder, text)
}

func (m *mmbt) Forward(b *data.Batch, train bool) (*mat.Dense, error) {
	regions, err := m.image.forward(b.Image)
	if err != nil {
		return nil, err
	}
	projected := m.proj.Forward(regions)

	n := m.image.regions
	imgLen := n + 2
	seqLen := imgLen + b.SeqLen()
	rows := b.Size() * seqLen
	_, hidden := projected.Dims()

	tokens := tokenRows{
		ids:       make([]int, rows),
		positions: make([]int, rows),
		segments:  make([]int, rows),
		custom:    make([]bool, rows),
		vectors:   mat.NewDense(rows, hidden, nil),
	}
	mask := make([][]float64, b.Size())
	for i := 0; i < b.Size(); i++ {
		start := i * seqLen
		tokens.ids[start] = data.ClsID
		for k := 0; k < n; k++ {
			row := start + 1 + k
			tokens.ids[row] = data.PadID
			tokens.positions[row] = k + 1
			tokens.custom[row] = true
			copy(tokens.vectors.RawRowView(row), projected.RawRowView(i*n+k))
		}
		tokens.ids[start+n+1] = data.SepID
		tokens.positions[start+n+1] = n + 1

		for t, id := range b.Text[i] {
			row := start + imgLen + t
			tokens.ids[row] = id
			tokens.positions[row] = t
			tokens.segments[row] = b.Segment[i][t]
		}

		mask[i] = make([]float64, seqLen)
		for t := 0; t < imgLen; t++ {
			mask[i][t] = 1
		}
		copy(mask[i][imgLen:], b.Mask[i])
	}

	x, err := m.text.embed(tokens)
	if err != nil {
		return nil, err
	}
	m.batch = b.Size()
	m.seqLen = seqLen
	return m.clf.forward(m.text.encode(x, mask, train), train), nil
}

func (m *mmbt) Backward(dLogits *mat.Dense) error {
	if err := m.checkBackward(dLogits); err != nil {
		return err
	}
	dVectors := m.text.embedBackward(m.text.encodeBackward(m.clf.backward(dLogits)))

	n := m.image.regions
	_, hidden := dVectors.Dims()
	dProjected := mat.NewDense(m.batch*n, hidden, nil)
	for i := 0; i < m.batch; i++ {
		for k := 0; k < n; k++ {
			copy(dProjected.RawRowView(i*n+k), dVectors.RawRowView(i*m.seqLen+1+k))
		}
	}
	m.image.backward(m.proj.Backward(dProjected))
	return nil
}
