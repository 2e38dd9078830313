package models

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/nn"
	"github.com/memelab/mmbt/vision/preprocessing"
)

// textFeatures turns the text of a batch into one feature row per example.
type textFeatures interface {
	forward(b *data.Batch, train bool) (*mat.Dense, error)
	backward(dy *mat.Dense)
	params() []*nn.Param
	dropouts() []*nn.Dropout
	width() int
}

// tokenRows is a flattened sequence batch: row b*L+t is position t of item b.
type tokenRows struct {
	ids       []int
	positions []int
	segments  []int
	// custom rows take their token vector from vectors instead of the word
	// table.
	custom  []bool
	vectors *mat.Dense
}

func textTokenRows(b *data.Batch) tokenRows {
	n := b.Size() * b.SeqLen()
	rows := tokenRows{
		ids:       make([]int, 0, n),
		positions: make([]int, 0, n),
		segments:  make([]int, 0, n),
	}
	for i := range b.Text {
		for t, id := range b.Text[i] {
			rows.ids = append(rows.ids, id)
			rows.positions = append(rows.positions, t)
			rows.segments = append(rows.segments, b.Segment[i][t])
		}
	}
	return rows
}

// textEncoder is a single-layer BERT-style encoder: word, position and
// segment embeddings, LayerNorm, one feed-forward block, masked mean
// pooling and a tanh pooler.
type textEncoder struct {
	word     *nn.Embedding
	position *nn.Embedding
	segment  *nn.Embedding
	norm     *nn.LayerNorm
	drop     *nn.Dropout
	layer    *nn.FeedForward
	pool     nn.MaskedMean
	pooler   *nn.Linear
	act      nn.Tanh

	hidden int
	custom []bool
}

func newTextEncoder(prefix string, vocab, hidden, maxPositions int, dropout float64, rng *rand.Rand) *textEncoder {
	e := &textEncoder{
		word:     nn.NewEmbedding(prefix+"embeddings.word_embeddings", vocab, hidden, rng),
		position: nn.NewEmbedding(prefix+"embeddings.position_embeddings", maxPositions, hidden, rng),
		segment:  nn.NewEmbedding(prefix+"embeddings.token_type_embeddings", 2, hidden, rng),
		norm:     nn.NewLayerNorm(prefix+"embeddings", hidden),
		drop:     nn.NewDropout(dropout, rng.Int63()),
		layer:    nn.NewFeedForward(prefix+"encoder.layer.0", hidden, 4*hidden, dropout, rng),
		pooler:   nn.NewLinear(prefix+"pooler.dense", hidden, hidden, rng),
		hidden:   hidden,
	}
	nn.SetGroup(nn.GroupTextEncoder, e.layer.Params()...)
	return e
}

func (e *textEncoder) params() []*nn.Param {
	params := append(e.word.Params(), e.position.Params()...)
	params = append(params, e.segment.Params()...)
	params = append(params, e.norm.Params()...)
	params = append(params, e.layer.Params()...)
	return append(params, e.pooler.Params()...)
}

func (e *textEncoder) dropouts() []*nn.Dropout {
	return []*nn.Dropout{e.drop, e.layer.Drop}
}

func (e *textEncoder) width() int {
	return e.hidden
}

func (e *textEncoder) maxPositions() int {
	r, _ := e.position.Weight.Value.Dims()
	return r
}

func (e *textEncoder) embed(t tokenRows) (*mat.Dense, error) {
	limit := e.maxPositions()
	for _, p := range t.positions {
		if p >= limit {
			return nil, fmt.Errorf("position %d exceeds the %d position embeddings", p, limit)
		}
	}
	for _, s := range t.segments {
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("segment id %d out of range", s)
		}
	}

	x := e.word.Forward(t.ids)
	if t.vectors != nil {
		for i, c := range t.custom {
			if c {
				copy(x.RawRowView(i), t.vectors.RawRowView(i))
			}
		}
	}
	x.Add(x, e.position.Forward(t.positions))
	x.Add(x, e.segment.Forward(t.segments))
	e.custom = t.custom
	return x, nil
}

// embedBackward returns the gradient of the custom token vectors, or nil
// when the last embed had none.
func (e *textEncoder) embedBackward(dx *mat.Dense) *mat.Dense {
	e.position.Backward(dx)
	e.segment.Backward(dx)
	if e.custom == nil {
		e.word.Backward(dx)
		return nil
	}

	r, c := dx.Dims()
	dWord := mat.DenseCopyOf(dx)
	dVectors := mat.NewDense(r, c, nil)
	for i, isCustom := range e.custom {
		if !isCustom {
			continue
		}
		copy(dVectors.RawRowView(i), dx.RawRowView(i))
		row := dWord.RawRowView(i)
		for j := range row {
			row[j] = 0
		}
	}
	e.word.Backward(dWord)
	return dVectors
}

func (e *textEncoder) encode(x *mat.Dense, mask [][]float64, train bool) *mat.Dense {
	h := e.drop.Forward(e.norm.Forward(x), train)
	h = e.layer.Forward(h, train)
	pooled := e.pool.Forward(h, mask)
	return e.act.Forward(e.pooler.Forward(pooled))
}

func (e *textEncoder) encodeBackward(dy *mat.Dense) *mat.Dense {
	d := e.pooler.Backward(e.act.Backward(dy))
	d = e.pool.Backward(d)
	d = e.layer.Backward(d)
	return e.norm.Backward(e.drop.Backward(d))
}

func (e *textEncoder) forward(b *data.Batch, train bool) (*mat.Dense, error) {
	x, err := e.embed(textTokenRows(b))
	if err != nil {
		return nil, err
	}
	return e.encode(x, b.Mask, train), nil
}

func (e *textEncoder) backward(dy *mat.Dense) {
	e.embedBackward(e.encodeBackward(dy))
}

// bowEncoder averages fixed word vectors over the unmasked tokens.
type bowEncoder struct {
	embed *nn.Embedding
	pool  nn.MaskedMean
}

func newBowEncoder(vocab, dim int, glove map[int][]float64, rng *rand.Rand) *bowEncoder {
	embed := nn.NewEmbedding("enc.embed", vocab, dim, rng)
	for id, vec := range glove {
		if id < vocab && len(vec) == dim {
			copy(embed.Weight.Value.RawRowView(id), vec)
		}
	}
	embed.Weight.Frozen = true
	return &bowEncoder{embed: embed}
}

func (e *bowEncoder) forward(b *data.Batch, _ bool) (*mat.Dense, error) {
	x := e.embed.Forward(textTokenRows(b).ids)
	return e.pool.Forward(x, b.Mask), nil
}

func (e *bowEncoder) backward(dy *mat.Dense) {
	e.embed.Backward(e.pool.Backward(dy))
}

func (e *bowEncoder) params() []*nn.Param {
	return e.embed.Params()
}

func (e *bowEncoder) dropouts() []*nn.Dropout {
	return nil
}

func (e *bowEncoder) width() int {
	return e.embed.Dim()
}

// imageEncoder maps every pooled image region to a hidden vector.
type imageEncoder struct {
	region  *nn.Linear
	act     nn.ReLU
	regions int
	hidden  int
}

func newImageEncoder(regions, hidden int, rng *rand.Rand) *imageEncoder {
	e := &imageEncoder{
		region:  nn.NewLinear("img_encoder.region", preprocessing.RegionDim, hidden, rng),
		regions: regions,
		hidden:  hidden,
	}
	nn.SetGroup(nn.GroupImageEncoder, e.region.Params()...)
	return e
}

func (e *imageEncoder) params() []*nn.Param {
	return e.region.Params()
}

// forward maps batch x (regions*RegionDim) features to (batch*regions) x hidden.
func (e *imageEncoder) forward(img *mat.Dense) (*mat.Dense, error) {
	if img == nil {
		return nil, fmt.Errorf("batch carries no image features")
	}
	r, c := img.Dims()
	if c != e.regions*preprocessing.RegionDim {
		return nil, fmt.Errorf("expected %d image features per example, got %d", e.regions*preprocessing.RegionDim, c)
	}
	x := reshape(img, r*e.regions, preprocessing.RegionDim)
	return e.act.Forward(e.region.Forward(x)), nil
}

func (e *imageEncoder) backward(dy *mat.Dense) {
	e.region.Backward(e.act.Backward(dy))
}

// head is the classifier on top of the encoders: optional hidden layers
// (Linear, ReLU, Dropout) followed by the output layer.
type head struct {
	layers []*nn.Linear
	acts   []*nn.ReLU
	drops  []*nn.Dropout
	out    *nn.Linear
}

func newHead(in int, hidden []int, classes int, dropout float64, rng *rand.Rand) *head {
	h := &head{}
	for i, size := range hidden {
		h.layers = append(h.layers, nn.NewLinear(fmt.Sprintf("clf.hidden.%d", i), in, size, rng))
		h.acts = append(h.acts, &nn.ReLU{})
		h.drops = append(h.drops, nn.NewDropout(dropout, rng.Int63()))
		in = size
	}
	h.out = nn.NewLinear("clf", in, classes, rng)
	return h
}

func (h *head) params() []*nn.Param {
	var params []*nn.Param
	for _, l := range h.layers {
		params = append(params, l.Params()...)
	}
	return append(params, h.out.Params()...)
}

func (h *head) forward(x *mat.Dense, train bool) *mat.Dense {
	for i, l := range h.layers {
		x = h.drops[i].Forward(h.acts[i].Forward(l.Forward(x)), train)
	}
	return h.out.Forward(x)
}

func (h *head) backward(dy *mat.Dense) *mat.Dense {
	d := h.out.Backward(dy)
	for i := len(h.layers) - 1; i >= 0; i-- {
		d = h.layers[i].Backward(h.acts[i].Backward(h.drops[i].Backward(d)))
	}
	return d
}
