package models

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/nn"
)

// maxPositions sizes the position table of BERT-style encoders.
func maxPositions(cfg config.Config) int {
	return max(cfg.MaxSeqLen, cfg.NumImageEmbeds+2)
}

// textClassifier covers bow and bert: text features then the head.
type textClassifier struct {
	base
	enc textFeatures
	clf *head
}

func newTextClassifier(name string, enc textFeatures, cfg config.Config, spec Spec, rng *rand.Rand) *textClassifier {
	m := &textClassifier{
		base: base{name: name},
		enc:  enc,
		clf:  newHead(enc.width(), nil, spec.NumClasses, cfg.Dropout, rng),
	}
	m.params = append(enc.params(), m.clf.params()...)
	m.drops = enc.dropouts()
	return m
}

func newBowClassifier(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	enc := newBowEncoder(spec.VocabSize, cfg.EmbedSz, spec.Glove, rng)
	return newTextClassifier("bow", enc, cfg, spec, rng), nil
}

func newBertClassifier(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	enc := newTextEncoder("enc.bert.", spec.VocabSize, cfg.HiddenSz, maxPositions(cfg), cfg.Dropout, rng)
	return newTextClassifier("bert", enc, cfg, spec, rng), nil
}

func (m *textClassifier) Forward(b *data.Batch, train bool) (*mat.Dense, error) {
	x, err := m.enc.forward(b, train)
	if err != nil {
		return nil, err
	}
	m.batch = b.Size()
	return m.clf.forward(x, train), nil
}

func (m *textClassifier) Backward(dLogits *mat.Dense) error {
	if err := m.checkBackward(dLogits); err != nil {
		return err
	}
	m.enc.backward(m.clf.backward(dLogits))
	return nil
}

// imageClassifier flattens the encoded regions into the head.
type imageClassifier struct {
	base
	image *imageEncoder
	clf   *head
}

func newImageClassifier(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	image := newImageEncoder(cfg.NumImageEmbeds, cfg.ImgHiddenSz, rng)
	m := &imageClassifier{
		base:  base{name: "img"},
		image: image,
		clf:   newHead(cfg.NumImageEmbeds*cfg.ImgHiddenSz, nil, spec.NumClasses, cfg.Dropout, rng),
	}
	m.params = append(image.params(), m.clf.params()...)
	return m, nil
}

func (m *imageClassifier) Forward(b *data.Batch, train bool) (*mat.Dense, error) {
	regions, err := m.image.forward(b.Image)
	if err != nil {
		return nil, err
	}
	m.batch = b.Size()
	flat := reshape(regions, b.Size(), m.image.regions*m.image.hidden)
	return m.clf.forward(flat, train), nil
}

func (m *imageClassifier) Backward(dLogits *mat.Dense) error {
	if err := m.checkBackward(dLogits); err != nil {
		return err
	}
	d := m.clf.backward(dLogits)
	m.image.backward(reshape(d, m.batch*m.image.regions, m.image.hidden))
	return nil
}

// concatClassifier concatenates text features with flattened image regions
// and classifies them with a multi-layer head.
type concatClassifier struct {
	base
	text  textFeatures
	image *imageEncoder
	clf   *head
}

func newConcatClassifier(name string, text textFeatures, cfg config.Config, spec Spec, rng *rand.Rand) *concatClassifier {
	image := newImageEncoder(cfg.NumImageEmbeds, cfg.ImgHiddenSz, rng)
	in := text.width() + cfg.NumImageEmbeds*cfg.ImgHiddenSz
	m := &concatClassifier{
		base:  base{name: name},
		text:  text,
		image: image,
		clf:   newHead(in, cfg.Hidden, spec.NumClasses, cfg.Dropout, rng),
	}
	m.params = append(text.params(), image.params()...)
	m.params = append(m.params, m.clf.params()...)
	m.drops = append(text.dropouts(), m.clf.drops...)
	return m
}

func newConcatBow(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	text := newBowEncoder(spec.VocabSize, cfg.EmbedSz, spec.Glove, rng)
	return newConcatClassifier("concatbow", text, cfg, spec, rng), nil
}

func newConcatBert(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error) {
	text := newTextEncoder("enc.txtenc.", spec.VocabSize, cfg.HiddenSz, maxPositions(cfg), cfg.Dropout, rng)
	return newConcatClassifier("concatbert", text, cfg, spec, rng), nil
}

func (m *concatClassifier) Forward(b *data.Batch, train bool) (*mat.Dense, error) {
	txt, err := m.text.forward(b, train)
	if err != nil {
		return nil, err
	}
	regions, err := m.image.forward(b.Image)
	if err != nil {
		return nil, err
	}
	m.batch = b.Size()
	img := reshape(regions, b.Size(), m.image.regions*m.image.hidden)
	return m.clf.forward(nn.ConcatCols(txt, img), train), nil
}

func (m *concatClassifier) Backward(dLogits *mat.Dense) error {
	if err := m.checkBackward(dLogits); err != nil {
		return err
	}
	dTxt, dImg := nn.SplitCols(m.clf.backward(dLogits), m.text.width())
	m.text.backward(dTxt)
	m.image.backward(reshape(dImg, m.batch*m.image.regions, m.image.hidden))
	return nil
}
