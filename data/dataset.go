package data

import (
	"fmt"
)

// EncodeOptions control how example text becomes token ids.
type EncodeOptions struct {
	// MaxSeqLen bounds the token count, special tokens included.
	MaxSeqLen int
	// StartToken opens single-sentence sequences.
	StartToken string
	// Segment is the segment id of single-sentence text.
	Segment int
	// Pair encodes Text and Text2 as "[CLS] a [SEP] b [SEP]".
	Pair bool
}

type encoded struct {
	id       string
	ids      []int
	segments []int
	img      string
	target   []float64
}

// Dataset is a split whose examples are tokenized and label-encoded once.
type Dataset struct {
	Name       string
	items      []encoded
	numClasses int
}

func NewDataset(name string, examples []Example, vocab *Vocab, tokenizer Tokenizer, labels *LabelSet, opts EncodeOptions) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w in split %s", ErrNoExamples, name)
	}
	ds := &Dataset{
		Name:       name,
		items:      make([]encoded, len(examples)),
		numClasses: labels.Len(),
	}
	for i, ex := range examples {
		target, err := labels.Target(ex.Labels)
		if err != nil {
			return nil, fmt.Errorf("split %s, example %s: %w", name, ex.ID, err)
		}
		ids, segments := encodeText(ex, vocab, tokenizer, opts)
		ds.items[i] = encoded{
			id:       ex.ID,
			ids:      ids,
			segments: segments,
			img:      ex.Img,
			target:   target,
		}
	}
	return ds, nil
}

func (d *Dataset) Len() int {
	return len(d.items)
}

// NumClasses returns the width of every target row.
func (d *Dataset) NumClasses() int {
	return d.numClasses
}

func encodeText(ex Example, vocab *Vocab, tokenizer Tokenizer, opts EncodeOptions) ([]int, []int) {
	toIDs := func(tokens []string) []int {
		ids := make([]int, len(tokens))
		for i, tok := range tokens {
			ids[i] = vocab.ID(tok)
		}
		return ids
	}

	if opts.Pair {
		first := toIDs(tokenizer.Tokenize(ex.Text))
		second := toIDs(tokenizer.Tokenize(ex.Text2))
		first, second = truncatePair(first, second, opts.MaxSeqLen-3)

		ids := make([]int, 0, len(first)+len(second)+3)
		ids = append(ids, ClsID)
		ids = append(ids, first...)
		ids = append(ids, SepID)
		ids = append(ids, second...)
		ids = append(ids, SepID)

		segments := make([]int, len(ids))
		for i := len(first) + 2; i < len(ids); i++ {
			segments[i] = 1
		}
		return ids, segments
	}

	tokens := toIDs(tokenizer.Tokenize(ex.Text))
	if len(tokens) > opts.MaxSeqLen-1 {
		tokens = tokens[:opts.MaxSeqLen-1]
	}
	ids := append([]int{vocab.ID(opts.StartToken)}, tokens...)
	segments := make([]int, len(ids))
	for i := range segments {
		segments[i] = opts.Segment
	}
	return ids, segments
}

// truncatePair trims the longer sequence one token at a time until both fit.
func truncatePair(a, b []int, maxLen int) ([]int, []int) {
	if maxLen < 0 {
		maxLen = 0
	}
	for len(a)+len(b) > maxLen {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}
