package data

import (
	"context"
	"iter"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/vision/dataloader"
)

// Batch is one step of input: token ids, segment ids and attention mask
// padded to the longest sequence, image region features and targets.
type Batch struct {
	Text    [][]int
	Segment [][]int
	Mask    [][]float64
	Image   *mat.Dense // batch x (regions * region dim); nil for text-only models
	Target  *mat.Dense // batch x classes, one-hot or multi-hot
	IDs     []string
}

// Size returns the number of examples.
func (b *Batch) Size() int {
	return len(b.Text)
}

// SeqLen returns the padded sequence length.
func (b *Batch) SeqLen() int {
	if len(b.Text) == 0 {
		return 0
	}
	return len(b.Text[0])
}

// Classes returns the arg-max class of each target row.
func (b *Batch) Classes() []int {
	r, _ := b.Target.Dims()
	classes := make([]int, r)
	for i := range classes {
		classes[i] = argmax(b.Target.RawRowView(i))
	}
	return classes
}

func argmax(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	// Seed and the epoch index fix the order and the image drops of an epoch.
	Seed           int64
	DropImgPercent float64
	// Prefetch is the number of batches prepared ahead of the consumer.
	Prefetch int
	Features *dataloader.FeatureLoader
}

// Loader iterates a Dataset in batches.
type Loader struct {
	dataset *Dataset
	config  LoaderConfig
}

func NewLoader(dataset *Dataset, config LoaderConfig) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 1
	}
	return &Loader{dataset: dataset, config: config}
}

// Dataset returns the underlying split.
func (l *Loader) Dataset() *Dataset {
	return l.dataset
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// NumExamples returns the number of examples per epoch.
func (l *Loader) NumExamples() int {
	return l.dataset.Len()
}

// plan returns the example order and image-drop decisions of an epoch.
func (l *Loader) plan(epoch int) ([]int, []bool) {
	n := l.dataset.Len()
	rng := rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.config.Shuffle {
		order = rng.Perm(n)
	}
	drops := make([]bool, n)
	if l.config.DropImgPercent > 0 {
		for i := range drops {
			drops[i] = rng.Float64() < l.config.DropImgPercent
		}
	}
	return order, drops
}

// Batches yields the batches of one epoch. Batches are assembled by a
// background goroutine up to Prefetch ahead; stopping the iteration early
// releases it.
func (l *Loader) Batches(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		parent := ctx
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type result struct {
			batch *Batch
			err   error
		}
		order, drops := l.plan(epoch)
		results := make(chan result, l.config.Prefetch)

		go func() {
			defer close(results)
			for start := 0; start < len(order); start += l.config.BatchSize {
				end := min(start+l.config.BatchSize, len(order))
				batch, err := l.assemble(ctx, order[start:end], drops[start:end])
				select {
				case results <- result{batch, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		delivered := 0
		for r := range results {
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
			delivered++
		}
		// The producer stops silently when the caller's context ends.
		if delivered < l.Len() {
			if err := parent.Err(); err != nil {
				yield(nil, err)
			}
		}
	}
}

func (l *Loader) assemble(ctx context.Context, indices []int, drops []bool) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]*encoded, len(indices))
	seqLen := 0
	for i, idx := range indices {
		items[i] = &l.dataset.items[idx]
		seqLen = max(seqLen, len(items[i].ids))
	}

	b := &Batch{
		Text:    make([][]int, len(items)),
		Segment: make([][]int, len(items)),
		Mask:    make([][]float64, len(items)),
		Target:  mat.NewDense(len(items), l.dataset.numClasses, nil),
		IDs:     make([]string, len(items)),
	}
	for i, item := range items {
		b.Text[i] = make([]int, seqLen)
		b.Segment[i] = make([]int, seqLen)
		b.Mask[i] = make([]float64, seqLen)
		copy(b.Text[i], item.ids)
		copy(b.Segment[i], item.segments)
		for t := range item.ids {
			b.Mask[i][t] = 1
		}
		b.Target.SetRow(i, item.target)
		b.IDs[i] = item.id
	}

	if l.config.Features != nil {
		paths := make([]string, len(items))
		for i, item := range items {
			if !drops[i] {
				paths[i] = item.img
			}
		}
		features, err := l.config.Features.LoadBatch(ctx, paths)
		if err != nil {
			return nil, err
		}
		b.Image = mat.NewDense(len(items), l.config.Features.FeatureLen(), nil)
		for i, f := range features {
			b.Image.SetRow(i, f)
		}
	}
	return b, nil
}
