package data

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data/datatest"
	"github.com/memelab/mmbt/vision/dataloader"
	"github.com/memelab/mmbt/vision/preprocessing"
)

func testLabels(t *testing.T, examples []Example) *LabelSet {
	t.Helper()
	ls, err := NewLabelSet(examples, false)
	require.NoError(t, err)
	return ls
}

func TestEncodeSingleSentence(t *testing.T) {
	examples := []Example{{ID: "a", Text: "one two three four five", Labels: []string{"0"}}}
	vocab := BuildVocab(Tokenizer{}, examples)

	ds, err := NewDataset("train", examples, vocab, Tokenizer{}, testLabels(t, examples), EncodeOptions{
		MaxSeqLen:  4,
		StartToken: SepToken,
		Segment:    1,
	})
	require.NoError(t, err)

	item := ds.items[0]
	require.Len(t, item.ids, 4)
	assert.Equal(t, SepID, item.ids[0])
	assert.Equal(t, vocab.ID("one"), item.ids[1])
	assert.Equal(t, vocab.ID("three"), item.ids[3])
	assert.Equal(t, []int{1, 1, 1, 1}, item.segments)
}

func TestEncodeSentencePair(t *testing.T) {
	examples := []Example{{ID: "p", Text: "a b c d e f", Text2: "x y", Labels: []string{"neutral"}}}
	vocab := BuildVocab(Tokenizer{}, examples)

	ds, err := NewDataset("train", examples, vocab, Tokenizer{}, testLabels(t, examples), EncodeOptions{
		MaxSeqLen: 8,
		Pair:      true,
	})
	require.NoError(t, err)

	item := ds.items[0]
	// Budget of 5 content tokens: the longer first sentence loses three.
	want := []int{ClsID, vocab.ID("a"), vocab.ID("b"), vocab.ID("c"), SepID, vocab.ID("x"), vocab.ID("y"), SepID}
	assert.Equal(t, want, item.ids)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 1, 1, 1}, item.segments)
}

func TestTruncatePair(t *testing.T) {
	tests := []struct {
		name         string
		a, b         int
		max          int
		wantA, wantB int
	}{
		{"fits", 2, 2, 5, 2, 2},
		{"trims longer", 6, 2, 5, 3, 2},
		{"trims both evenly", 5, 5, 6, 3, 3},
		{"negative budget", 2, 2, -1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := truncatePair(make([]int, tt.a), make([]int, tt.b), tt.max)
			assert.Len(t, a, tt.wantA)
			assert.Len(t, b, tt.wantB)
		})
	}
}

func TestNewDatasetRejectsUnknownLabel(t *testing.T) {
	train := []Example{{ID: "1", Text: "a", Labels: []string{"0"}}}
	dev := []Example{{ID: "2", Text: "b", Labels: []string{"7"}}}
	_, err := NewDataset("val", dev, NewVocab(), Tokenizer{}, testLabels(t, train), EncodeOptions{MaxSeqLen: 4, StartToken: ClsToken})
	require.ErrorIs(t, err, ErrUnknownLabel)

	_, err = NewDataset("val", nil, NewVocab(), Tokenizer{}, testLabels(t, train), EncodeOptions{MaxSeqLen: 4})
	require.ErrorIs(t, err, ErrNoExamples)
}

func newTextLoader(t *testing.T, n, batch int, shuffle bool) *Loader {
	t.Helper()
	examples := make([]Example, n)
	for i := range examples {
		text := "short"
		if i%3 == 0 {
			text = "a much longer example text"
		}
		examples[i] = Example{ID: string(rune('a' + i)), Text: text, Labels: []string{[]string{"0", "1"}[i%2]}}
	}
	vocab := BuildVocab(Tokenizer{}, examples)
	ds, err := NewDataset("train", examples, vocab, Tokenizer{}, testLabels(t, examples), EncodeOptions{MaxSeqLen: 16, StartToken: ClsToken})
	require.NoError(t, err)
	return NewLoader(ds, LoaderConfig{BatchSize: batch, Shuffle: shuffle, Seed: 7, Prefetch: 2})
}

func collectIDs(t *testing.T, l *Loader, epoch int) []string {
	t.Helper()
	var ids []string
	for b, err := range l.Batches(context.Background(), epoch) {
		require.NoError(t, err)
		ids = append(ids, b.IDs...)
	}
	return ids
}

func TestLoaderBatches(t *testing.T) {
	l := newTextLoader(t, 7, 3, false)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 7, l.NumExamples())

	var sizes []int
	for b, err := range l.Batches(context.Background(), 0) {
		require.NoError(t, err)
		sizes = append(sizes, b.Size())
		assert.Nil(t, b.Image)

		rows, cols := b.Target.Dims()
		assert.Equal(t, b.Size(), rows)
		assert.Equal(t, 2, cols)
		for i := range b.Text {
			require.Len(t, b.Text[i], b.SeqLen())
			require.Len(t, b.Mask[i], b.SeqLen())
			for j, id := range b.Text[i] {
				if b.Mask[i][j] == 0 {
					assert.Equal(t, PadID, id)
				}
			}
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, collectIDs(t, l, 0))
}

func TestLoaderShuffleIsSeededPerEpoch(t *testing.T) {
	l := newTextLoader(t, 20, 4, true)

	first := collectIDs(t, l, 3)
	again := collectIDs(t, l, 3)
	other := collectIDs(t, l, 4)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.ElementsMatch(t, first, other)
}

func TestLoaderEarlyBreak(t *testing.T) {
	l := newTextLoader(t, 50, 2, false)
	count := 0
	for _, err := range l.Batches(context.Background(), 0) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestLoaderCancelledContext(t *testing.T) {
	l := newTextLoader(t, 10, 2, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range l.Batches(ctx, 0) {
		gotErr = err
		break
	}
	require.ErrorIs(t, gotErr, context.Canceled)
}

func TestBatchClasses(t *testing.T) {
	l := newTextLoader(t, 4, 4, false)
	for b, err := range l.Batches(context.Background(), 0) {
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 0, 1}, b.Classes())
	}
}

func TestLoaderImagesAndDrops(t *testing.T) {
	root := t.TempDir()
	dir := datatest.WriteTask(t, root, datatest.Options{Train: 6, Dev: 2, Test: 2, Images: true})
	examples, err := LoadJSONL(filepath.Join(dir, "train.jsonl"), "meme")
	require.NoError(t, err)

	features, err := dataloader.NewFeatureLoader(dataloader.Config{ImageSize: 8, NumRegions: 2, PoolType: preprocessing.PoolAvg, NumWorkers: 2})
	require.NoError(t, err)
	vocab := BuildVocab(Tokenizer{}, examples)
	ds, err := NewDataset("train", examples, vocab, Tokenizer{}, testLabels(t, examples), EncodeOptions{MaxSeqLen: 8, StartToken: ClsToken})
	require.NoError(t, err)

	kept := NewLoader(ds, LoaderConfig{BatchSize: 6, Features: features})
	for b, err := range kept.Batches(context.Background(), 0) {
		require.NoError(t, err)
		rows, cols := b.Image.Dims()
		assert.Equal(t, 6, rows)
		assert.Equal(t, 2*preprocessing.RegionDim, cols)
		assert.NotEqual(t, features.Blank(), b.Image.RawRowView(0))
	}

	dropped := NewLoader(ds, LoaderConfig{BatchSize: 6, Features: features, DropImgPercent: 0.999999})
	for b, err := range dropped.Batches(context.Background(), 0) {
		require.NoError(t, err)
		for i := 0; i < b.Size(); i++ {
			assert.Equal(t, features.Blank(), b.Image.RawRowView(i))
		}
	}
}

func testConfig(t *testing.T, root string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataPath = root
	cfg.Savedir = t.TempDir()
	cfg.BatchSz = 4
	cfg.ImgSize = 8
	cfg.NWorkers = 2
	return cfg
}

func TestBuild(t *testing.T) {
	root := t.TempDir()
	datatest.WriteTask(t, root, datatest.Options{Train: 10, Dev: 4, Test: 3, Images: true})
	augmented := filepath.Join(t.TempDir(), "aug.jsonl")
	datatest.WriteJSONL(t, augmented, []map[string]any{
		{"id": "aug-0", "text": "fresh words", "label": 1},
		{"id": "aug-1", "text": "more words", "label": 1},
	})

	cfg := testConfig(t, root)
	cfg.AugmentedDataPath = augmented

	bundle, err := Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, 12, bundle.TrainLen)
	assert.Equal(t, 12, bundle.Train.NumExamples())
	assert.Equal(t, 4, bundle.Val.NumExamples())
	assert.Equal(t, []string{"test"}, bundle.TestNames)
	assert.Equal(t, 3, bundle.Tests["test"].NumExamples())
	assert.Equal(t, []string{"0", "1"}, bundle.Labels.Labels)
	assert.Equal(t, []int{5, 7}, bundle.Labels.Frequencies())
	require.NotNil(t, bundle.Features)

	_, known := bundle.Vocab.Lookup("fresh")
	assert.True(t, known)

	for b, err := range bundle.Train.Batches(context.Background(), 0) {
		require.NoError(t, err)
		assert.Equal(t, SepID, b.Text[0][0])
		assert.Equal(t, 1, b.Segment[0][0])
		_, cols := b.Image.Dims()
		assert.Equal(t, cfg.NumImageEmbeds*preprocessing.RegionDim, cols)
		break
	}
}

func TestBuildSentencePairTask(t *testing.T) {
	root := t.TempDir()
	datatest.WriteTask(t, root, datatest.Options{Task: "vsnli", Train: 4, Dev: 2, Test: 2})

	cfg := testConfig(t, root)
	cfg.Task = "vsnli"
	cfg.Model = "bert"

	bundle, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "test_hard"}, bundle.TestNames)
	assert.Nil(t, bundle.Features)
	assert.Equal(t, []string{"contradiction", "entailment"}, bundle.Labels.Labels)
}

func TestBuildMissingSplit(t *testing.T) {
	root := t.TempDir()
	datatest.WriteTask(t, root, datatest.Options{Train: 4, Dev: 2})

	_, err := Build(testConfig(t, root))
	require.ErrorIs(t, err, ErrNoExamples)
}
