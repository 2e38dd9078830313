package data

import (
	"fmt"
	"path/filepath"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/vision/dataloader"
	"github.com/memelab/mmbt/vision/preprocessing"
)

// Bundle is everything the trainer needs from the data side of a run.
type Bundle struct {
	Train *Loader
	Val   *Loader
	// Tests holds the evaluation splits keyed by name, in TestNames order.
	Tests     map[string]*Loader
	TestNames []string
	Labels    *LabelSet
	Vocab     *Vocab
	// Glove holds pretrained vectors by vocab id; nil without --glove_path.
	Glove map[int][]float64
	// TrainLen counts primary plus augmented training records.
	TrainLen int
	// Features is nil for text-only models.
	Features *dataloader.FeatureLoader
}

// SplitFiles returns the JSONL file of every split of a task.
func SplitFiles(cfg config.Config) (train, val string, tests map[string]string, testNames []string) {
	dir := cfg.TaskDir()
	tests = map[string]string{"test": filepath.Join(dir, "test.jsonl")}
	testNames = []string{"test"}
	if cfg.Task == "vsnli" {
		tests["test_hard"] = filepath.Join(dir, "test_hard.jsonl")
		testNames = append(testNames, "test_hard")
	}
	return filepath.Join(dir, "train.jsonl"), filepath.Join(dir, "dev.jsonl"), tests, testNames
}

// Build reads every split, fits labels and vocabulary on the data, and
// returns ready loaders.
func Build(cfg config.Config) (*Bundle, error) {
	trainPath, valPath, testPaths, testNames := SplitFiles(cfg)

	train, err := LoadJSONL(trainPath, cfg.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to load training data: %w", err)
	}
	if cfg.AugmentedDataPath != "" {
		augmented, err := LoadJSONL(cfg.AugmentedDataPath, cfg.Task)
		if err != nil {
			return nil, fmt.Errorf("failed to load augmented data: %w", err)
		}
		logging.Info("Loaded augmented training data", logging.Data, "path", cfg.AugmentedDataPath, "examples", len(augmented))
		train = append(train, augmented...)
	}
	val, err := LoadJSONL(valPath, cfg.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation data: %w", err)
	}
	tests := make(map[string][]Example, len(testNames))
	for _, name := range testNames {
		examples, err := LoadJSONL(testPaths[name], cfg.Task)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s data: %w", name, err)
		}
		tests[name] = examples
	}

	trainLen, err := CountExamples(trainPath, cfg.AugmentedDataPath)
	if err != nil {
		return nil, err
	}

	labels, err := NewLabelSet(train, cfg.Multilabel())
	if err != nil {
		return nil, err
	}

	tokenizer := Tokenizer{Lowercase: cfg.Lowercase()}
	allSplits := [][]Example{train, val}
	for _, name := range testNames {
		allSplits = append(allSplits, tests[name])
	}
	vocab := BuildVocab(tokenizer, allSplits...)

	bundle := &Bundle{
		Tests:     make(map[string]*Loader, len(testNames)),
		TestNames: testNames,
		Labels:    labels,
		Vocab:     vocab,
		TrainLen:  trainLen,
	}
	if cfg.GlovePath != "" && (cfg.Model == "bow" || cfg.Model == "concatbow") {
		glove, err := LoadGlove(cfg.GlovePath, vocab, cfg.EmbedSz)
		if err != nil {
			return nil, fmt.Errorf("failed to load glove vectors: %w", err)
		}
		logging.Info("Loaded glove vectors", logging.Data, "found", len(glove), "vocab", vocab.Len())
		bundle.Glove = glove
	}
	if cfg.UsesImages() {
		features, err := dataloader.NewFeatureLoader(dataloader.Config{
			ImageSize:  cfg.ImgSize,
			NumRegions: cfg.NumImageEmbeds,
			PoolType:   preprocessing.PoolType(cfg.ImgEmbedPoolType),
			NumWorkers: cfg.NWorkers,
		})
		if err != nil {
			return nil, err
		}
		bundle.Features = features
	}

	opts := EncodeOptions{
		MaxSeqLen:  cfg.TextSeqLen(),
		StartToken: cfg.TextStartToken(),
		Pair:       cfg.Task == "vsnli",
	}
	if cfg.Model == "mmbt" {
		opts.Segment = 1
	}

	newLoader := func(name string, examples []Example, isTrain bool) (*Loader, error) {
		ds, err := NewDataset(name, examples, vocab, tokenizer, labels, opts)
		if err != nil {
			return nil, err
		}
		lc := LoaderConfig{
			BatchSize: cfg.BatchSz,
			Seed:      cfg.Seed,
			Prefetch:  cfg.NWorkers,
			Features:  bundle.Features,
		}
		if isTrain {
			lc.Shuffle = true
			lc.DropImgPercent = cfg.DropImgPercent
		}
		return NewLoader(ds, lc), nil
	}

	if bundle.Train, err = newLoader("train", train, true); err != nil {
		return nil, err
	}
	if bundle.Val, err = newLoader("val", val, false); err != nil {
		return nil, err
	}
	for _, name := range testNames {
		loader, err := newLoader(name, tests[name], false)
		if err != nil {
			return nil, err
		}
		bundle.Tests[name] = loader
	}

	logging.Info("Data ready", logging.Data,
		"task", cfg.Task,
		"train", len(train),
		"val", len(val),
		"train_len", trainLen,
		"labels", labels.Len(),
		"vocab", vocab.Len())
	return bundle, nil
}
