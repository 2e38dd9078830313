package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	ModelChoices            = []string{"bow", "img", "bert", "concatbow", "concatbert", "mmbt"}
	TaskChoices             = []string{"mmimdb", "vsnli", "food101", "meme"}
	TaskTypeChoices         = []string{"multilabel", "classification"}
	BertModelChoices        = []string{"bert-base-uncased", "bert-large-uncased", "roberta-base"}
	ImgEmbedPoolTypeChoices = []string{"max", "avg"}
	CheckpointFormatChoices = []string{"proto", "json"}
	LogLevelChoices         = []string{"debug", "info", "warn", "error"}
)

const (
	TaskTypeMultilabel     = "multilabel"
	TaskTypeClassification = "classification"
)

// Config holds every hyperparameter and path of a training run. It is built
// once at startup and never mutated afterwards.
type Config struct {
	BatchSz                   int     `koanf:"batch_sz"`
	BertModel                 string  `koanf:"bert_model"`
	DataPath                  string  `koanf:"data_path"`
	AugmentedDataPath         string  `koanf:"augmented_data_path"`
	DropImgPercent            float64 `koanf:"drop_img_percent"`
	Dropout                   float64 `koanf:"dropout"`
	EmbedSz                   int     `koanf:"embed_sz"`
	FreezeImg                 int     `koanf:"freeze_img"`
	FreezeTxt                 int     `koanf:"freeze_txt"`
	GlovePath                 string  `koanf:"glove_path"`
	GradientAccumulationSteps int     `koanf:"gradient_accumulation_steps"`
	Hidden                    []int   `koanf:"hidden"`
	HiddenSz                  int     `koanf:"hidden_sz"`
	ImgEmbedPoolType          string  `koanf:"img_embed_pool_type"`
	ImgHiddenSz               int     `koanf:"img_hidden_sz"`
	ImgSize                   int     `koanf:"img_size"`
	LR                        float64 `koanf:"lr"`
	LRFactor                  float64 `koanf:"lr_factor"`
	LRPatience                int     `koanf:"lr_patience"`
	MaxEpochs                 int     `koanf:"max_epochs"`
	MaxSeqLen                 int     `koanf:"max_seq_len"`
	Model                     string  `koanf:"model"`
	NWorkers                  int     `koanf:"n_workers"`
	Name                      string  `koanf:"name"`
	NumImageEmbeds            int     `koanf:"num_image_embeds"`
	Patience                  int     `koanf:"patience"`
	Savedir                   string  `koanf:"savedir"`
	Seed                      int64   `koanf:"seed"`
	Task                      string  `koanf:"task"`
	TaskType                  string  `koanf:"task_type"`
	Warmup                    float64 `koanf:"warmup"`
	WeightClasses             bool    `koanf:"weight_classes"`
	WeightDecay               float64 `koanf:"weight_decay"`
	CheckpointFormat          string  `koanf:"checkpoint_format"`
	Plot                      bool    `koanf:"plot"`
	PlotServiceURL            string  `koanf:"plot_service_url"`
	LogLevel                  string  `koanf:"log_level"`
}

// Default returns the stock hyperparameters.
func Default() Config {
	return Config{
		BatchSz:                   32,
		BertModel:                 "roberta-base",
		Dropout:                   0.1,
		EmbedSz:                   300,
		FreezeImg:                 10,
		FreezeTxt:                 10,
		GradientAccumulationSteps: 24,
		Hidden:                    []int{},
		HiddenSz:                  768,
		ImgEmbedPoolType:          "avg",
		ImgHiddenSz:               2048,
		ImgSize:                   64,
		LR:                        1e-4,
		LRFactor:                  0.5,
		LRPatience:                2,
		MaxEpochs:                 25,
		MaxSeqLen:                 128,
		Model:                     "mmbt",
		NWorkers:                  2,
		Name:                      "nameless",
		NumImageEmbeds:            3,
		Patience:                  10,
		Seed:                      123,
		Task:                      "meme",
		TaskType:                  TaskTypeClassification,
		Warmup:                    0.1,
		WeightClasses:             true,
		WeightDecay:               0.1,
		CheckpointFormat:          "proto",
		Plot:                      true,
		LogLevel:                  "info",
	}
}

// Validate checks closed choices and numeric ranges.
func (c Config) Validate() error {
	var errs []error
	choice := func(flag, value string, allowed []string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("--%s: invalid choice %q (choose from %s)", flag, value, strings.Join(allowed, ", ")))
		}
	}
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	choice("model", c.Model, ModelChoices)
	choice("task", c.Task, TaskChoices)
	choice("task_type", c.TaskType, TaskTypeChoices)
	choice("bert_model", c.BertModel, BertModelChoices)
	choice("img_embed_pool_type", c.ImgEmbedPoolType, ImgEmbedPoolTypeChoices)
	choice("checkpoint_format", c.CheckpointFormat, CheckpointFormatChoices)
	choice("log_level", c.LogLevel, LogLevelChoices)

	check(c.BatchSz > 0, "--batch_sz must be positive, got %d", c.BatchSz)
	check(c.GradientAccumulationSteps >= 1, "--gradient_accumulation_steps must be at least 1, got %d", c.GradientAccumulationSteps)
	check(c.MaxEpochs > 0, "--max_epochs must be positive, got %d", c.MaxEpochs)
	check(c.MaxSeqLen > 1, "--max_seq_len must be greater than 1, got %d", c.MaxSeqLen)
	check(c.LR > 0, "--lr must be positive, got %g", c.LR)
	check(c.LRFactor > 0 && c.LRFactor < 1, "--lr_factor must be in (0, 1), got %g", c.LRFactor)
	check(c.LRPatience >= 0, "--lr_patience must not be negative, got %d", c.LRPatience)
	check(c.Patience >= 1, "--patience must be at least 1, got %d", c.Patience)
	check(c.Dropout >= 0 && c.Dropout < 1, "--dropout must be in [0, 1), got %g", c.Dropout)
	check(c.DropImgPercent >= 0 && c.DropImgPercent < 1, "--drop_img_percent must be in [0, 1), got %g", c.DropImgPercent)
	check(c.Warmup >= 0 && c.Warmup < 1, "--warmup must be in [0, 1), got %g", c.Warmup)
	check(c.WeightDecay >= 0, "--weight_decay must not be negative, got %g", c.WeightDecay)
	check(c.NumImageEmbeds >= 1 && c.NumImageEmbeds <= 9, "--num_image_embeds must be in [1, 9], got %d", c.NumImageEmbeds)
	check(c.NWorkers >= 1, "--n_workers must be at least 1, got %d", c.NWorkers)
	check(c.EmbedSz > 0, "--embed_sz must be positive, got %d", c.EmbedSz)
	check(c.HiddenSz > 0, "--hidden_sz must be positive, got %d", c.HiddenSz)
	check(c.ImgHiddenSz > 0, "--img_hidden_sz must be positive, got %d", c.ImgHiddenSz)
	check(c.ImgSize >= 4, "--img_size must be at least 4, got %d", c.ImgSize)
	check(c.FreezeImg >= 0 && c.FreezeTxt >= 0, "--freeze_img and --freeze_txt must not be negative")
	for _, h := range c.Hidden {
		check(h > 0, "--hidden sizes must be positive, got %d", h)
	}
	if c.Model == "mmbt" {
		check(c.TextSeqLen() > 1, "--max_seq_len %d leaves no room for text after %d image embeddings", c.MaxSeqLen, c.NumImageEmbeds)
	}

	check(c.Savedir != "", "--savedir is required")
	check(c.Name != "", "--name must not be empty")
	if c.DataPath == "" {
		errs = append(errs, errors.New("--data_path is required"))
	} else if info, err := os.Stat(c.DataPath); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Errorf("--data_path %q is not a readable directory", c.DataPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Multilabel reports whether targets are label sets rather than a single class.
func (c Config) Multilabel() bool {
	return c.TaskType == TaskTypeMultilabel
}

// Lowercase reports whether text is lowercased before tokenization.
func (c Config) Lowercase() bool {
	return strings.Contains(c.BertModel, "uncased")
}

// UsesImages reports whether the selected model consumes image features.
func (c Config) UsesImages() bool {
	switch c.Model {
	case "img", "concatbow", "concatbert", "mmbt":
		return true
	}
	return false
}

// UsesPretrainedText reports whether the model carries a BERT-style text
// encoder, which selects the warmup optimizer.
func (c Config) UsesPretrainedText() bool {
	switch c.Model {
	case "bert", "concatbert", "mmbt":
		return true
	}
	return false
}

// TextStartToken is the special token that opens every text sequence.
func (c Config) TextStartToken() string {
	if c.Model == "mmbt" {
		return "[SEP]"
	}
	return "[CLS]"
}

// TextSeqLen is the number of text positions per example. mmbt gives part of
// the sequence budget to image embeddings.
func (c Config) TextSeqLen() int {
	if c.Model == "mmbt" {
		return c.MaxSeqLen - c.NumImageEmbeds
	}
	return c.MaxSeqLen
}

// TaskDir is the directory holding the task's JSONL files.
func (c Config) TaskDir() string {
	return filepath.Join(c.DataPath, c.Task)
}

// Paths are the files of one run, derived from savedir and name.
type Paths struct {
	RunDir     string
	Args       string
	Checkpoint string
	Best       string
	LogFile    string
}

func (c Config) Paths() Paths {
	dir := filepath.Join(c.Savedir, c.Name)
	return Paths{
		RunDir:     dir,
		Args:       filepath.Join(dir, "args.pt"),
		Checkpoint: filepath.Join(dir, "checkpoint.pt"),
		Best:       filepath.Join(dir, "model_best.pt"),
		LogFile:    filepath.Join(dir, "logfile.log"),
	}
}
