package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix selects environment overrides, e.g. MMBT_BATCH_SZ=16.
const EnvPrefix = "MMBT_"

// ConfigFileFlag names the optional YAML file flag.
const ConfigFileFlag = "config"

// BindFlags registers one flag per Config field, defaulting to Default().
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.Int("batch_sz", d.BatchSz, "examples per batch")
	fs.String("bert_model", d.BertModel, "text backbone: "+strings.Join(BertModelChoices, ", "))
	fs.String("data_path", d.DataPath, "root directory holding <task>/train.jsonl, dev.jsonl and test.jsonl")
	fs.String("augmented_data_path", d.AugmentedDataPath, "optional JSONL file of extra training examples")
	fs.Float64("drop_img_percent", d.DropImgPercent, "probability of replacing a training image with a blank one")
	fs.Float64("dropout", d.Dropout, "dropout probability")
	fs.Int("embed_sz", d.EmbedSz, "bag-of-words embedding size")
	fs.Int("freeze_img", d.FreezeImg, "epochs during which the image encoder is frozen")
	fs.Int("freeze_txt", d.FreezeTxt, "epochs during which the text encoder is frozen")
	fs.String("glove_path", d.GlovePath, "optional GloVe vectors for the bow models")
	fs.Int("gradient_accumulation_steps", d.GradientAccumulationSteps, "batches per optimizer step")
	fs.IntSlice("hidden", d.Hidden, "hidden layer sizes of the concat classifier heads")
	fs.Int("hidden_sz", d.HiddenSz, "text encoder width")
	fs.String("img_embed_pool_type", d.ImgEmbedPoolType, "image region pooling: "+strings.Join(ImgEmbedPoolTypeChoices, ", "))
	fs.Int("img_hidden_sz", d.ImgHiddenSz, "image encoder width per region")
	fs.Int("img_size", d.ImgSize, "side in pixels images are resized to before pooling")
	fs.Float64("lr", d.LR, "learning rate")
	fs.Float64("lr_factor", d.LRFactor, "plateau scheduler reduction factor")
	fs.Int("lr_patience", d.LRPatience, "plateau scheduler patience in epochs")
	fs.Int("max_epochs", d.MaxEpochs, "maximum number of epochs")
	fs.Int("max_seq_len", d.MaxSeqLen, "maximum sequence length")
	fs.String("model", d.Model, "model variant: "+strings.Join(ModelChoices, ", "))
	fs.Int("n_workers", d.NWorkers, "image loading workers")
	fs.String("name", d.Name, "run name, the run directory is savedir/name")
	fs.Int("num_image_embeds", d.NumImageEmbeds, "image regions per example (1-9)")
	fs.Int("patience", d.Patience, "epochs without improvement before stopping")
	fs.String("savedir", d.Savedir, "directory receiving run directories")
	fs.Int64("seed", d.Seed, "random seed")
	fs.String("task", d.Task, "task: "+strings.Join(TaskChoices, ", "))
	fs.String("task_type", d.TaskType, "task type: "+strings.Join(TaskTypeChoices, ", "))
	fs.Float64("warmup", d.Warmup, "fraction of optimizer steps used for linear warmup")
	fs.Bool("weight_classes", d.WeightClasses, "weight positive labels by inverse frequency (multilabel)")
	fs.Float64("weight_decay", d.WeightDecay, "weight decay of the decayed parameter group")
	fs.String("checkpoint_format", d.CheckpointFormat, "checkpoint encoding: "+strings.Join(CheckpointFormatChoices, ", "))
	fs.Bool("plot", d.Plot, "render training curves into the run directory")
	fs.String("plot_service_url", d.PlotServiceURL, "optional plotting service receiving the training curves")
	fs.String("log_level", d.LogLevel, "log level: "+strings.Join(LogLevelChoices, ", "))
	fs.String(ConfigFileFlag, "", "optional YAML file with flag values")

	fs.Int("include_bn", 1, "accepted for older command lines, has no effect")
	includeBN := fs.Lookup("include_bn")
	includeBN.Deprecated = "the image encoder has no batch norm layers"
	includeBN.Hidden = true
}

// listKeys are the list-valued settings; their environment values are
// comma separated, as on the command line.
var listKeys = map[string]bool{"hidden": true}

func envValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if !listKeys[key] {
		return key, value
	}
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

// Load layers defaults, the optional YAML file, MMBT_ environment variables
// and explicitly set flags, in that order, then validates the result.
func Load(fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if fs.Lookup(ConfigFileFlag) != nil {
		path, err := fs.GetString(ConfigFileFlag)
		if err != nil {
			return Config{}, err
		}
		if path != "" {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
