// Package models builds the classifier variants trained by the driver. All
// variants share one interface and are constructed through a registry keyed
// by the --model name.
package models

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/nn"
	"github.com/memelab/mmbt/vision/preprocessing"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoForward is returned by Backward when the gradient does not match
	// the batch of the preceding Forward call.
	ErrNoForward = errors.New("backward without matching forward")
)

// Model is a trainable classifier producing one row of logits per example.
type Model interface {
	Name() string
	// Forward returns batch x classes logits. Dropout is active when train is set.
	Forward(batch *data.Batch, train bool) (*mat.Dense, error)
	// Backward accumulates parameter gradients for dLogits, the loss
	// gradient with respect to the logits of the last Forward.
	Backward(dLogits *mat.Dense) error
	Parameters() []*nn.Param
	// Reseed restarts every dropout stream from seed.
	Reseed(seed int64)
}

// Freezable models can stop gradient flow into their image and text
// encoders independently.
type Freezable interface {
	SetFrozen(image, text bool)
}

// Spec carries the data-dependent sizes a model is built with.
type Spec struct {
	NumClasses int
	VocabSize  int
	// FeatureLen is the per-example image feature length, 0 without images.
	FeatureLen int
	// Glove rows by vocab id initialise bag-of-words embeddings.
	Glove map[int][]float64
}

type builder func(cfg config.Config, spec Spec, rng *rand.Rand) (Model, error)

// Variant describes one registered model.
type Variant struct {
	Name string
	// PretrainedText variants carry a BERT-style encoder and train with the
	// warmup optimizer.
	PretrainedText bool
	Freezable      bool
	Images         bool

	build builder
}

var registry = map[string]Variant{
	"bow":        {Name: "bow", build: newBowClassifier},
	"img":        {Name: "img", Images: true, build: newImageClassifier},
	"bert":       {Name: "bert", PretrainedText: true, build: newBertClassifier},
	"concatbow":  {Name: "concatbow", Images: true, build: newConcatBow},
	"concatbert": {Name: "concatbert", PretrainedText: true, Images: true, build: newConcatBert},
	"mmbt":       {Name: "mmbt", PretrainedText: true, Freezable: true, Images: true, build: newMMBT},
}

// Lookup returns the registered variant called name.
func Lookup(name string) (Variant, error) {
	v, ok := registry[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownModel, name, strings.Join(Names(), ", "))
	}
	return v, nil
}

// Names lists the registered variants in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the variant selected by cfg.Model. Weights are initialised from
// cfg.Seed.
func New(cfg config.Config, spec Spec) (Model, error) {
	v, err := Lookup(cfg.Model)
	if err != nil {
		return nil, err
	}
	if spec.NumClasses < 1 {
		return nil, fmt.Errorf("model %s needs at least one class", v.Name)
	}
	if spec.VocabSize <= data.SepID && v.Name != "img" {
		return nil, fmt.Errorf("model %s needs a vocabulary, got %d entries", v.Name, spec.VocabSize)
	}
	if v.Images {
		want := cfg.NumImageEmbeds * preprocessing.RegionDim
		if spec.FeatureLen != want {
			return nil, fmt.Errorf("model %s expects %d image features per example, got %d", v.Name, want, spec.FeatureLen)
		}
	}

	m, err := v.build(cfg, spec, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	total, trainable := nn.Count(m.Parameters())
	logging.Info("Built model", logging.Model, "model", v.Name, "parameters", total, "trainable", trainable)
	return m, nil
}

// Summary renders parameter counts per group and per tensor.
func Summary(m Model) string {
	params := m.Parameters()
	total, trainable := nn.Count(params)

	groups := make(map[string]int)
	for _, p := range params {
		group := p.Group
		if group == "" {
			group = "(ungrouped)"
		}
		groups[group] += p.Len()
	}
	groupNames := make([]string, 0, len(groups))
	for g := range groups {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", m.Name())
	fmt.Fprintf(&sb, "Total Parameters: %d (trainable %d)\n", total, trainable)
	sb.WriteString("Groups:\n")
	for _, g := range groupNames {
		fmt.Fprintf(&sb, "  %s: %d\n", g, groups[g])
	}
	sb.WriteString("Parameters:\n")
	for _, p := range params {
		flag := ""
		if p.Frozen {
			flag = " (frozen)"
		}
		fmt.Fprintf(&sb, "  %s %v%s\n", p.Name, p.Shape(), flag)
	}
	return sb.String()
}

// base carries what every variant shares.
type base struct {
	name   string
	params []*nn.Param
	drops  []*nn.Dropout
	batch  int
}

func (m *base) Name() string {
	return m.name
}

func (m *base) Parameters() []*nn.Param {
	return m.params
}

func (m *base) Reseed(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, d := range m.drops {
		d.Reseed(rng.Int63())
	}
}

func (m *base) checkBackward(dLogits *mat.Dense) error {
	r, _ := dLogits.Dims()
	if m.batch == 0 || r != m.batch {
		return fmt.Errorf("%w: gradient has %d rows, last batch had %d", ErrNoForward, r, m.batch)
	}
	return nil
}

// reshape reinterprets the row-major data of m as rows x cols.
func reshape(m *mat.Dense, rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, mat.DenseCopyOf(m).RawMatrix().Data)
}
