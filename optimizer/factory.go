package optimizer

import (
	"fmt"
	"math"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/nn"
)

// TotalSteps is the number of optimizer updates over a whole run.
func TotalSteps(numTrain, batchSize, accumulation, epochs int) int {
	perEpoch := float64(numTrain) / float64(batchSize) / float64(accumulation)
	return int(math.Ceil(perEpoch * float64(epochs)))
}

// NewForModel picks the optimizer for cfg.Model. Models with a BERT-style
// text encoder get BertAdam with warmup over the whole run; the rest get Adam.
func NewForModel(cfg config.Config, params []*nn.Param, numTrain int) (Optimizer, error) {
	if cfg.UsesPretrainedText() {
		bc := DefaultBertAdamConfig()
		bc.LearningRate = cfg.LR
		bc.Warmup = cfg.Warmup
		bc.WeightDecay = cfg.WeightDecay
		bc.TotalSteps = TotalSteps(numTrain, cfg.BatchSz, cfg.GradientAccumulationSteps, cfg.MaxEpochs)
		opt, err := NewBertAdamOptimizer(bc, params)
		if err != nil {
			return nil, fmt.Errorf("creating BertAdam: %w", err)
		}
		logging.Info("Optimizer ready", logging.Optim,
			"type", "BertAdam", "lr", bc.LearningRate, "warmup", bc.Warmup, "t_total", bc.TotalSteps)
		return opt, nil
	}

	ac := DefaultAdamConfig()
	ac.LearningRate = cfg.LR
	opt, err := NewAdamOptimizer(ac, params)
	if err != nil {
		return nil, fmt.Errorf("creating Adam: %w", err)
	}
	logging.Info("Optimizer ready", logging.Optim, "type", "Adam", "lr", ac.LearningRate)
	return opt, nil
}
