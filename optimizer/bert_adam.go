package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/memelab/mmbt/nn"
)

// noDecay lists name fragments whose parameters are never weight decayed.
var noDecay = []string{"bias", "LayerNorm.bias", "LayerNorm.weight"}

// decayExempt reports whether a parameter belongs to the zero weight decay group.
func decayExempt(name string) bool {
	for _, nd := range noDecay {
		if strings.Contains(name, nd) {
			return true
		}
	}
	return false
}

// warmupLinear ramps linearly up to 1 over the warmup fraction of training,
// then decays linearly to 0 at progress 1.
func warmupLinear(progress, warmup float64) float64 {
	if progress < warmup {
		return progress / warmup
	}
	if warmup >= 1 {
		return 0
	}
	return math.Max((progress-1)/(warmup-1), 0)
}

// BertAdamConfig holds configuration for the BertAdam optimizer
type BertAdamConfig struct {
	LearningRate float64
	Warmup       float64 // fraction of TotalSteps spent warming up
	TotalSteps   int     // <= 0 disables the schedule
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	MaxGradNorm  float64 // per-parameter clip, <= 0 disables
}

// DefaultBertAdamConfig returns default BertAdam configuration
func DefaultBertAdamConfig() BertAdamConfig {
	return BertAdamConfig{
		LearningRate: 5e-5,
		Warmup:       0.1,
		TotalSteps:   -1,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-6,
		WeightDecay:  0.01,
		MaxGradNorm:  1.0,
	}
}

// BertAdamOptimizerState is Adam without bias correction, with per-parameter
// gradient clipping, decoupled weight decay and a linear warmup schedule
// driven by each parameter's own step count.
type BertAdamOptimizerState struct {
	LearningRate float64
	Warmup       float64
	TotalSteps   int
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	MaxGradNorm  float64

	MomentumBuffers [][]float64
	VarianceBuffers [][]float64
	Params          []*nn.Param

	// decay is the weight decay applied to each parameter.
	decay      []float64
	paramSteps []uint64
	StepCount  uint64
}

// NewBertAdamOptimizer creates a BertAdam optimizer over params, splitting
// them into a decayed group and a bias/LayerNorm group without decay.
func NewBertAdamOptimizer(config BertAdamConfig, params []*nn.Param) (*BertAdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Warmup < 0 || config.Warmup >= 1 {
		return nil, fmt.Errorf("warmup must be in [0, 1), got %g", config.Warmup)
	}

	b := &BertAdamOptimizerState{
		LearningRate:    config.LearningRate,
		Warmup:          config.Warmup,
		TotalSteps:      config.TotalSteps,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MaxGradNorm:     config.MaxGradNorm,
		MomentumBuffers: make([][]float64, len(params)),
		VarianceBuffers: make([][]float64, len(params)),
		Params:          params,
		decay:           make([]float64, len(params)),
		paramSteps:      make([]uint64, len(params)),
	}
	for i, p := range params {
		b.MomentumBuffers[i] = make([]float64, p.Len())
		b.VarianceBuffers[i] = make([]float64, p.Len())
		if !decayExempt(p.Name) {
			b.decay[i] = config.WeightDecay
		}
	}
	return b, nil
}

// scheduledLR is the learning rate for a parameter that has taken step updates.
func (b *BertAdamOptimizerState) scheduledLR(step uint64) float64 {
	if b.TotalSteps <= 0 {
		return b.LearningRate
	}
	return b.LearningRate * warmupLinear(float64(step)/float64(b.TotalSteps), b.Warmup)
}

// Step performs a single optimization step
func (b *BertAdamOptimizerState) Step() error {
	b.StepCount++

	for i, p := range b.Params {
		if p.Frozen {
			continue
		}
		grads := p.Grad.RawMatrix().Data
		if b.MaxGradNorm > 0 {
			clipNorm(grads, b.MaxGradNorm)
		}

		lr := b.scheduledLR(b.paramSteps[i])
		weights := p.Value.RawMatrix().Data
		m := b.MomentumBuffers[i]
		v := b.VarianceBuffers[i]
		wd := b.decay[i]
		for j, g := range grads {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return fmt.Errorf("non-finite gradient in %s", p.Name)
			}
			m[j] = b.Beta1*m[j] + (1-b.Beta1)*g
			v[j] = b.Beta2*v[j] + (1-b.Beta2)*g*g
			update := m[j] / (math.Sqrt(v[j]) + b.Epsilon)
			if wd > 0 {
				update += wd * weights[j]
			}
			weights[j] -= lr * update
		}
		b.paramSteps[i]++
	}
	return nil
}

// clipNorm rescales grads in place so their L2 norm is at most maxNorm.
func clipNorm(grads []float64, maxNorm float64) {
	var sq float64
	for _, g := range grads {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	coef := maxNorm / (norm + 1e-6)
	if coef >= 1 {
		return
	}
	for j := range grads {
		grads[j] *= coef
	}
}

// ZeroGrad clears every parameter gradient.
func (b *BertAdamOptimizerState) ZeroGrad() {
	nn.ZeroGrads(b.Params)
}

// UpdateLearningRate updates the base learning rate the schedule scales.
func (b *BertAdamOptimizerState) UpdateLearningRate(newLR float64) {
	b.LearningRate = newLR
}

// GetLearningRate returns the base learning rate
func (b *BertAdamOptimizerState) GetLearningRate() float64 {
	return b.LearningRate
}

// CurrentLearningRate is the scheduled rate the next update of the first
// trainable parameter will use.
func (b *BertAdamOptimizerState) CurrentLearningRate() float64 {
	for i, p := range b.Params {
		if !p.Frozen {
			return b.scheduledLR(b.paramSteps[i])
		}
	}
	return b.scheduledLR(0)
}

// GetStepCount returns the current step count
func (b *BertAdamOptimizerState) GetStepCount() uint64 {
	return b.StepCount
}

// GetState extracts optimizer state for checkpointing
func (b *BertAdamOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "BertAdam",
		Parameters: map[string]interface{}{
			"learning_rate": b.LearningRate,
			"warmup":        b.Warmup,
			"t_total":       float64(b.TotalSteps),
			"beta1":         b.Beta1,
			"beta2":         b.Beta2,
			"epsilon":       b.Epsilon,
			"weight_decay":  b.WeightDecay,
			"max_grad_norm": b.MaxGradNorm,
			"step_count":    float64(b.StepCount),
		},
		StateData: momentStateData(b.MomentumBuffers, b.VarianceBuffers, b.paramSteps),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (b *BertAdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("BertAdam", state); err != nil {
		return err
	}

	b.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", b.LearningRate)
	b.Warmup = extractFloat64Param(state.Parameters, "warmup", b.Warmup)
	b.TotalSteps = int(extractFloat64Param(state.Parameters, "t_total", float64(b.TotalSteps)))
	b.Beta1 = extractFloat64Param(state.Parameters, "beta1", b.Beta1)
	b.Beta2 = extractFloat64Param(state.Parameters, "beta2", b.Beta2)
	b.Epsilon = extractFloat64Param(state.Parameters, "epsilon", b.Epsilon)
	b.MaxGradNorm = extractFloat64Param(state.Parameters, "max_grad_norm", b.MaxGradNorm)
	b.StepCount = extractUint64Param(state.Parameters, "step_count", b.StepCount)

	wd := extractFloat64Param(state.Parameters, "weight_decay", b.WeightDecay)
	b.WeightDecay = wd
	for i, p := range b.Params {
		if !decayExempt(p.Name) {
			b.decay[i] = wd
		}
	}

	return restoreMomentState(state, b.MomentumBuffers, b.VarianceBuffers, b.paramSteps)
}
