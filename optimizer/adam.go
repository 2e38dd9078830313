package optimizer

import (
	"fmt"
	"math"

	"github.com/memelab/mmbt/checkpoints"
	"github.com/memelab/mmbt/nn"
)

// AdamOptimizerState is Adam with bias correction and per-parameter step
// counts, so parameters that were frozen for a while start their correction
// from their own first update.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter
	Params          []*nn.Param

	paramSteps []uint64
	StepCount  uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params.
func NewAdamOptimizer(config AdamConfig, params []*nn.Param) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float64, len(params)),
		VarianceBuffers: make([][]float64, len(params)),
		Params:          params,
		paramSteps:      make([]uint64, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float64, p.Len())
		adam.VarianceBuffers[i] = make([]float64, p.Len())
	}
	return adam, nil
}

// Step performs a single optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	for i, p := range adam.Params {
		if p.Frozen {
			continue
		}
		adam.paramSteps[i]++
		t := float64(adam.paramSteps[i])
		biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
		biasCorrection2 := 1 - math.Pow(adam.Beta2, t)
		stepSize := adam.LearningRate / biasCorrection1
		sqrtCorrection2 := math.Sqrt(biasCorrection2)

		weights := p.Value.RawMatrix().Data
		grads := p.Grad.RawMatrix().Data
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range grads {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * weights[j]
			}
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return fmt.Errorf("non-finite gradient in %s", p.Name)
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			denom := math.Sqrt(v[j])/sqrtCorrection2 + adam.Epsilon
			weights[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (adam *AdamOptimizerState) ZeroGrad() {
	nn.ZeroGrads(adam.Params)
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the base learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// CurrentLearningRate is the rate the next update applies. Adam has no
// schedule of its own, so it is the base rate.
func (adam *AdamOptimizerState) CurrentLearningRate() float64 {
	return adam.LearningRate
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: momentStateData(adam.MomentumBuffers, adam.VarianceBuffers, adam.paramSteps),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	return restoreMomentState(state, adam.MomentumBuffers, adam.VarianceBuffers, adam.paramSteps)
}

// momentStateData exports first and second moments plus per-parameter
// step counts as momentum_i, variance_i and step_i tensors.
func momentStateData(momentum, variance [][]float64, steps []uint64) []checkpoints.OptimizerTensor {
	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(momentum))
	for i := range momentum {
		stateData = append(stateData,
			*extractBufferState(momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(variance[i], fmt.Sprintf("variance_%d", i), "variance"),
			*extractBufferState([]float64{float64(steps[i])}, fmt.Sprintf("step_%d", i), "step"),
		)
	}
	return stateData
}

// restoreMomentState is the inverse of momentStateData.
func restoreMomentState(state *OptimizerState, momentum, variance [][]float64, steps []uint64) error {
	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(momentum) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}

		switch tensor.StateType {
		case "momentum":
			if err := restoreBufferState(momentum[idx], tensor.Data, tensor.Name); err != nil {
				return err
			}
		case "variance":
			if err := restoreBufferState(variance[idx], tensor.Data, tensor.Name); err != nil {
				return err
			}
		case "step":
			if len(tensor.Data) != 1 {
				return fmt.Errorf("step tensor %s has %d values", tensor.Name, len(tensor.Data))
			}
			steps[idx] = uint64(tensor.Data[0])
		default:
			return fmt.Errorf("unknown optimizer state type %q in %s", tensor.StateType, tensor.Name)
		}
	}
	return nil
}
