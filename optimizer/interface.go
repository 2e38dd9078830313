// Package optimizer updates model parameters from their accumulated
// gradients. Optimizers keep their moment estimates per parameter and can
// export and restore them, so a resumed run continues exactly.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/memelab/mmbt/checkpoints"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update to every trainable parameter using its
	// current gradient. Frozen parameters are left untouched.
	Step() error

	// ZeroGrad clears the gradients of every parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the base learning rate.
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// CurrentLearningRate is the rate the next update applies after any
	// warmup or decay schedule.
	CurrentLearningRate() float64
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam", "BertAdam"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter moment tensors
}

// ToCheckpoint converts the state into its persisted form.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a persisted optimizer state back.
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// extractBufferIndex extracts the parameter index from state tensor names like "momentum_0", "variance_1", "step_2"
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state to load")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
