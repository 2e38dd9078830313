package optimizer

import (
	"fmt"

	"github.com/memelab/mmbt/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single moment buffer into a state tensor.
func extractBufferState(buffer []float64, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float64, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies saved data back into a moment buffer.
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat64Param safely extracts a float64 parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := params[key].(float64); ok {
		return uint64(val)
	}
	return defaultValue
}
