package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelab/mmbt/checkpoints"
)

// TestExtractFloat64Param tests the extractFloat64Param helper function
func TestExtractFloat64Param(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]interface{}
		key          string
		defaultValue float64
		expected     float64
	}{
		{"existing_param", map[string]interface{}{"learning_rate": 0.01}, "learning_rate", 0.001, 0.01},
		{"missing_param", map[string]interface{}{"beta1": 0.9}, "learning_rate", 0.001, 0.001},
		{"wrong_type_param", map[string]interface{}{"learning_rate": "0.01"}, "learning_rate", 0.001, 0.001},
		{"zero_value", map[string]interface{}{"learning_rate": 0.0}, "learning_rate", 0.001, 0.0},
		{"nil_map", nil, "learning_rate", 0.001, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractFloat64Param(tt.params, tt.key, tt.defaultValue))
		})
	}
}

// TestExtractUint64Param tests the extractUint64Param helper function
func TestExtractUint64Param(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]interface{}
		defaultValue uint64
		expected     uint64
	}{
		{"stored_as_float64", map[string]interface{}{"step_count": float64(42)}, 0, 42},
		{"missing", map[string]interface{}{}, 7, 7},
		{"stored_as_int", map[string]interface{}{"step_count": 42}, 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractUint64Param(tt.params, "step_count", tt.defaultValue))
		})
	}
}

// TestExtractBufferState tests copying a moment buffer into a state tensor
func TestExtractBufferState(t *testing.T) {
	assert.Nil(t, extractBufferState(nil, "momentum_0", "momentum"))

	buffer := []float64{1, 2, 3}
	tensor := extractBufferState(buffer, "momentum_0", "momentum")
	require.NotNil(t, tensor)
	assert.Equal(t, checkpoints.OptimizerTensor{
		Name:      "momentum_0",
		Shape:     []int{3},
		Data:      []float64{1, 2, 3},
		StateType: "momentum",
	}, *tensor)

	buffer[0] = 99
	assert.Equal(t, 1.0, tensor.Data[0], "state must not alias the live buffer")
}

// TestRestoreBufferState tests copying saved data back into a buffer
func TestRestoreBufferState(t *testing.T) {
	buffer := make([]float64, 3)
	require.NoError(t, restoreBufferState(buffer, []float64{4, 5, 6}, "variance_1"))
	assert.Equal(t, []float64{4, 5, 6}, buffer)

	err := restoreBufferState(buffer, []float64{1}, "variance_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
	assert.Equal(t, []float64{4, 5, 6}, buffer)

	require.Error(t, restoreBufferState(nil, []float64{1}, "variance_1"))
}
