package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/memelab/mmbt/nn"
)

var (
	// ErrNotFound means there is no checkpoint at the path; callers start fresh.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt covers truncated files, bad magic, checksum mismatches and
	// undecodable contents.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a --checkpoint_format value to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "proto":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unsupported checkpoint format %q", name)
}

// Checkpoint is everything needed to continue a run: weights, optimizer
// and scheduler state, and the controller's counters.
type Checkpoint struct {
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState    `json:"scheduler_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Group string    `json:"group,omitempty"` // freeze group, empty for always-trained params
}

// TrainingState captures the controller counters. Epoch is the next epoch to
// run.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	GlobalStep   int     `json:"global_step"`
	NNoImprove   int     `json:"n_no_improve"`
	BestMetric   Metric  `json:"best_metric"`
	LearningRate float64 `json:"learning_rate"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam", "BertAdam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "step"
}

// SchedulerState is the plateau scheduler bookkeeping.
type SchedulerState struct {
	Best            Metric `json:"best"`
	NumBadEpochs    int    `json:"num_bad_epochs"`
	LastEpoch       int    `json:"last_epoch"`
	CooldownCounter int    `json:"cooldown_counter"`
	Initialized     bool   `json:"initialized"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Metric is a float64 whose JSON form also carries infinities and NaN.
type Metric float64

func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte(strconv.Quote(strconv.FormatFloat(f, 'g', -1, 64))), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid metric %s: %w", b, err)
	}
	*m = Metric(f)
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format new checkpoints are written in.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path atomically: readers see either the
// previous file or the complete new one.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "mmbt"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		payload []byte
		err     error
	)
	switch cs.format {
	case FormatProto:
		payload, err = encodeProto(checkpoint)
	case FormatJSON:
		payload, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(path, payload)
}

// LoadCheckpoint reads a checkpoint in either format; the format is detected
// from the file contents.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var checkpoint *Checkpoint
	switch {
	case hasMagic(payload):
		checkpoint, err = decodeProto(payload)
	case len(payload) > 0 && payload[0] == '{':
		checkpoint = &Checkpoint{}
		if jsonErr := json.Unmarshal(payload, checkpoint); jsonErr != nil {
			err = fmt.Errorf("%w: %v", ErrCorrupt, jsonErr)
		}
	default:
		err = fmt.Errorf("%w: unrecognised header", ErrCorrupt)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return checkpoint, nil
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// ExtractWeights copies the current value of every parameter.
func ExtractWeights(params []*nn.Param) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float64, p.Len())
		copy(data, p.Value.RawMatrix().Data)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: p.Shape(),
			Data:  data,
			Group: p.Group,
		}
	}
	return weights
}

// LoadWeights copies weights into params, matching by name. Every parameter
// must be present with the same shape.
func LoadWeights(weights []WeightTensor, params []*nn.Param) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", p.Name)
		}
		shape := p.Shape()
		if len(w.Shape) != len(shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v", p.Name, shape, w.Shape)
		}
		for j, dim := range shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs checkpoint %d",
					p.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != p.Len() {
			return fmt.Errorf("data size mismatch for weight %s: expected %d values, got %d", p.Name, p.Len(), len(w.Data))
		}
	}

	for _, p := range params {
		copy(p.Value.RawMatrix().Data, weightMap[p.Name].Data)
	}
	return nil
}
