package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/memelab/mmbt/checkpoints"
	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/models"
	"github.com/memelab/mmbt/optimizer"
)

// TrainState is the controller state that survives a restart.
type TrainState struct {
	// Epoch is the next epoch to run.
	Epoch        int
	GlobalStep   int
	NNoImprove   int
	BestMetric   float64
	LearningRate float64
}

// freshState is where a run without a checkpoint starts.
func freshState(lr float64) TrainState {
	return TrainState{BestMetric: math.Inf(-1), LearningRate: lr}
}

// CheckpointManager writes the latest and best checkpoints of a run and
// restores them into the live model, optimizer and scheduler.
type CheckpointManager struct {
	paths     config.Paths
	saver     *checkpoints.CheckpointSaver
	model     models.Model
	optimizer optimizer.Optimizer
	scheduler *ReduceLROnPlateauScheduler
	runID     string
}

// NewCheckpointManager creates a manager for the run files in paths.
func NewCheckpointManager(paths config.Paths, format checkpoints.CheckpointFormat, model models.Model,
	opt optimizer.Optimizer, scheduler *ReduceLROnPlateauScheduler, runID string) *CheckpointManager {
	return &CheckpointManager{
		paths:     paths,
		saver:     checkpoints.NewCheckpointSaver(format),
		model:     model,
		optimizer: opt,
		scheduler: scheduler,
		runID:     runID,
	}
}

// Save writes checkpoint.pt and, when isBest, the same checkpoint as
// model_best.pt.
func (cm *CheckpointManager) Save(state TrainState, isBest bool) error {
	ckpt, err := cm.capture(state)
	if err != nil {
		return err
	}
	if err := cm.saver.SaveCheckpoint(ckpt, cm.paths.Checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if isBest {
		ckpt.Metadata.Description = fmt.Sprintf("Best checkpoint - epoch %d, metric %.5f", state.Epoch, state.BestMetric)
		if err := cm.saver.SaveCheckpoint(ckpt, cm.paths.Best); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
	}
	logging.Debug("Checkpoint saved", logging.Checkpoint, "epoch", state.Epoch, "best", isBest, "format", cm.saver.Format())
	return nil
}

func (cm *CheckpointManager) capture(state TrainState) (*checkpoints.Checkpoint, error) {
	optState, err := cm.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to extract optimizer state: %w", err)
	}
	return &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(cm.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        state.Epoch,
			GlobalStep:   state.GlobalStep,
			NNoImprove:   state.NNoImprove,
			BestMetric:   checkpoints.Metric(state.BestMetric),
			LearningRate: state.LearningRate,
		},
		OptimizerState: optState.ToCheckpoint(),
		SchedulerState: cm.scheduler.State(),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.runID,
			Description: fmt.Sprintf("Epoch %d", state.Epoch),
			Tags:        []string{cm.model.Name(), fmt.Sprintf("epoch_%d", state.Epoch)},
		},
	}, nil
}

// Restore loads checkpoint.pt into the model, optimizer and scheduler. It
// reports false with no error when there is nothing to resume from. A
// corrupt checkpoint is an error.
func (cm *CheckpointManager) Restore() (TrainState, bool, error) {
	ckpt, err := cm.saver.LoadCheckpoint(cm.paths.Checkpoint)
	if errors.Is(err, checkpoints.ErrNotFound) {
		return TrainState{}, false, nil
	}
	if err != nil {
		return TrainState{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := checkpoints.LoadWeights(ckpt.Weights, cm.model.Parameters()); err != nil {
		return TrainState{}, false, fmt.Errorf("failed to restore weights: %w", err)
	}
	if ckpt.OptimizerState == nil {
		return TrainState{}, false, fmt.Errorf("%w: checkpoint has no optimizer state", checkpoints.ErrCorrupt)
	}
	if err := cm.optimizer.LoadState(optimizer.FromCheckpoint(ckpt.OptimizerState)); err != nil {
		return TrainState{}, false, fmt.Errorf("failed to restore optimizer state: %w", err)
	}
	cm.scheduler.LoadState(ckpt.SchedulerState)

	ts := ckpt.TrainingState
	state := TrainState{
		Epoch:        ts.Epoch,
		GlobalStep:   ts.GlobalStep,
		NNoImprove:   ts.NNoImprove,
		BestMetric:   float64(ts.BestMetric),
		LearningRate: ts.LearningRate,
	}
	cm.optimizer.UpdateLearningRate(state.LearningRate)

	if ckpt.Metadata.RunID != "" && ckpt.Metadata.RunID != cm.runID {
		logging.Warn("Checkpoint belongs to a different run", logging.Checkpoint,
			"checkpoint_run", ckpt.Metadata.RunID, "run", cm.runID)
	}
	logging.Info("Resumed from checkpoint", logging.Checkpoint,
		"path", cm.paths.Checkpoint,
		"epoch", state.Epoch,
		"best_metric", state.BestMetric,
		"n_no_improve", state.NNoImprove)
	return state, true, nil
}

// LoadBestWeights copies the weights of model_best.pt into the model. Only
// the weights are restored.
func (cm *CheckpointManager) LoadBestWeights() error {
	ckpt, err := cm.saver.LoadCheckpoint(cm.paths.Best)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, cm.model.Parameters()); err != nil {
		return fmt.Errorf("failed to load best weights: %w", err)
	}
	logging.Info("Loaded best weights", logging.Checkpoint,
		"path", cm.paths.Best,
		"epoch", ckpt.TrainingState.Epoch,
		"best_metric", float64(ckpt.TrainingState.BestMetric))
	return nil
}
