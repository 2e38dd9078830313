package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/memelab/mmbt/checkpoints"
	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/models"
	"github.com/memelab/mmbt/optimizer"
)

// HistoryFile holds the per-epoch records of a run inside its directory.
const HistoryFile = "history.json"

// Phase is the state of the training controller.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseTrainingEpoch
	PhaseValidating
	PhaseCheckpointing
	PhaseStopped
	PhaseFinalEval
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseTrainingEpoch:
		return "TRAINING_EPOCH"
	case PhaseValidating:
		return "VALIDATING"
	case PhaseCheckpointing:
		return "CHECKPOINTING"
	case PhaseStopped:
		return "STOPPED"
	case PhaseFinalEval:
		return "FINAL_EVAL"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Result summarises a finished run.
type Result struct {
	// Epochs is the number of epochs completed, including resumed ones.
	Epochs       int
	BestMetric   float64
	StoppedEarly bool
	TestMetrics  map[string]Metrics
}

// Trainer drives one run from initialisation to the final test evaluation.
type Trainer struct {
	cfg   config.Config
	paths config.Paths
	runID string

	bundle      *data.Bundle
	model       models.Model
	criterion   Loss
	optimizer   optimizer.Optimizer
	scheduler   *ReduceLROnPlateauScheduler
	checkpoints *CheckpointManager
	history     *History
	plotting    *PlottingService

	progress io.Writer
	phase    Phase
	state    TrainState
}

// NewTrainerFromConfig builds everything a run needs and restores the latest
// checkpoint of the run directory when there is one.
func NewTrainerFromConfig(cfg config.Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	paths := cfg.Paths()
	if err := os.MkdirAll(paths.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	runID, err := resolveRunID(paths.Args, cfg)
	if err != nil {
		return nil, err
	}
	if err := config.WriteArgs(paths.Args, cfg, runID); err != nil {
		return nil, err
	}

	bundle, err := data.Build(cfg)
	if err != nil {
		return nil, err
	}

	spec := models.Spec{
		NumClasses: bundle.Labels.Len(),
		VocabSize:  bundle.Vocab.Len(),
		Glove:      bundle.Glove,
	}
	if bundle.Features != nil {
		spec.FeatureLen = bundle.Features.FeatureLen()
	}
	model, err := models.New(cfg, spec)
	if err != nil {
		return nil, err
	}
	logging.Debug("Model summary\n"+models.Summary(model), logging.Model)

	criterion, err := NewCriterion(cfg, bundle.Labels.Frequencies(), bundle.TrainLen)
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.NewForModel(cfg, model.Parameters(), bundle.TrainLen)
	if err != nil {
		return nil, err
	}
	scheduler, err := NewReduceLROnPlateauScheduler(cfg.LRFactor, cfg.LRPatience, "max")
	if err != nil {
		return nil, err
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:         cfg,
		paths:       paths,
		runID:       runID,
		bundle:      bundle,
		model:       model,
		criterion:   criterion,
		optimizer:   opt,
		scheduler:   scheduler,
		checkpoints: NewCheckpointManager(paths, format, model, opt, scheduler, runID),
		progress:    os.Stderr,
		state:       freshState(opt.GetLearningRate()),
	}

	state, resumed, err := t.checkpoints.Restore()
	if err != nil {
		return nil, err
	}
	if resumed {
		t.state = state
	}
	if t.history, err = LoadHistory(filepath.Join(paths.RunDir, HistoryFile), t.state.Epoch); err != nil {
		return nil, err
	}
	if cfg.PlotServiceURL != "" {
		pc := DefaultPlottingServiceConfig()
		pc.BaseURL = cfg.PlotServiceURL
		t.plotting = NewPlottingService(pc)
	}

	logging.Info("Trainer ready", logging.Trainer,
		"run_id", runID,
		"model", model.Name(),
		"loss", criterion.Name(),
		"scheduler", scheduler.GetName(),
		"start_epoch", t.state.Epoch,
		"max_epochs", cfg.MaxEpochs)
	return t, nil
}

// resolveRunID keeps the run ID of an existing args file so a resumed run
// stays one run. Changed arguments are logged.
func resolveRunID(argsPath string, cfg config.Config) (string, error) {
	previous, runID, err := config.ReadArgs(argsPath)
	if errors.Is(err, os.ErrNotExist) {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", err
	}
	changes, err := config.Diff(previous, cfg)
	if err != nil {
		return "", err
	}
	for _, change := range changes {
		logging.Warn("Argument changed since the previous run", logging.Config, "change", change)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return runID, nil
}

// SetProgressOutput redirects the progress bars. Nil disables them.
func (t *Trainer) SetProgressOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	t.progress = w
}

// Phase returns the controller state.
func (t *Trainer) Phase() Phase {
	return t.phase
}

// State returns the resumable controller state.
func (t *Trainer) State() TrainState {
	return t.state
}

// Model returns the model being trained.
func (t *Trainer) Model() models.Model {
	return t.model
}

// History returns the per-epoch records so far.
func (t *Trainer) History() *History {
	return t.history
}

func (t *Trainer) enter(p Phase) {
	t.phase = p
	logging.Debug("Phase", logging.Trainer, "phase", p, "epoch", t.state.Epoch)
}

// Run trains until early stopping or max epochs, then evaluates the best
// weights on every test split. Cancelling ctx stops after the current batch;
// the last completed epoch stays checkpointed.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	for t.state.Epoch < t.cfg.MaxEpochs {
		if t.state.NNoImprove >= t.cfg.Patience {
			logging.Info("No improvement. Breaking out of loop.", logging.Trainer,
				"epoch", t.state.Epoch, "patience", t.cfg.Patience)
			result.StoppedEarly = true
			break
		}
		if err := t.runEpoch(ctx); err != nil {
			return nil, err
		}
	}
	t.enter(PhaseStopped)
	t.publishCurves()

	t.enter(PhaseFinalEval)
	testMetrics, err := t.finalEval(ctx)
	if err != nil {
		return nil, err
	}
	t.enter(PhaseDone)

	result.Epochs = t.state.Epoch
	result.BestMetric = t.state.BestMetric
	result.TestMetrics = testMetrics
	return result, nil
}

func (t *Trainer) runEpoch(ctx context.Context) error {
	epoch := t.state.Epoch
	start := time.Now()

	t.enter(PhaseTrainingEpoch)
	trainLoss, trainAcc, err := t.trainEpoch(ctx, epoch)
	if err != nil {
		return fmt.Errorf("training epoch %d failed: %w", epoch, err)
	}

	t.enter(PhaseValidating)
	val, err := t.evaluate(ctx, t.bundle.Val, fmt.Sprintf("Val %d/%d", epoch+1, t.cfg.MaxEpochs))
	if err != nil {
		return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
	}
	valMetrics := val.Metrics()
	LogMetrics("Val", t.cfg.TaskType, valMetrics)

	t.enter(PhaseCheckpointing)
	tuning := TuningMetric(t.cfg.TaskType, valMetrics)
	lr, _ := t.scheduler.Step(tuning, t.optimizer.GetLearningRate())
	t.optimizer.UpdateLearningRate(lr)

	isBest := tuning > t.state.BestMetric
	if isBest {
		t.state.BestMetric = tuning
		t.state.NNoImprove = 0
	} else {
		t.state.NNoImprove++
	}
	t.state.Epoch = epoch + 1
	t.state.LearningRate = lr
	if err := t.checkpoints.Save(t.state, isBest); err != nil {
		return err
	}

	t.history.Append(EpochRecord{
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		TrainAcc:     trainAcc,
		ValLoss:      valMetrics[MetricLoss],
		ValAcc:       valMetrics[MetricAcc],
		Tuning:       tuning,
		LearningRate: lr,
	})
	if err := t.history.Save(filepath.Join(t.paths.RunDir, HistoryFile)); err != nil {
		logging.Warn("Failed to save history", logging.Trainer, "error", err)
	}

	logging.Info("Epoch finished", logging.Trainer,
		"epoch", epoch,
		"train_loss", trainLoss,
		"train_acc", trainAcc,
		"tuning_metric", tuning,
		"best_metric", t.state.BestMetric,
		"improved", isBest,
		"n_no_improve", t.state.NNoImprove,
		"lr", lr,
		"scheduled_lr", t.optimizer.CurrentLearningRate(),
		"duration", time.Since(start).Round(time.Millisecond))
	if t.bundle.Features != nil {
		logging.Debug("Image feature cache", logging.Trainer, "stats", t.bundle.Features.Stats())
	}
	return nil
}

// applyFreeze freezes the encoders of freezable models while epoch is below
// their thresholds.
func (t *Trainer) applyFreeze(epoch int) {
	f, ok := t.model.(models.Freezable)
	if !ok {
		return
	}
	freezeImg := epoch < t.cfg.FreezeImg
	freezeTxt := epoch < t.cfg.FreezeTxt
	f.SetFrozen(freezeImg, freezeTxt)
	logging.Debug("Freeze schedule", logging.Trainer, "epoch", epoch, "img", freezeImg, "txt", freezeTxt)
}

// trainEpoch runs one pass over the training data. The loss of each batch is
// scaled by 1/accumulation and the optimizer steps every accumulation
// batches; a trailing partial window steps at the end of the epoch. The
// returned loss is the unscaled batch mean.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	t.applyFreeze(epoch)
	t.model.Reseed(t.cfg.Seed + int64(epoch))
	t.optimizer.ZeroGrad()

	accumulation := t.cfg.GradientAccumulationSteps
	scale := 1 / float64(accumulation)
	loader := t.bundle.Train
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.cfg.MaxEpochs), loader.Len())

	var (
		lossSum        float64
		batches        int
		correct, total int
		pending        int
	)
	step := func() error {
		if err := t.optimizer.Step(); err != nil {
			return err
		}
		t.optimizer.ZeroGrad()
		t.state.GlobalStep++
		pending = 0
		return nil
	}

	for batch, err := range loader.Batches(ctx, epoch) {
		if err != nil {
			return 0, 0, err
		}
		logits, err := t.model.Forward(batch, true)
		if err != nil {
			return 0, 0, err
		}
		loss, err := t.criterion.Forward(logits, batch.Target)
		if err != nil {
			return 0, 0, err
		}
		grad, err := t.criterion.Backward(logits, batch.Target)
		if err != nil {
			return 0, 0, err
		}
		if accumulation > 1 {
			grad.Scale(scale, grad)
		}
		if err := t.model.Backward(grad); err != nil {
			return 0, 0, err
		}

		lossSum += loss
		batches++
		c, n := batchCorrect(t.cfg.TaskType, logits, batch.Target)
		correct += c
		total += n

		pending++
		if pending == accumulation {
			if err := step(); err != nil {
				return 0, 0, err
			}
		}
		bar.Update(batches, map[string]float64{"loss": lossSum / float64(batches), "acc": ratio(correct, total)})
	}
	if pending > 0 {
		if err := step(); err != nil {
			return 0, 0, err
		}
	}
	bar.Finish()

	if batches == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(batches), ratio(correct, total), nil
}

// evaluate runs the model without dropout over loader.
func (t *Trainer) evaluate(ctx context.Context, loader *data.Loader, description string) (*Accumulator, error) {
	acc := NewAccumulator(t.cfg.TaskType)
	bar := NewProgressBar(t.progress, description, loader.Len())
	i := 0
	for batch, err := range loader.Batches(ctx, 0) {
		if err != nil {
			return nil, err
		}
		logits, err := t.model.Forward(batch, false)
		if err != nil {
			return nil, err
		}
		loss, err := t.criterion.Forward(logits, batch.Target)
		if err != nil {
			return nil, err
		}
		acc.Add(loss, logits, batch.Target, batch.IDs)
		i++
		bar.Update(i, nil)
	}
	bar.Finish()
	return acc, nil
}

// finalEval reloads the best weights and scores every test split, writing
// its predictions next to the checkpoints.
func (t *Trainer) finalEval(ctx context.Context) (map[string]Metrics, error) {
	if err := t.checkpoints.LoadBestWeights(); err != nil {
		if !errors.Is(err, checkpoints.ErrNotFound) {
			return nil, err
		}
		logging.Warn("No best checkpoint, evaluating current weights", logging.Checkpoint, "path", t.paths.Best)
	}

	results := make(map[string]Metrics, len(t.bundle.TestNames))
	for _, name := range t.bundle.TestNames {
		acc, err := t.evaluate(ctx, t.bundle.Tests[name], "Test "+name)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s failed: %w", name, err)
		}
		m := acc.Metrics()
		LogMetrics("Test - "+name, t.cfg.TaskType, m)

		preds, golds := acc.Predictions()
		if err := StorePredictions(t.paths.RunDir, name, t.cfg.TaskType, t.bundle.Labels.Labels, preds, golds); err != nil {
			return nil, err
		}
		results[name] = m
	}
	return results, nil
}

// publishCurves renders the curves when plotting is on and sends them to
// the plotting service when one is configured. Failures only warn.
func (t *Trainer) publishCurves() {
	if t.cfg.Plot {
		if err := RenderTrainingCurves(t.history, t.model.Name(), t.paths.RunDir); err != nil {
			logging.Warn("Failed to render training curves", logging.Plot, "error", err)
		}
	}
	if t.plotting != nil && t.plotting.IsEnabled() && t.history.Len() > 0 {
		t.plotting.PublishCurves(NewVisualizationCollector(t.model.Name(), t.history))
	}
}
