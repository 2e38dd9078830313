package training

import (
	"fmt"
	"math"

	"github.com/memelab/mmbt/checkpoints"
	"github.com/memelab/mmbt/logging"
)

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// It is stepped once per epoch with the validation tuning metric and is
// stateful, so its state travels with the checkpoint.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of bad epochs tolerated before a reduction
	Threshold float64 // Relative threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"
	Cooldown  int     // Epochs to wait after a reduction before counting again
	MinLR     float64
	Eps       float64 // Reductions smaller than this are skipped

	best            float64
	numBadEpochs    int
	lastEpoch       int
	cooldownCounter int
	initialized     bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, mode string) (*ReduceLROnPlateauScheduler, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("factor must be in (0, 1), got %g", factor)
	}
	if patience < 0 {
		return nil, fmt.Errorf("patience must not be negative, got %d", patience)
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf("mode must be min or max, got %q", mode)
	}

	s := &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		Mode:      mode,
		Eps:       1e-8,
	}
	s.best = s.worst()
	return s, nil
}

func (s *ReduceLROnPlateauScheduler) worst() float64 {
	if s.Mode == "min" {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

func (s *ReduceLROnPlateauScheduler) isBetter(metric float64) bool {
	if s.Mode == "min" {
		return metric < s.best*(1-s.Threshold)
	}
	return metric > s.best*(1+s.Threshold)
}

// Step records one epoch's metric and returns the learning rate to use from
// now on, and whether it was reduced.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) (float64, bool) {
	s.initialized = true
	s.lastEpoch++

	if s.isBetter(metric) {
		s.best = metric
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}

	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		s.numBadEpochs = 0
	}

	if s.numBadEpochs <= s.Patience {
		return currentLR, false
	}

	s.cooldownCounter = s.Cooldown
	s.numBadEpochs = 0
	newLR := math.Max(currentLR*s.Factor, s.MinLR)
	if currentLR-newLR <= s.Eps {
		return currentLR, false
	}
	logging.Info(fmt.Sprintf("Epoch %d: reducing learning rate to %.4e.", s.lastEpoch, newLR), logging.Trainer,
		"from", currentLR, "best", s.best)
	return newLR, true
}

// NumBadEpochs is the current count of epochs without improvement.
func (s *ReduceLROnPlateauScheduler) NumBadEpochs() int {
	return s.numBadEpochs
}

// GetName identifies the scheduler in logs.
func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// State exports the scheduler's counters for checkpointing.
func (s *ReduceLROnPlateauScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Best:            checkpoints.Metric(s.best),
		NumBadEpochs:    s.numBadEpochs,
		LastEpoch:       s.lastEpoch,
		CooldownCounter: s.cooldownCounter,
		Initialized:     s.initialized,
	}
}

// LoadState restores counters saved by State. A nil state leaves the
// scheduler fresh.
func (s *ReduceLROnPlateauScheduler) LoadState(state *checkpoints.SchedulerState) {
	if state == nil {
		return
	}
	s.best = float64(state.Best)
	if !state.Initialized {
		s.best = s.worst()
	}
	s.numBadEpochs = state.NumBadEpochs
	s.lastEpoch = state.LastEpoch
	s.cooldownCounter = state.CooldownCounter
	s.initialized = state.Initialized
}
