package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelab/mmbt/checkpoints"
)

func TestReduceLROnPlateauValidation(t *testing.T) {
	_, err := NewReduceLROnPlateauScheduler(1, 2, "max")
	require.Error(t, err)
	_, err = NewReduceLROnPlateauScheduler(0.5, -1, "max")
	require.Error(t, err)
	_, err = NewReduceLROnPlateauScheduler(0.5, 2, "sideways")
	require.Error(t, err)
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	scheduler, err := NewReduceLROnPlateauScheduler(0.5, 2, "max")
	require.NoError(t, err)

	// Reduction happens once the bad epoch count exceeds patience.
	tests := []struct {
		metric   float64
		expected float64
		reduced  bool
		bad      int
	}{
		{0.60, 0.1, false, 0},
		{0.70, 0.1, false, 0},
		{0.70, 0.1, false, 1}, // equal is not better
		{0.65, 0.1, false, 2},
		{0.69, 0.05, true, 0},      // third bad epoch
		{0.700001, 0.05, false, 1}, // below the relative threshold
		{0.80, 0.05, false, 0},
		{0.10, 0.05, false, 1},
		{0.10, 0.05, false, 2},
		{0.10, 0.025, true, 0},
	}

	lr := 0.1
	for i, tt := range tests {
		var reduced bool
		lr, reduced = scheduler.Step(tt.metric, lr)
		assert.InDelta(t, tt.expected, lr, 1e-12, "epoch %d", i)
		assert.Equal(t, tt.reduced, reduced, "epoch %d", i)
		assert.Equal(t, tt.bad, scheduler.NumBadEpochs(), "epoch %d", i)
	}
}

func TestReduceLROnPlateauMinMode(t *testing.T) {
	scheduler, err := NewReduceLROnPlateauScheduler(0.1, 0, "min")
	require.NoError(t, err)

	lr, reduced := scheduler.Step(1.0, 0.1)
	assert.False(t, reduced)
	lr, reduced = scheduler.Step(0.5, lr)
	assert.False(t, reduced)
	lr, reduced = scheduler.Step(0.6, lr)
	assert.True(t, reduced)
	assert.InDelta(t, 0.01, lr, 1e-12)
}

func TestReduceLROnPlateauNaNIsBad(t *testing.T) {
	scheduler, err := NewReduceLROnPlateauScheduler(0.5, 0, "max")
	require.NoError(t, err)
	lr, reduced := scheduler.Step(math.NaN(), 0.1)
	assert.True(t, reduced)
	assert.InDelta(t, 0.05, lr, 1e-12)
}

func TestReduceLROnPlateauMinLR(t *testing.T) {
	scheduler, err := NewReduceLROnPlateauScheduler(0.5, 0, "max")
	require.NoError(t, err)
	scheduler.MinLR = 0.08

	lr, reduced := scheduler.Step(0.5, 0.1)
	assert.False(t, reduced)
	lr, reduced = scheduler.Step(0.4, lr)
	assert.True(t, reduced)
	assert.Equal(t, 0.08, lr)
	// Already at the floor.
	lr, reduced = scheduler.Step(0.4, lr)
	assert.False(t, reduced)
	assert.Equal(t, 0.08, lr)
}

func TestReduceLROnPlateauStateRoundTrip(t *testing.T) {
	fresh, err := NewReduceLROnPlateauScheduler(0.5, 1, "max")
	require.NoError(t, err)
	state := fresh.State()
	assert.True(t, math.IsInf(float64(state.Best), -1))
	assert.False(t, state.Initialized)

	a, err := NewReduceLROnPlateauScheduler(0.5, 1, "max")
	require.NoError(t, err)
	lr := 0.1
	for _, m := range []float64{0.5, 0.7, 0.6} {
		lr, _ = a.Step(m, lr)
	}
	saved := a.State()
	assert.Equal(t, checkpoints.SchedulerState{Best: 0.7, NumBadEpochs: 1, LastEpoch: 3, Initialized: true}, *saved)

	b, err := NewReduceLROnPlateauScheduler(0.5, 1, "max")
	require.NoError(t, err)
	b.LoadState(saved)

	lrA, reducedA := a.Step(0.6, lr)
	lrB, reducedB := b.Step(0.6, lr)
	assert.Equal(t, lrA, lrB)
	assert.True(t, reducedA)
	assert.Equal(t, reducedA, reducedB)

	// Loading nil keeps the scheduler fresh.
	c, err := NewReduceLROnPlateauScheduler(0.5, 1, "max")
	require.NoError(t, err)
	c.LoadState(nil)
	assert.Equal(t, fresh.State(), c.State())
}
