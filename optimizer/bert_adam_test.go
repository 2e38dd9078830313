package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/nn"
)

func TestWarmupLinear(t *testing.T) {
	tests := []struct {
		progress, warmup, want float64
	}{
		{0, 0.1, 0},
		{0.05, 0.1, 0.5},
		{0.1, 0.1, 1},
		{0.55, 0.1, 0.5},
		{1, 0.1, 0},
		{1.5, 0.1, 0},
		{0.5, 0, 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, warmupLinear(tt.progress, tt.warmup), 1e-12, "progress %g warmup %g", tt.progress, tt.warmup)
	}
}

func TestDecayExempt(t *testing.T) {
	tests := []struct {
		name   string
		exempt bool
	}{
		{"enc.embeddings.LayerNorm.weight", true},
		{"enc.embeddings.LayerNorm.bias", true},
		{"clf.bias", true},
		{"clf.weight", false},
		{"enc.encoder.layer.0.intermediate.weight", false},
		{"enc.embeddings.word_embeddings.weight", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.exempt, decayExempt(tt.name))
		})
	}
}

func TestNewBertAdamValidation(t *testing.T) {
	cfg := DefaultBertAdamConfig()
	cfg.Warmup = 1
	_, err := NewBertAdamOptimizer(cfg, testParams())
	require.Error(t, err)

	_, err = NewBertAdamOptimizer(DefaultBertAdamConfig(), nil)
	require.Error(t, err)
}

func TestBertAdamUpdateRule(t *testing.T) {
	p := nn.NewParam("clf.weight", 1, 1, []float64{1})
	p.Grad = mat.NewDense(1, 1, []float64{0.5})

	cfg := DefaultBertAdamConfig()
	cfg.LearningRate = 0.1
	cfg.WeightDecay = 0
	cfg.TotalSteps = -1
	b, err := NewBertAdamOptimizer(cfg, []*nn.Param{p})
	require.NoError(t, err)
	require.NoError(t, b.Step())

	// No bias correction: m = 0.1*g, v = 0.001*g^2.
	m := 0.1 * 0.5
	v := 0.001 * 0.25
	want := 1 - 0.1*m/(math.Sqrt(v)+1e-6)
	assert.InDelta(t, want, p.Value.At(0, 0), 1e-12)
}

func TestBertAdamWarmupStartsAtZero(t *testing.T) {
	params := testParams()
	before := cloneParams(params)

	cfg := DefaultBertAdamConfig()
	cfg.LearningRate = 0.1
	cfg.TotalSteps = 10
	b, err := NewBertAdamOptimizer(cfg, params)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.CurrentLearningRate())

	// The first update is scheduled with progress 0, so nothing moves.
	require.NoError(t, b.Step())
	for i := range params {
		assert.Equal(t, before[i].Value.RawMatrix().Data, params[i].Value.RawMatrix().Data)
	}
	// Progress 1/10 reaches the end of warmup.
	assert.InDelta(t, 0.1, b.CurrentLearningRate(), 1e-12)

	require.NoError(t, b.Step())
	assert.NotEqual(t, before[0].Value.RawMatrix().Data, params[0].Value.RawMatrix().Data)
}

func TestBertAdamClipsEachParameter(t *testing.T) {
	p := nn.NewParam("clf.weight", 1, 2, []float64{0, 0})
	p.Grad = mat.NewDense(1, 2, []float64{3, 4})
	small := nn.NewParam("clf.bias", 1, 1, []float64{0})
	small.Grad = mat.NewDense(1, 1, []float64{0.5})

	b, err := NewBertAdamOptimizer(DefaultBertAdamConfig(), []*nn.Param{p, small})
	require.NoError(t, err)
	require.NoError(t, b.Step())

	coef := 1 / (5 + 1e-6)
	assert.InDelta(t, 3*coef, p.Grad.At(0, 0), 1e-12)
	assert.InDelta(t, 4*coef, p.Grad.At(0, 1), 1e-12)
	assert.Equal(t, 0.5, small.Grad.At(0, 0), "norms under the limit are left alone")
}

func TestBertAdamWeightDecayGroups(t *testing.T) {
	w := nn.NewParam("clf.weight", 1, 1, []float64{2})
	bias := nn.NewParam("clf.bias", 1, 1, []float64{2})
	norm := nn.NewParam("enc.embeddings.LayerNorm.weight", 1, 1, []float64{2})

	cfg := DefaultBertAdamConfig()
	cfg.LearningRate = 0.1
	cfg.WeightDecay = 0.5
	cfg.TotalSteps = -1
	b, err := NewBertAdamOptimizer(cfg, []*nn.Param{w, bias, norm})
	require.NoError(t, err)
	require.NoError(t, b.Step())

	// Zero gradients leave only the decay term.
	assert.InDelta(t, 2-0.1*0.5*2, w.Value.At(0, 0), 1e-12)
	assert.Equal(t, 2.0, bias.Value.At(0, 0))
	assert.Equal(t, 2.0, norm.Value.At(0, 0))
}

func TestBertAdamSkipsFrozenParameters(t *testing.T) {
	params := testParams()
	params[1].Frozen = true
	cfg := DefaultBertAdamConfig()
	cfg.TotalSteps = -1
	b, err := NewBertAdamOptimizer(cfg, params)
	require.NoError(t, err)

	require.NoError(t, b.Step())
	assert.Equal(t, []float64{0.1, -0.1}, params[1].Value.RawMatrix().Data)
	assert.Equal(t, []uint64{1, 0}, b.paramSteps)
}

func TestBertAdamLoadStateRestoresDecay(t *testing.T) {
	params := testParams()
	b, err := NewBertAdamOptimizer(DefaultBertAdamConfig(), params)
	require.NoError(t, err)
	state, err := b.GetState()
	require.NoError(t, err)
	state.Parameters["weight_decay"] = 0.3

	other, err := NewBertAdamOptimizer(DefaultBertAdamConfig(), cloneParams(params))
	require.NoError(t, err)
	require.NoError(t, other.LoadState(state))
	assert.Equal(t, []float64{0.3, 0}, other.decay)
}

func TestTotalSteps(t *testing.T) {
	tests := []struct {
		numTrain, batch, accum, epochs, want int
	}{
		{100, 32, 1, 10, 32},
		{12, 4, 2, 3, 5},
		{10, 5, 1, 2, 4},
		{8502, 4, 40, 100, 5314},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalSteps(tt.numTrain, tt.batch, tt.accum, tt.epochs))
	}
}

func TestNewForModel(t *testing.T) {
	cfg := config.Default()
	cfg.LR = 0.01
	cfg.BatchSz = 4
	cfg.GradientAccumulationSteps = 2
	cfg.MaxEpochs = 3

	cfg.Model = "mmbt"
	opt, err := NewForModel(cfg, testParams(), 12)
	require.NoError(t, err)
	bert, ok := opt.(*BertAdamOptimizerState)
	require.True(t, ok)
	assert.Equal(t, 5, bert.TotalSteps)
	assert.Equal(t, cfg.Warmup, bert.Warmup)
	assert.Equal(t, []float64{cfg.WeightDecay, 0}, bert.decay)

	cfg.Model = "bow"
	opt, err = NewForModel(cfg, testParams(), 12)
	require.NoError(t, err)
	adam, ok := opt.(*AdamOptimizerState)
	require.True(t, ok)
	assert.Equal(t, 0.01, adam.GetLearningRate())
}
