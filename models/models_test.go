package models

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/data"
	"github.com/memelab/mmbt/nn"
	"github.com/memelab/mmbt/vision/preprocessing"
)

const (
	testVocab   = 12
	testClasses = 3
	testRegions = 2
)

func tinyConfig(model string) config.Config {
	cfg := config.Default()
	cfg.Model = model
	cfg.HiddenSz = 6
	cfg.ImgHiddenSz = 5
	cfg.EmbedSz = 4
	cfg.NumImageEmbeds = testRegions
	cfg.MaxSeqLen = 8
	cfg.Hidden = []int{7}
	cfg.Dropout = 0.2
	return cfg
}

func tinySpec() Spec {
	return Spec{
		NumClasses: testClasses,
		VocabSize:  testVocab,
		FeatureLen: testRegions * preprocessing.RegionDim,
	}
}

func tinyBatch(seed int64) *data.Batch {
	rng := rand.New(rand.NewSource(seed))
	b := &data.Batch{
		Text:    [][]int{{data.ClsID, 5, 6, 7}, {data.ClsID, 8, 9, data.PadID}},
		Segment: [][]int{{0, 0, 1, 1}, {0, 0, 0, 0}},
		Mask:    [][]float64{{1, 1, 1, 1}, {1, 1, 1, 0}},
		Target:  mat.NewDense(2, testClasses, []float64{1, 0, 0, 0, 0, 1}),
		IDs:     []string{"a", "b"},
	}
	img := make([]float64, 2*testRegions*preprocessing.RegionDim)
	for i := range img {
		img[i] = rng.NormFloat64()
	}
	b.Image = mat.NewDense(2, testRegions*preprocessing.RegionDim, img)
	return b
}

func newTiny(t *testing.T, model string) Model {
	t.Helper()
	m, err := New(tinyConfig(model), tinySpec())
	require.NoError(t, err)
	return m
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"bert", "bow", "concatbert", "concatbow", "img", "mmbt"}, Names())
	for _, name := range config.ModelChoices {
		v, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, v.Name)
	}

	mmbt, _ := Lookup("mmbt")
	assert.True(t, mmbt.Freezable)
	assert.True(t, mmbt.PretrainedText)
	bow, _ := Lookup("bow")
	assert.False(t, bow.PretrainedText)
	assert.False(t, bow.Images)

	_, err := Lookup("vilbert")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewValidatesSpec(t *testing.T) {
	spec := tinySpec()
	spec.FeatureLen = 10
	_, err := New(tinyConfig("mmbt"), spec)
	require.Error(t, err)

	spec = tinySpec()
	spec.NumClasses = 0
	_, err = New(tinyConfig("bow"), spec)
	require.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			m := newTiny(t, name)
			assert.Equal(t, name, m.Name())

			logits, err := m.Forward(tinyBatch(1), true)
			require.NoError(t, err)
			r, c := logits.Dims()
			assert.Equal(t, 2, r)
			assert.Equal(t, testClasses, c)
			for _, v := range logits.RawMatrix().Data {
				assert.False(t, math.IsNaN(v))
			}

			_, freezable := m.(Freezable)
			v, _ := Lookup(name)
			assert.Equal(t, v.Freezable, freezable)
		})
	}
}

func TestImageModelsRequireFeatures(t *testing.T) {
	for _, name := range []string{"img", "concatbow", "concatbert", "mmbt"} {
		b := tinyBatch(1)
		b.Image = nil
		_, err := newTiny(t, name).Forward(b, false)
		require.Error(t, err, name)
	}
}

func TestBackwardWithoutForward(t *testing.T) {
	m := newTiny(t, "bert")
	err := m.Backward(mat.NewDense(2, testClasses, nil))
	require.ErrorIs(t, err, ErrNoForward)
}

// weightedSum is a scalar loss with a known logits gradient w.
func weightedSum(logits, w *mat.Dense) float64 {
	return mat.Sum(elem(logits, w))
}

func elem(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			m := newTiny(t, name)
			b := tinyBatch(2)

			rng := rand.New(rand.NewSource(9))
			wData := make([]float64, 2*testClasses)
			for i := range wData {
				wData[i] = rng.NormFloat64()
			}
			w := mat.NewDense(2, testClasses, wData)

			loss := func() float64 {
				logits, err := m.Forward(b, false)
				require.NoError(t, err)
				return weightedSum(logits, w)
			}

			nn.ZeroGrads(m.Parameters())
			loss()
			require.NoError(t, m.Backward(w))

			const eps = 1e-6
			checked := 0
			for _, p := range m.Parameters() {
				if p.Frozen {
					continue
				}
				values := p.Value.RawMatrix().Data
				grads := p.Grad.RawMatrix().Data
				for _, i := range []int{0, len(values) / 2, len(values) - 1} {
					orig := values[i]
					values[i] = orig + eps
					plus := loss()
					values[i] = orig - eps
					minus := loss()
					values[i] = orig

					numeric := (plus - minus) / (2 * eps)
					assert.InDelta(t, numeric, grads[i], 1e-5+1e-4*math.Abs(numeric), "%s[%d]", p.Name, i)
					checked++
				}
			}
			assert.Positive(t, checked)
		})
	}
}

func TestBowEmbeddingsStayFixed(t *testing.T) {
	spec := tinySpec()
	spec.Glove = map[int][]float64{5: {1, 2, 3, 4}}
	m, err := New(tinyConfig("bow"), spec)
	require.NoError(t, err)

	emb := m.Parameters()[0]
	assert.Equal(t, "enc.embed.weight", emb.Name)
	assert.True(t, emb.Frozen)
	assert.Equal(t, []float64{1, 2, 3, 4}, emb.Value.RawRowView(5))

	_, err = m.Forward(tinyBatch(1), true)
	require.NoError(t, err)
	require.NoError(t, m.Backward(mat.NewDense(2, testClasses, []float64{1, 1, 1, 1, 1, 1})))
	assert.Zero(t, mat.Norm(emb.Grad, 2))
}

func groupGradNorm(params []*nn.Param, group string) float64 {
	total := 0.0
	for _, p := range params {
		if p.Group == group {
			total += mat.Norm(p.Grad, 2)
		}
	}
	return total
}

func TestMMBTFreezeStopsEncoderGradients(t *testing.T) {
	tests := []struct {
		name             string
		image, text      bool
		wantImg, wantTxt bool
	}{
		{"both frozen", true, true, false, false},
		{"image frozen", true, false, false, true},
		{"text frozen", false, true, true, false},
		{"none frozen", false, false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTiny(t, "mmbt")
			m.(Freezable).SetFrozen(tt.image, tt.text)
			params := m.Parameters()
			nn.ZeroGrads(params)

			_, err := m.Forward(tinyBatch(3), true)
			require.NoError(t, err)
			require.NoError(t, m.Backward(mat.NewDense(2, testClasses, []float64{1, -1, 0.5, 0.2, 0.3, -0.4})))

			assert.Equal(t, tt.wantImg, groupGradNorm(params, nn.GroupImageEncoder) > 0)
			assert.Equal(t, tt.wantTxt, groupGradNorm(params, nn.GroupTextEncoder) > 0)
			// Embeddings and the classifier always train.
			assert.Positive(t, groupGradNorm(params, ""))
		})
	}
}

func TestReseedMakesDropoutReproducible(t *testing.T) {
	m := newTiny(t, "concatbert")
	b := tinyBatch(4)

	m.Reseed(42)
	first, err := m.Forward(b, true)
	require.NoError(t, err)
	first = mat.DenseCopyOf(first)

	second, err := m.Forward(b, true)
	require.NoError(t, err)
	assert.False(t, mat.Equal(first, second))

	m.Reseed(42)
	again, err := m.Forward(b, true)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first, again))

	evalA, _ := m.Forward(b, false)
	evalA = mat.DenseCopyOf(evalA)
	evalB, _ := m.Forward(b, false)
	assert.True(t, mat.Equal(evalA, evalB))
}

func TestSameSeedSameWeights(t *testing.T) {
	a := newTiny(t, "mmbt").Parameters()
	b := newTiny(t, "mmbt").Parameters()
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Name, b[i].Name)
		assert.True(t, mat.Equal(a[i].Value, b[i].Value), a[i].Name)
	}
}

func TestParameterNamesAreUnique(t *testing.T) {
	for _, name := range Names() {
		seen := make(map[string]bool)
		for _, p := range newTiny(t, name).Parameters() {
			assert.False(t, seen[p.Name], "%s: duplicate %s", name, p.Name)
			seen[p.Name] = true
		}
	}
}

func TestSummary(t *testing.T) {
	m := newTiny(t, "mmbt")
	m.(Freezable).SetFrozen(true, false)
	s := Summary(m)

	assert.True(t, strings.HasPrefix(s, "Model Summary: mmbt\n"))
	assert.Contains(t, s, "image_encoder: ")
	assert.Contains(t, s, "text_encoder: ")
	assert.Contains(t, s, "enc.embeddings.LayerNorm.weight [1 6]")
	assert.Contains(t, s, "img_encoder.region.weight [48 5] (frozen)")
}

func TestPositionOverflow(t *testing.T) {
	cfg := tinyConfig("bert")
	cfg.MaxSeqLen = 3
	cfg.NumImageEmbeds = 1
	m, err := New(cfg, tinySpec())
	require.NoError(t, err)
	_, err = m.Forward(tinyBatch(1), false)
	require.Error(t, err)
}
