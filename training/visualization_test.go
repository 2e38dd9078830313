package training

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory(epochs int) *History {
	h := &History{}
	for e := range epochs {
		h.Append(EpochRecord{
			Epoch:        e,
			TrainLoss:    1.0 / float64(e+1),
			TrainAcc:     0.5 + 0.05*float64(e),
			ValLoss:      1.2 / float64(e+1),
			ValAcc:       0.45 + 0.05*float64(e),
			Tuning:       0.45 + 0.05*float64(e),
			LearningRate: 1e-4,
		})
	}
	return h
}

func TestHistorySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, sampleHistory(5).Save(path))

	tests := []struct {
		name       string
		startEpoch int
		expected   int
	}{
		{"all epochs kept", 5, 5},
		{"resume truncates later epochs", 3, 3},
		{"fresh start", 0, 0},
		{"start beyond history", 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := LoadHistory(path, tt.startEpoch)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, h.Len())
			for i, r := range h.Records {
				assert.Equal(t, i, r.Epoch)
			}
		})
	}
}

func TestLoadHistoryMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	h, err := LoadHistory(filepath.Join(dir, "nope.json"), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Len())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadHistory(bad, 3)
	assert.Error(t, err)
}

func TestGenerateTrainingCurvesPlot(t *testing.T) {
	h := sampleHistory(3)
	h.Records[1].ValLoss = math.NaN()
	pd := NewVisualizationCollector("mmbt", h).GenerateTrainingCurvesPlot()

	assert.Equal(t, TrainingCurves, pd.PlotType)
	assert.Equal(t, "Training Curves - mmbt", pd.Title)
	require.Len(t, pd.Series, 4)
	for _, s := range pd.Series {
		assert.Len(t, s.Data, 3)
	}
	assert.Equal(t, "Val Loss", pd.Series[2].Name)
	assert.Nil(t, pd.Series[2].Data[1].Y)
	assert.Equal(t, "dashed", pd.Series[2].Style["line_style"])
	assert.Equal(t, 3, pd.Metrics["epochs"])

	out, err := pd.ToJSON()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "training_curves", decoded["plot_type"])
}

func TestGenerateLearningRateSchedulePlot(t *testing.T) {
	pd := NewVisualizationCollector("bow", sampleHistory(2)).GenerateLearningRateSchedulePlot()
	assert.Equal(t, LearningRateSchedule, pd.PlotType)
	assert.Equal(t, "log", pd.Config.YAxisScale)
	require.Len(t, pd.Series, 1)
	assert.Equal(t, 1e-4, pd.Series[0].Data[1].Y)
}

func TestRenderTrainingCurves(t *testing.T) {
	dir := t.TempDir()
	h := sampleHistory(4)
	h.Records[2].ValAcc = math.Inf(1)
	require.NoError(t, RenderTrainingCurves(h, "mmbt", dir))

	for _, name := range []string{LossCurvesFile, AccuracyCurvesFile, CurvesDataFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
}

func TestRenderTrainingCurvesEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, RenderTrainingCurves(&History{}, "mmbt", dir))
	_, err := os.Stat(filepath.Join(dir, LossCurvesFile))
	assert.True(t, os.IsNotExist(err))
}
