package training

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()
	assert.Equal(t, "http://localhost:8080", config.BaseURL)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 3, config.RetryAttempts)
	assert.Equal(t, time.Second, config.RetryDelay)
}

func TestPlottingServiceEnabledByURL(t *testing.T) {
	ps := NewPlottingService(PlottingServiceConfig{})
	assert.False(t, ps.IsEnabled())

	resp, err := ps.SendPlotData(PlotData{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Error(t, ps.CheckHealth())
	assert.Empty(t, ps.PublishCurves(NewVisualizationCollector("m", &History{})))

	ps = NewPlottingService(PlottingServiceConfig{BaseURL: "http://test:9090", Timeout: time.Second})
	assert.True(t, ps.IsEnabled())
	ps.Disable()
	assert.False(t, ps.IsEnabled())
}

// sidecar fakes the plotting application and records what it received.
func sidecar(t *testing.T, failFirst int32) (*httptest.Server, *[]PlotData, *atomic.Int32) {
	t.Helper()
	var received []PlotData
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/plot", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		n := calls.Add(1)
		if n <= failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(PlottingResponse{Message: "busy"})
			return
		}
		var pd PlotData
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&pd)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, pd)
		_ = json.NewEncoder(w).Encode(PlottingResponse{Success: true, ViewURL: "/view/" + string(pd.PlotType)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &received, &calls
}

func TestPlottingServiceSendPlotData(t *testing.T) {
	srv, received, _ := sidecar(t, 0)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second})

	require.NoError(t, ps.CheckHealth())
	resp, err := ps.SendPlotData(PlotData{PlotType: TrainingCurves, ModelName: "mmbt"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "/view/training_curves", resp.ViewURL)
	require.Len(t, *received, 1)
	assert.Equal(t, "mmbt", (*received)[0].ModelName)
}

func TestPlottingServiceHTTPError(t *testing.T) {
	srv, _, _ := sidecar(t, 100)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second})

	resp, err := ps.SendPlotData(PlotData{PlotType: TrainingCurves})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, "busy", resp.Message)
}

func TestPlottingServiceRetry(t *testing.T) {
	srv, received, calls := sidecar(t, 2)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 3})

	resp, err := ps.SendPlotDataWithRetry(PlotData{PlotType: LearningRateSchedule})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *received, 1)

	srv, _, calls = sidecar(t, 100)
	ps = NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 2})
	_, err = ps.SendPlotDataWithRetry(PlotData{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, int32(2), calls.Load())
}

func TestPublishCurves(t *testing.T) {
	srv, received, _ := sidecar(t, 0)
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 1})

	h := &History{}
	h.Append(EpochRecord{Epoch: 0, TrainLoss: 0.7, TrainAcc: 0.5, ValLoss: 0.69, ValAcc: 0.55, LearningRate: 1e-4})
	results := ps.PublishCurves(NewVisualizationCollector("mmbt", h))

	assert.Len(t, results, 2)
	assert.True(t, results[TrainingCurves].Success)
	assert.True(t, results[LearningRateSchedule].Success)
	require.Len(t, *received, 2)
	assert.Equal(t, TrainingCurves, (*received)[0].PlotType)
	assert.Equal(t, LearningRateSchedule, (*received)[1].PlotType)
}

func TestPublishCurvesUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second})

	assert.Empty(t, ps.PublishCurves(NewVisualizationCollector("mmbt", &History{})))
	assert.False(t, ps.IsEnabled())
}
