package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/memelab/mmbt/logging"
)

// PlottingService handles communication with the sidecar plotting application
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	enabled    bool
	config     PlottingServiceConfig
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client. It starts
// enabled when a base URL is configured.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	return &PlottingService{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled: config.BaseURL != "",
		config:  config,
	}
}

// Disable turns every later request into a no-op.
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

func disabledResponse() *PlottingResponse {
	return &PlottingResponse{
		Success: false,
		Message: "Plotting service is disabled",
	}
}

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingService) SendPlotData(plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	jsonData, err := json.Marshal(plotData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	url := fmt.Sprintf("%s/api/plot", ps.baseURL)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mmbt-train")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var plotResponse PlottingResponse
	if err := json.Unmarshal(respBody, &plotResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &plotResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	}

	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data with retry logic
func (ps *PlottingService) SendPlotDataWithRetry(plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	attempts := max(ps.config.RetryAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := ps.SendPlotData(plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Wait before retry (except for the last attempt)
		if attempt < attempts-1 {
			time.Sleep(ps.config.RetryDelay)
		}
	}

	return nil, fmt.Errorf("failed to send plot data after %d attempts: %w", attempts, lastErr)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth() error {
	if !ps.enabled {
		return fmt.Errorf("plotting service is disabled")
	}

	url := fmt.Sprintf("%s/health", ps.baseURL)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// PublishCurves sends the training curves and learning rate plots. Failures
// are logged and never interrupt training.
func (ps *PlottingService) PublishCurves(collector *VisualizationCollector) map[PlotType]*PlottingResponse {
	results := make(map[PlotType]*PlottingResponse)
	if !ps.enabled {
		return results
	}
	if err := ps.CheckHealth(); err != nil {
		logging.Warn("Plotting service unavailable, disabling it", logging.Plot, "url", ps.baseURL, "error", err)
		ps.Disable()
		return results
	}

	for _, plotData := range []PlotData{
		collector.GenerateTrainingCurvesPlot(),
		collector.GenerateLearningRateSchedulePlot(),
	} {
		resp, err := ps.SendPlotDataWithRetry(plotData)
		if err != nil {
			logging.Warn("Failed to publish plot", logging.Plot, "plot_type", plotData.PlotType, "error", err)
			continue
		}
		results[plotData.PlotType] = resp
		logging.Info("Plot published", logging.Plot, "plot_type", plotData.PlotType, "view_url", resp.ViewURL)
	}
	return results
}
