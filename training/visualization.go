package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(jsonData), nil
}

// EpochRecord is what one finished epoch contributes to the curves.
type EpochRecord struct {
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	TrainAcc     float64 `json:"train_acc"`
	ValLoss      float64 `json:"val_loss"`
	ValAcc       float64 `json:"val_acc"`
	Tuning       float64 `json:"tuning_metric"`
	LearningRate float64 `json:"learning_rate"`
}

// History is the append-only list of epoch records of a run.
type History struct {
	Records []EpochRecord `json:"records"`
}

func (h *History) Append(r EpochRecord) {
	h.Records = append(h.Records, r)
}

func (h *History) Len() int {
	return len(h.Records)
}

// Save writes the history as JSON so a resumed run can extend it.
func (h *History) Save(path string) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// LoadHistory reads a saved history and keeps only epochs before
// startEpoch. A missing file yields an empty history.
func LoadHistory(path string, startEpoch int) (*History, error) {
	h := &History{}
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if err := json.Unmarshal(payload, h); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	kept := h.Records[:0]
	for _, r := range h.Records {
		if r.Epoch < startEpoch {
			kept = append(kept, r)
		}
	}
	h.Records = kept
	return h, nil
}

// VisualizationCollector turns a run's history into plot data
type VisualizationCollector struct {
	modelName string
	history   *History
}

func NewVisualizationCollector(modelName string, history *History) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName, history: history}
}

func (vc *VisualizationCollector) lineSeries(name, color string, dashed bool, value func(EpochRecord) float64) SeriesData {
	s := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, 0, vc.history.Len()),
		Style: map[string]interface{}{
			"color":      color,
			"line_width": 2,
		},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for _, r := range vc.history.Records {
		s.Data = append(s.Data, DataPoint{X: r.Epoch, Y: finiteOrNil(value(r))})
	}
	return s
}

// finiteOrNil maps NaN and Inf to JSON null.
func finiteOrNil(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// GenerateTrainingCurvesPlot creates training curves plot data
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	series := []SeriesData{
		vc.lineSeries("Train Loss", "#FF6B6B", false, func(r EpochRecord) float64 { return r.TrainLoss }),
		vc.lineSeries("Train Accuracy", "#4ECDC4", false, func(r EpochRecord) float64 { return r.TrainAcc }),
		vc.lineSeries("Val Loss", "#FF9F43", true, func(r EpochRecord) float64 { return r.ValLoss }),
		vc.lineSeries("Val Accuracy", "#5F27CD", true, func(r EpochRecord) float64 { return r.ValAcc }),
	}

	metrics := map[string]interface{}{"epochs": vc.history.Len()}
	if n := vc.history.Len(); n > 0 {
		last := vc.history.Records[n-1]
		metrics["final_train_loss"] = finiteOrNil(last.TrainLoss)
		metrics["final_val_acc"] = finiteOrNil(last.ValAcc)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epochs",
			YAxisLabel:  "Loss / Accuracy",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
		Metrics: metrics,
	}
}

// GenerateLearningRateSchedulePlot creates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			vc.lineSeries("Learning Rate", "#2E86AB", false, func(r EpochRecord) float64 { return r.LearningRate }),
		},
		Config: PlotConfig{
			XAxisLabel:  "Epochs",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  false,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}
