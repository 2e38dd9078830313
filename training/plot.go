package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/memelab/mmbt/logging"
)

// Files written by RenderTrainingCurves.
const (
	LossCurvesFile     = "loss_curves.png"
	AccuracyCurvesFile = "accuracy_curves.png"
	CurvesDataFile     = "training_curves.json"
)

type curve struct {
	name   string
	dashed bool
	value  func(EpochRecord) float64
}

// RenderTrainingCurves draws train/val loss and accuracy per epoch into dir
// and writes the same series as plot JSON. An empty history renders nothing.
func RenderTrainingCurves(history *History, modelName, dir string) error {
	if history.Len() == 0 {
		logging.Warn("No epochs recorded, skipping training curves", logging.Plot)
		return nil
	}

	err := renderCurves(history, filepath.Join(dir, LossCurvesFile), "Loss Curves", "Loss", []curve{
		{"Train Loss", false, func(r EpochRecord) float64 { return r.TrainLoss }},
		{"Val Loss", true, func(r EpochRecord) float64 { return r.ValLoss }},
	})
	if err != nil {
		return err
	}
	err = renderCurves(history, filepath.Join(dir, AccuracyCurvesFile), "Accuracy Curves", "Accuracy", []curve{
		{"Train Accuracy", false, func(r EpochRecord) float64 { return r.TrainAcc }},
		{"Val Accuracy", true, func(r EpochRecord) float64 { return r.ValAcc }},
	})
	if err != nil {
		return err
	}

	data, err := NewVisualizationCollector(modelName, history).GenerateTrainingCurvesPlot().ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, CurvesDataFile), []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write curve data: %w", err)
	}

	logging.Info("Training curves written", logging.Plot, "dir", dir, "epochs", history.Len())
	return nil
}

func renderCurves(history *History, path, title, yLabel string, curves []curve) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epochs"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for i, c := range curves {
		pts := make(plotter.XYs, 0, history.Len())
		for _, r := range history.Records {
			v := c.value(r)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(r.Epoch), Y: v})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to build %s line: %w", c.name, err)
		}
		line.LineStyle.Width = vg.Points(2)
		line.LineStyle.Color = plotutil.Color(i)
		if c.dashed {
			line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(c.name, line)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return nil
}
