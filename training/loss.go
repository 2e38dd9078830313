package training

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/nn"
)

// ErrDegenerateWeights is returned when class weighting would divide by zero.
var ErrDegenerateWeights = errors.New("degenerate class weights")

// Loss interface defines methods that all loss functions must implement.
// Both methods reduce by the mean over the batch.
type Loss interface {
	Forward(logits, target *mat.Dense) (float64, error)
	Backward(logits, target *mat.Dense) (*mat.Dense, error)
	Name() string
}

func checkShapes(logits, target *mat.Dense) (int, int, error) {
	r, c := logits.Dims()
	tr, tc := target.Dims()
	if r != tr || c != tc {
		return 0, 0, fmt.Errorf("logits are %dx%d but targets are %dx%d", r, c, tr, tc)
	}
	if r == 0 {
		return 0, 0, fmt.Errorf("empty batch")
	}
	return r, c, nil
}

// CrossEntropyLoss is softmax cross entropy against one-hot targets.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (ce *CrossEntropyLoss) Name() string { return "CrossEntropy" }

// Forward computes L = -(1/B) sum_i log softmax(x_i)[y_i]
func (ce *CrossEntropyLoss) Forward(logits, target *mat.Dense) (float64, error) {
	rows, _, err := checkShapes(logits, target)
	if err != nil {
		return 0, err
	}

	var total float64
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		lse := logSumExp(row)
		for j, t := range target.RawRowView(i) {
			if t != 0 {
				total -= t * (row[j] - lse)
			}
		}
	}
	return total / float64(rows), nil
}

// Backward computes dL/dx = (softmax(x) - y) / B
func (ce *CrossEntropyLoss) Backward(logits, target *mat.Dense) (*mat.Dense, error) {
	rows, _, err := checkShapes(logits, target)
	if err != nil {
		return nil, err
	}
	grad := nn.Softmax(logits)
	grad.Sub(grad, target)
	grad.Scale(1/float64(rows), grad)
	return grad, nil
}

func logSumExp(row []float64) float64 {
	maxVal := math.Inf(-1)
	for _, v := range row {
		maxVal = math.Max(maxVal, v)
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

// BCEWithLogitsLoss is sigmoid binary cross entropy over multi-hot targets,
// averaged over every batch and class element. PosWeight, when set, scales
// the positive term of each class.
type BCEWithLogitsLoss struct {
	PosWeight []float64
}

func NewBCEWithLogitsLoss(posWeight []float64) *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{PosWeight: posWeight}
}

func (bce *BCEWithLogitsLoss) Name() string { return "BCEWithLogits" }

func (bce *BCEWithLogitsLoss) weight(j int) float64 {
	if bce.PosWeight == nil {
		return 1
	}
	return bce.PosWeight[j]
}

func (bce *BCEWithLogitsLoss) check(logits, target *mat.Dense) (int, int, error) {
	rows, cols, err := checkShapes(logits, target)
	if err != nil {
		return 0, 0, err
	}
	if bce.PosWeight != nil && len(bce.PosWeight) != cols {
		return 0, 0, fmt.Errorf("%d positive weights for %d classes", len(bce.PosWeight), cols)
	}
	return rows, cols, nil
}

// Forward computes L = mean(-(w*y*log(sigmoid(x)) + (1-y)*log(1-sigmoid(x))))
func (bce *BCEWithLogitsLoss) Forward(logits, target *mat.Dense) (float64, error) {
	rows, cols, err := bce.check(logits, target)
	if err != nil {
		return 0, err
	}

	var total float64
	for i := 0; i < rows; i++ {
		x := logits.RawRowView(i)
		y := target.RawRowView(i)
		for j := range x {
			// log(sigmoid(x)) = -softplus(-x), log(1-sigmoid(x)) = -softplus(x)
			total += bce.weight(j)*y[j]*softplus(-x[j]) + (1-y[j])*softplus(x[j])
		}
	}
	return total / float64(rows*cols), nil
}

// Backward computes dL/dx = (w*y*(sigmoid(x)-1) + (1-y)*sigmoid(x)) / (B*C)
func (bce *BCEWithLogitsLoss) Backward(logits, target *mat.Dense) (*mat.Dense, error) {
	rows, cols, err := bce.check(logits, target)
	if err != nil {
		return nil, err
	}

	probs := nn.Sigmoid(logits)
	n := float64(rows * cols)
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		p := probs.RawRowView(i)
		y := target.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range g {
			g[j] = (bce.weight(j)*y[j]*(p[j]-1) + (1-y[j])*p[j]) / n
		}
	}
	return grad, nil
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// PositiveClassWeights returns trainLen/freq for every class.
func PositiveClassWeights(freqs []int, trainLen int) ([]float64, error) {
	if trainLen <= 0 {
		return nil, fmt.Errorf("%w: training set size is %d", ErrDegenerateWeights, trainLen)
	}
	weights := make([]float64, len(freqs))
	for i, f := range freqs {
		if f <= 0 {
			return nil, fmt.Errorf("%w: class %d never occurs in training data", ErrDegenerateWeights, i)
		}
		weights[i] = float64(trainLen) / float64(f)
	}
	return weights, nil
}

// NewCriterion picks the loss for the task type. Multilabel runs with
// weight_classes get per-class positive weights from label frequencies.
func NewCriterion(cfg config.Config, freqs []int, trainLen int) (Loss, error) {
	if !cfg.Multilabel() {
		return NewCrossEntropyLoss(), nil
	}
	if !cfg.WeightClasses {
		return NewBCEWithLogitsLoss(nil), nil
	}
	weights, err := PositiveClassWeights(freqs, trainLen)
	if err != nil {
		return nil, err
	}
	return NewBCEWithLogitsLoss(weights), nil
}
