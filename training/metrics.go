package training

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/nn"
)

// Metric names as they appear in logs and curve data.
const (
	MetricLoss    = "loss"
	MetricAcc     = "acc"
	MetricMacroF1 = "macro_f1"
	MetricMicroF1 = "micro_f1"
	MetricAUCROC  = "aucroc"
)

// Metrics is the result of one evaluation pass, keyed by metric name.
type Metrics map[string]float64

// ClassificationMetrics scores single-label predictions. probs holds
// per-class probabilities and targets one-hot rows.
func ClassificationMetrics(loss float64, probs, targets *mat.Dense) Metrics {
	rows, cols := probs.Dims()
	m := Metrics{MetricLoss: loss}

	golds := make([]int, rows)
	correct := 0
	for i := 0; i < rows; i++ {
		golds[i] = argmax(targets.RawRowView(i))
		if argmax(probs.RawRowView(i)) == golds[i] {
			correct++
		}
	}
	m[MetricAcc] = ratio(correct, rows)
	m[MetricAUCROC] = aucROC(probs, golds, cols)
	return m
}

// aucROC is the binary AUC of the class 1 probability, or the macro
// one-vs-rest AUC over classes when there are more than two.
func aucROC(probs *mat.Dense, golds []int, classes int) float64 {
	if classes == 2 {
		return binaryAUC(mat.Col(nil, 1, probs), positives(golds, 1))
	}
	var sum float64
	for c := 0; c < classes; c++ {
		auc := binaryAUC(mat.Col(nil, c, probs), positives(golds, c))
		if math.IsNaN(auc) {
			return math.NaN()
		}
		sum += auc
	}
	return sum / float64(classes)
}

func positives(golds []int, class int) []bool {
	out := make([]bool, len(golds))
	for i, g := range golds {
		out[i] = g == class
	}
	return out
}

// binaryAUC computes the area under the ROC curve with tied scores grouped
// into a single step. It is NaN unless both classes are present.
func binaryAUC(scores []float64, positive []bool) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	totalPos, totalNeg := 0, 0
	for _, p := range positive {
		if p {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return math.NaN()
	}

	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for k := 0; k < len(idx); {
		// Consume every sample sharing this score before adding a trapezoid.
		score := scores[idx[k]]
		for k < len(idx) && scores[idx[k]] == score {
			if positive[idx[k]] {
				tp++
			} else {
				fp++
			}
			k++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
	}
	return auc
}

// MultilabelMetrics thresholds sigmoid probabilities at 0.5 and scores the
// label sets. acc is the fraction of label slots predicted correctly.
func MultilabelMetrics(loss float64, probs, targets *mat.Dense) Metrics {
	rows, cols := probs.Dims()
	tp := make([]int, cols)
	fp := make([]int, cols)
	fn := make([]int, cols)
	correct := 0

	for i := 0; i < rows; i++ {
		p := probs.RawRowView(i)
		t := targets.RawRowView(i)
		for j := 0; j < cols; j++ {
			pred := p[j] > 0.5
			gold := t[j] > 0.5
			switch {
			case pred && gold:
				tp[j]++
			case pred:
				fp[j]++
			case gold:
				fn[j]++
			}
			if pred == gold {
				correct++
			}
		}
	}

	var macro float64
	var sumTP, sumFP, sumFN int
	for j := 0; j < cols; j++ {
		macro += f1(tp[j], fp[j], fn[j])
		sumTP += tp[j]
		sumFP += fp[j]
		sumFN += fn[j]
	}
	if cols > 0 {
		macro /= float64(cols)
	}

	return Metrics{
		MetricLoss:    loss,
		MetricAcc:     ratio(correct, rows*cols),
		MetricMacroF1: macro,
		MetricMicroF1: f1(sumTP, sumFP, sumFN),
	}
}

// f1 is 2TP / (2TP + FP + FN), and 0 when nothing was predicted or expected.
func f1(tp, fp, fn int) float64 {
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0
	}
	return float64(2*tp) / float64(denom)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func argmax(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

// batchCorrect counts correct training predictions: argmax hits for
// single-label tasks, matching label slots for multilabel ones.
func batchCorrect(taskType string, logits, targets *mat.Dense) (correct, total int) {
	rows, cols := logits.Dims()
	for i := 0; i < rows; i++ {
		x := logits.RawRowView(i)
		t := targets.RawRowView(i)
		if taskType != config.TaskTypeMultilabel {
			if argmax(x) == argmax(t) {
				correct++
			}
			total++
			continue
		}
		for j := 0; j < cols; j++ {
			if (x[j] > 0) == (t[j] > 0.5) {
				correct++
			}
		}
		total += cols
	}
	return correct, total
}

// TuningMetric is the value early stopping and the LR scheduler follow:
// micro F1 for multilabel tasks, accuracy otherwise.
func TuningMetric(taskType string, m Metrics) float64 {
	if taskType == config.TaskTypeMultilabel {
		return m[MetricMicroF1]
	}
	return m[MetricAcc]
}

// FormatMetrics renders one evaluation the way it is logged.
func FormatMetrics(setName, taskType string, m Metrics) string {
	if taskType == config.TaskTypeMultilabel {
		return fmt.Sprintf("%s: Loss: %.5f | Macro F1 %.5f | Micro F1: %.5f",
			setName, m[MetricLoss], m[MetricMacroF1], m[MetricMicroF1])
	}
	return fmt.Sprintf("%s: Loss: %.5f | Acc: %.5f", setName, m[MetricLoss], m[MetricAcc])
}

// LogMetrics logs one evaluation, warning when AUC-ROC is undefined.
func LogMetrics(setName, taskType string, m Metrics) {
	logging.Info(FormatMetrics(setName, taskType, m), logging.Metrics)
	if taskType == config.TaskTypeMultilabel {
		return
	}
	if auc := m[MetricAUCROC]; math.IsNaN(auc) {
		logging.Warn("AUC-ROC undefined: only one class present", logging.Metrics, "set", setName)
	} else {
		logging.Info(fmt.Sprintf("AUC-ROC: %.5f", auc), logging.Metrics, "set", setName)
	}
}

// Accumulator gathers the outputs of an evaluation pass batch by batch.
type Accumulator struct {
	taskType string
	losses   []float64
	probs    [][]float64
	targets  [][]float64
	ids      []string
}

func NewAccumulator(taskType string) *Accumulator {
	return &Accumulator{taskType: taskType}
}

// Add records one batch: its mean loss, raw logits and targets.
func (a *Accumulator) Add(loss float64, logits, targets *mat.Dense, ids []string) {
	a.losses = append(a.losses, loss)
	var probs *mat.Dense
	if a.taskType == config.TaskTypeMultilabel {
		probs = nn.Sigmoid(logits)
	} else {
		probs = nn.Softmax(logits)
	}
	rows, _ := probs.Dims()
	for i := 0; i < rows; i++ {
		a.probs = append(a.probs, append([]float64(nil), probs.RawRowView(i)...))
		a.targets = append(a.targets, append([]float64(nil), targets.RawRowView(i)...))
	}
	a.ids = append(a.ids, ids...)
}

// Len is the number of examples recorded.
func (a *Accumulator) Len() int {
	return len(a.probs)
}

// Metrics scores everything recorded. The loss is the mean of batch losses.
func (a *Accumulator) Metrics() Metrics {
	var loss float64
	for _, l := range a.losses {
		loss += l
	}
	if len(a.losses) > 0 {
		loss /= float64(len(a.losses))
	}
	if len(a.probs) == 0 {
		return Metrics{MetricLoss: loss}
	}

	probs := stack(a.probs)
	targets := stack(a.targets)
	if a.taskType == config.TaskTypeMultilabel {
		return MultilabelMetrics(loss, probs, targets)
	}
	return ClassificationMetrics(loss, probs, targets)
}

// Predictions returns thresholded predictions and golds as label index sets.
// Single-label rows hold exactly one index.
func (a *Accumulator) Predictions() (preds, golds [][]int) {
	preds = make([][]int, len(a.probs))
	golds = make([][]int, len(a.targets))
	for i := range a.probs {
		if a.taskType == config.TaskTypeMultilabel {
			preds[i] = above(a.probs[i], 0.5)
			golds[i] = above(a.targets[i], 0.5)
		} else {
			preds[i] = []int{argmax(a.probs[i])}
			golds[i] = []int{argmax(a.targets[i])}
		}
	}
	return preds, golds
}

func above(row []float64, threshold float64) []int {
	out := []int{}
	for j, v := range row {
		if v > threshold {
			out = append(out, j)
		}
	}
	return out
}

func stack(rows [][]float64) *mat.Dense {
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		out.SetRow(i, r)
	}
	return out
}
