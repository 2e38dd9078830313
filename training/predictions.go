package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/memelab/mmbt/config"
)

// StorePredictions writes <split>_labels_pred.txt and <split>_labels_gold.txt
// with one example per line, plus <split>_labels.txt naming the label order.
// Multilabel rows are 0/1 vectors over all labels; single-label rows hold the
// class index.
func StorePredictions(dir, split, taskType string, labels []string, preds, golds [][]int) error {
	if len(preds) != len(golds) {
		return fmt.Errorf("%d predictions but %d gold rows", len(preds), len(golds))
	}

	files := map[string]string{
		split + "_labels_pred.txt": formatRows(taskType, len(labels), preds),
		split + "_labels_gold.txt": formatRows(taskType, len(labels), golds),
		split + "_labels.txt":      strings.Join(labels, " "),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func formatRows(taskType string, numLabels int, rows [][]int) string {
	lines := make([]string, len(rows))
	for i, row := range rows {
		if taskType != config.TaskTypeMultilabel {
			if len(row) > 0 {
				lines[i] = strconv.Itoa(row[0])
			}
			continue
		}
		bits := make([]string, numLabels)
		for j := range bits {
			bits[j] = "0"
		}
		for _, j := range row {
			bits[j] = "1"
		}
		lines[i] = strings.Join(bits, " ")
	}
	return strings.Join(lines, "\n")
}
