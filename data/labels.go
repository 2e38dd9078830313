package data

import (
	"fmt"
	"sort"
)

// LabelSet is the sorted label vocabulary of the training data with the
// number of training examples carrying each label.
type LabelSet struct {
	Labels []string
	index  map[string]int
	freqs  []int
}

// NewLabelSet collects labels and frequencies from training examples. For
// single-label tasks every example must carry exactly one label.
func NewLabelSet(examples []Example, multilabel bool) (*LabelSet, error) {
	counts := make(map[string]int)
	for _, ex := range examples {
		if !multilabel && len(ex.Labels) != 1 {
			return nil, fmt.Errorf("%w: example %s has %d labels in a classification task", ErrMalformedRecord, ex.ID, len(ex.Labels))
		}
		for _, label := range ex.Labels {
			counts[label]++
		}
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: training data has no labels", ErrNoExamples)
	}

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	ls := &LabelSet{
		Labels: labels,
		index:  make(map[string]int, len(labels)),
		freqs:  make([]int, len(labels)),
	}
	for i, label := range labels {
		ls.index[label] = i
		ls.freqs[i] = counts[label]
	}
	return ls, nil
}

// Len returns the number of classes.
func (ls *LabelSet) Len() int {
	return len(ls.Labels)
}

// Index returns the position of label.
func (ls *LabelSet) Index(label string) (int, bool) {
	i, ok := ls.index[label]
	return i, ok
}

// Frequencies returns per-label counts aligned with Labels.
func (ls *LabelSet) Frequencies() []int {
	out := make([]int, len(ls.freqs))
	copy(out, ls.freqs)
	return out
}

// Target encodes labels as a one-hot or multi-hot row.
func (ls *LabelSet) Target(labels []string) ([]float64, error) {
	row := make([]float64, ls.Len())
	for _, label := range labels {
		i, ok := ls.index[label]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownLabel, label)
		}
		row[i] = 1
	}
	return row, nil
}
