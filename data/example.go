// Package data loads JSONL task files and turns them into model batches.
package data

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrMalformedRecord marks a JSONL line that cannot be turned into an Example.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrNoExamples is returned for a split without a single example.
	ErrNoExamples = errors.New("no examples")
	// ErrUnknownLabel is returned when an evaluation split uses a label
	// that never occurs in training data.
	ErrUnknownLabel = errors.New("unknown label")
)

// Example is one labeled record of a task file.
type Example struct {
	ID     string
	Text   string
	Text2  string // hypothesis sentence of vsnli pairs
	Img    string // resolved image path, empty when the record has none
	Labels []string
}

type record struct {
	ID        json.RawMessage `json:"id"`
	Text      *string         `json:"text"`
	Sentence1 *string         `json:"sentence1"`
	Sentence2 *string         `json:"sentence2"`
	Img       *string         `json:"img"`
	Label     json.RawMessage `json:"label"`
}

// LoadJSONL reads every non-blank line of path. Image paths are resolved
// relative to the file's directory.
func LoadJSONL(path, task string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir := filepath.Dir(path)
	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ex, err := parseRecord(line, task, dir)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if ex.ID == "" {
			ex.ID = fmt.Sprintf("%s:%d", filepath.Base(path), lineNo)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return examples, nil
}

func parseRecord(line []byte, task, dir string) (Example, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Example{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	var ex Example
	id, err := scalarString(rec.ID)
	if err != nil {
		return Example{}, fmt.Errorf("%w: id: %v", ErrMalformedRecord, err)
	}
	ex.ID = id

	if task == "vsnli" {
		if rec.Sentence1 == nil || rec.Sentence2 == nil {
			return Example{}, fmt.Errorf("%w: missing sentence1 or sentence2", ErrMalformedRecord)
		}
		ex.Text, ex.Text2 = *rec.Sentence1, *rec.Sentence2
	} else {
		if rec.Text == nil {
			return Example{}, fmt.Errorf("%w: missing text", ErrMalformedRecord)
		}
		ex.Text = *rec.Text
	}

	if rec.Img != nil && *rec.Img != "" {
		ex.Img = *rec.Img
		if !filepath.IsAbs(ex.Img) {
			ex.Img = filepath.Join(dir, ex.Img)
		}
	}

	labels, err := parseLabels(rec.Label)
	if err != nil {
		return Example{}, err
	}
	ex.Labels = labels
	return ex, nil
}

// parseLabels accepts a string, a number or a list of strings.
func parseLabels(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing label", ErrMalformedRecord)
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: label: %v", ErrMalformedRecord, err)
		}
		labels := make([]string, 0, len(list))
		for _, item := range list {
			label, err := scalarString(item)
			if err != nil || label == "" {
				return nil, fmt.Errorf("%w: label list entry %s", ErrMalformedRecord, item)
			}
			labels = append(labels, label)
		}
		return labels, nil
	}
	label, err := scalarString(raw)
	if err != nil || label == "" {
		return nil, fmt.Errorf("%w: label %s", ErrMalformedRecord, raw)
	}
	return []string{label}, nil
}

// scalarString renders a JSON string or number as a string.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", raw)
	}
	return n.String(), nil
}

// CountExamples counts the JSON records of the given files. Empty paths are
// skipped so an optional file can be passed unconditionally.
func CountExamples(paths ...string) (int, error) {
	total := 0
	for _, path := range paths {
		if path == "" {
			continue
		}
		n, err := countRecords(path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func countRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return 0, fmt.Errorf("%s:%d: %w: invalid JSON", path, lineNo, ErrMalformedRecord)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return n, nil
}
