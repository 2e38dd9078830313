// Package datatest writes small task directories for tests.
package datatest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Options size a generated task.
type Options struct {
	Task       string // defaults to "meme"
	Train      int
	Dev        int
	Test       int
	Multilabel bool
	Images     bool
}

// Genres are the labels of multilabel fixtures.
var Genres = []string{"action", "comedy", "drama"}

// WriteJSONL writes one JSON document per line.
func WriteJSONL(t testing.TB, path string, records []map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, rec := range records {
		require.NoError(t, enc.Encode(rec))
	}
}

// WritePNG writes a solid square image.
func WritePNG(t testing.TB, path string, size int, c color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// WriteTask creates <root>/<task>/{train,dev,test}.jsonl. Classification
// fixtures alternate labels "0" and "1" with text and image colour tied to
// the label, so models can fit them. It returns the task directory.
func WriteTask(t testing.TB, root string, opts Options) string {
	t.Helper()
	task := opts.Task
	if task == "" {
		task = "meme"
	}
	dir := filepath.Join(root, task)
	splits := []struct {
		name  string
		count int
	}{
		{"train", opts.Train},
		{"dev", opts.Dev},
		{"test", opts.Test},
	}
	if task == "vsnli" {
		splits = append(splits, struct {
			name  string
			count int
		}{"test_hard", opts.Test})
	}

	for _, split := range splits {
		records := make([]map[string]any, split.count)
		for i := range records {
			records[i] = record(t, dir, task, split.name, i, opts)
		}
		WriteJSONL(t, filepath.Join(dir, split.name+".jsonl"), records)
	}
	return dir
}

func record(t testing.TB, dir, task, split string, i int, opts Options) map[string]any {
	id := fmt.Sprintf("%s-%d", split, i)
	rec := map[string]any{"id": id}

	positive := i%2 == 1
	words := "we love this lovely picture"
	if positive {
		words = "we hate those hateful people"
	}

	switch {
	case task == "vsnli":
		rec["sentence1"] = "a dog runs in the park"
		rec["sentence2"] = words
		rec["label"] = []string{"contradiction", "entailment"}[i%2]
	case opts.Multilabel:
		rec["text"] = fmt.Sprintf("%s number %d", words, i)
		labels := []string{Genres[i%len(Genres)]}
		if i%2 == 0 {
			labels = append(labels, Genres[(i+1)%len(Genres)])
		}
		rec["label"] = labels
	default:
		rec["text"] = words
		rec["label"] = i % 2
	}

	if opts.Images {
		c := color.RGBA{R: 220, G: 30, B: 30, A: 255}
		if positive {
			c = color.RGBA{R: 30, G: 30, B: 220, A: 255}
		}
		rel := filepath.Join("img", id+".png")
		WritePNG(t, filepath.Join(dir, rel), 12, c)
		rec["img"] = rel
	}
	return rec
}
