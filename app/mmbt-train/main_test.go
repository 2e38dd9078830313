package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelab/mmbt/data/datatest"
)

func TestRunWithoutArguments(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), nil, &stdout, &stderr)

	assert.Equal(t, exitUsage, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "Usage:")
	assert.Contains(t, stderr.String(), "--batch_sz")
}

func TestRunRejectsMalformedArguments(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{"unknown flag", []string{"--no_such_flag"}, "unknown flag"},
		{"positional argument", []string{"extra"}, "unknown command"},
		{"invalid choice", []string{"--data_path", dir, "--savedir", dir, "--model", "resnet"}, "invalid choice"},
		{"bad number", []string{"--batch_sz", "many"}, "invalid argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), tt.contains)
		})
	}
}

func TestRunTrainsTinyTask(t *testing.T) {
	root := t.TempDir()
	datatest.WriteTask(t, root, datatest.Options{Train: 4, Dev: 2, Test: 2})
	savedir := filepath.Join(root, "runs")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"--data_path", root,
		"--savedir", savedir,
		"--name", "cli",
		"--model", "bow",
		"--batch_sz", "2",
		"--gradient_accumulation_steps", "1",
		"--max_epochs", "1",
		"--embed_sz", "4",
		"--n_workers", "1",
		"--plot=false",
		"--log_level", "error",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	for _, name := range []string{"args.pt", "checkpoint.pt", "model_best.pt", "logfile.log", "test_labels_pred.txt"} {
		_, err := os.Stat(filepath.Join(savedir, "cli", name))
		assert.NoError(t, err, name)
	}
}

func TestRunMissingDataFails(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"--data_path", root,
		"--savedir", filepath.Join(root, "runs"),
		"--model", "bow",
		"--log_level", "error",
	}, &stdout, &stderr)
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, stderr.String(), "Error:")
}
