// Command mmbt-train trains and evaluates a multimodal classifier on a
// JSONL task directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memelab/mmbt/config"
	"github.com/memelab/mmbt/logging"
	"github.com/memelab/mmbt/training"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// usageError marks malformed command lines.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if len(args) == 0 {
		cmd.SetOut(stderr)
		_ = cmd.Help()
		return exitUsage
	}

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "Error:", err)
	var ue usageError
	if errors.As(err, &ue) || errors.Is(err, config.ErrInvalidConfig) {
		return exitUsage
	}
	return exitFatal
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mmbt-train",
		Short: "Train a text, image or multimodal classifier and evaluate it on the test splits",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return train(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	config.BindFlags(cmd.Flags())
	return cmd
}

func train(ctx context.Context, cfg config.Config, console io.Writer) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(console, cfg.Paths().LogFile, level)
	if err != nil {
		return err
	}
	defer closer.Close()

	trainer, err := training.NewTrainerFromConfig(cfg)
	if err != nil {
		return err
	}
	trainer.SetProgressOutput(console)
	res, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logging.Info("Training finished", logging.Trainer,
		"epochs", res.Epochs,
		"best_metric", res.BestMetric,
		"stopped_early", res.StoppedEarly)
	return nil
}
