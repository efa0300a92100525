// Package cmd implements the go-yolo command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-yolo/config"
	"github.com/nvr-ai/go-yolo/gridio"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorgonia.org/tensor"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "go-yolo",
		Short: "Anchor-based YOLO head: target assignment, loss and decoding",
		Long: `go-yolo matches ground-truth boxes to anchors, composes the YOLO loss
from raw prediction grids and decodes predictions into image-space boxes.
Grids are read from .npy files, ground truth from JSON or .npy.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("anchors", "", `head anchors in pixels, e.g. "10,13 16,30 33,23" (overrides the config)`)

	root.AddCommand(
		newTargetsCmd(a),
		newLossCmd(a),
		newDecodeCmd(a),
		newBenchCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg, err := config.Load(mustGetString(cmd, "config"))
	if err != nil {
		return err
	}
	if level := mustGetString(cmd, "log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format := mustGetString(cmd, "log-format"); format != "" {
		cfg.Log.Format = format
	}
	if text := mustGetString(cmd, "anchors"); text != "" {
		if err := cfg.SetAnchors(text); err != nil {
			return errors.Wrap(err, "--anchors")
		}
	}
	// Flags may change validated and derived fields.
	if err := cfg.Resolve(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	return nil
}

func (a *app) newHead() (*head.Head, error) {
	return head.New(a.cfg.Head, head.WithLogger(a.logger))
}

// readPredictions loads a raw grid, accepting either the head layout
// (batch, anchor, row, column, attrs) or backbone NCHW output.
func readPredictions(h *head.Head, path string) (*tensor.Dense, error) {
	raw, err := gridio.ReadTensor(path)
	if err != nil {
		return nil, err
	}
	switch raw.Dims() {
	case 5:
		return raw, nil
	case 4:
		return h.FromNCHW(raw)
	}
	return nil, errors.Errorf("%s: predictions must be 4-D NCHW or 5-D, got %v", path, raw.Shape())
}
