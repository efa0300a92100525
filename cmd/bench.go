package cmd

import (
	"math/rand"

	"github.com/nvr-ai/go-yolo/head"
	"github.com/nvr-ai/go-yolo/profiler"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gorgonia.org/tensor"
)

func newBenchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time target building, loss and decoding on synthetic batches",
		Args:  cobra.NoArgs,
		RunE:  a.runBench,
	}
	cmd.Flags().Int("iterations", 100, "number of timed iterations")
	cmd.Flags().Int("batch", 8, "images per batch")
	cmd.Flags().Int("boxes", 20, "ground-truth boxes per image")
	cmd.Flags().Int64("seed", 1, "random seed for the synthetic data")
	return cmd
}

func (a *app) runBench(cmd *cobra.Command, args []string) error {
	iterations := mustGetInt(cmd, "iterations")
	batch := mustGetInt(cmd, "batch")
	boxes := mustGetInt(cmd, "boxes")
	if iterations <= 0 || batch <= 0 || boxes < 0 {
		return errors.Errorf("iterations and batch must be positive, boxes non-negative")
	}

	h, err := a.newHead()
	if err != nil {
		return err
	}
	if h.ClassChannels() == 0 && boxes > 0 {
		a.logger.Warn("head has no class channels, benchmarking without ground-truth boxes")
		boxes = 0
	}
	rng := rand.New(rand.NewSource(mustGetInt64(cmd, "seed")))
	raw := syntheticPredictions(rng, h, batch)
	gt := syntheticGroundTruth(rng, batch, boxes, h.ClassChannels())

	a.logger.Info("benchmark starting",
		"iterations", iterations, "batch", batch, "boxes", boxes, "shape", raw.Shape())

	prof := profiler.New(iterations)
	bar := progressbar.NewOptions(iterations,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("Benchmarking"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ctx := cmd.Context()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done := prof.StartOperation("targets")
		targets, err := h.Targets(gt)
		done()
		if err != nil {
			return err
		}

		done = prof.StartOperation("loss")
		losses, err := h.Loss(raw, targets)
		done()
		if err != nil {
			return err
		}

		done = prof.StartOperation("decode")
		_, err = h.Decode(raw)
		done()
		if err != nil {
			return err
		}

		prof.RecordMetric("positives", float64(targets.Stats.Boxes-targets.Stats.Overwritten))
		prof.RecordMetric("loss_total", float64(losses.Total()))
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	return prof.Report(cmd.OutOrStdout())
}

// syntheticPredictions returns standard-normal logits in the head layout.
func syntheticPredictions(rng *rand.Rand, h *head.Head, batch int) *tensor.Dense {
	cfg := h.Config()
	shape := []int{batch, len(cfg.Anchors), cfg.GridHeight, cfg.GridWidth, cfg.Attributes()}
	data := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// syntheticGroundTruth returns boxes with centers and sizes in (0, 1). A head
// without class channels gets sentinel padding only.
func syntheticGroundTruth(rng *rand.Rand, batch, boxes, classes int) *tensor.Dense {
	images := make([][]head.Box, batch)
	if classes == 0 {
		return head.NewGroundTruth(images)
	}
	for i := range images {
		for j := 0; j < boxes; j++ {
			class := rng.Intn(classes)
			images[i] = append(images[i], head.Box{
				CX:    0.05 + 0.9*rng.Float32(),
				CY:    0.05 + 0.9*rng.Float32(),
				W:     0.02 + 0.5*rng.Float32(),
				H:     0.02 + 0.5*rng.Float32(),
				Class: class,
			})
		}
	}
	return head.NewGroundTruth(images)
}
