package cmd

import (
	"github.com/nvr-ai/go-yolo/gridio"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type lossReport struct {
	head.Losses
	Total float32 `json:"total"`
}

func newLossCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Compute the loss terms of a prediction grid against ground truth",
		Long: `Reads raw predictions (.npy, head layout or NCHW) and ground truth, then
prints the weighted x, y, w, h, obj and cls terms and their total as JSON.
With --graph the terms are evaluated through the differentiable graph.`,
		Args: cobra.NoArgs,
		RunE: a.runLoss,
	}
	cmd.Flags().String("pred", "", "raw predictions (.npy)")
	cmd.Flags().String("gt", "", "ground truth file (.json or .npy)")
	cmd.Flags().Bool("graph", false, "evaluate the loss graph instead of the direct kernels")
	_ = cmd.MarkFlagRequired("pred")
	_ = cmd.MarkFlagRequired("gt")
	return cmd
}

func (a *app) runLoss(cmd *cobra.Command, args []string) error {
	h, err := a.newHead()
	if err != nil {
		return err
	}
	raw, err := readPredictions(h, mustGetString(cmd, "pred"))
	if err != nil {
		return err
	}
	gt, err := gridio.ReadGroundTruth(mustGetString(cmd, "gt"))
	if err != nil {
		return err
	}

	var losses *head.Losses
	if mustGetBool(cmd, "graph") {
		losses, err = graphLoss(h, raw, gt)
	} else {
		losses, err = h.Train(raw, gt)
	}
	if err != nil {
		return err
	}

	a.logger.Info("loss computed", "losses", *losses)
	return gridio.WriteJSON(cmd.OutOrStdout(), lossReport{Losses: *losses, Total: losses.Total()})
}

// graphLoss evaluates the loss with a gorgonia tape machine.
func graphLoss(h *head.Head, raw, gt *tensor.Dense) (*head.Losses, error) {
	if raw.Shape()[0] != gt.Shape()[0] {
		return nil, errors.Wrapf(head.ErrShapeMismatch, "predictions hold %d images, ground truth %d",
			raw.Shape()[0], gt.Shape()[0])
	}
	targets, err := h.Targets(gt)
	if err != nil {
		return nil, err
	}

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, raw.Dims(),
		G.WithShape(raw.Shape()...), G.WithName("predictions"), G.WithValue(raw))
	lg, err := head.NewLossGraph(g, input, targets, h.LossOptions())
	if err != nil {
		return nil, err
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running loss graph")
	}
	return lg.Losses()
}
