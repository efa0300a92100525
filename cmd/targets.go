package cmd

import (
	"github.com/nvr-ai/go-yolo/gridio"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/spf13/cobra"
)

type targetsReport struct {
	Stats       head.TargetStats  `json:"stats"`
	Assignments []head.Assignment `json:"assignments"`
}

func newTargetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Print the positive anchor assignments of a ground-truth file",
		Long: `Builds the assignment masks and regression targets for the configured
head and prints every positive (image, anchor, row, col) with its tx, ty,
tw, th and class as JSON.`,
		Args: cobra.NoArgs,
		RunE: a.runTargets,
	}
	cmd.Flags().String("gt", "", "ground truth file (.json or .npy)")
	_ = cmd.MarkFlagRequired("gt")
	return cmd
}

func (a *app) runTargets(cmd *cobra.Command, args []string) error {
	h, err := a.newHead()
	if err != nil {
		return err
	}
	gt, err := gridio.ReadGroundTruth(mustGetString(cmd, "gt"))
	if err != nil {
		return err
	}

	targets, err := h.Targets(gt)
	if err != nil {
		return err
	}

	report := targetsReport{Stats: targets.Stats, Assignments: targets.Assignments()}
	if report.Assignments == nil {
		report.Assignments = []head.Assignment{}
	}
	return gridio.WriteJSON(cmd.OutOrStdout(), report)
}
