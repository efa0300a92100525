package cmd

import (
	"io"
	"os"

	"github.com/nvr-ai/go-yolo/backbone"
	"github.com/nvr-ai/go-yolo/gridio"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/nvr-ai/go-yolo/labels"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorgonia.org/tensor"
)

type candidate struct {
	head.Candidate
	Class int     `json:"class"`
	Score float32 `json:"score"`
	Label string  `json:"label,omitempty"`
}

type imageDetections struct {
	Image      int         `json:"image"`
	Candidates []candidate `json:"candidates"`
}

func newDecodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode raw predictions into image-space boxes",
		Long: `Decodes every (anchor, row, col) candidate of a prediction grid into
(cx, cy, w, h) in input pixels with objectness and class scores. Predictions
come from a .npy file (--pred) or from running an ONNX network on an image
(--image with --model or backbone.model_path). No thresholding is applied.`,
		Args: cobra.NoArgs,
		RunE: a.runDecode,
	}
	cmd.Flags().String("pred", "", "raw predictions (.npy)")
	cmd.Flags().String("image", "", "image to run through the backbone")
	cmd.Flags().String("model", "", "ONNX model (overrides backbone.model_path)")
	cmd.Flags().String("labels", "", "label preset (coco, voc) or .names file (overrides labels)")
	cmd.Flags().String("out", "", "output JSON file (default stdout)")
	cmd.MarkFlagsMutuallyExclusive("pred", "image")
	cmd.MarkFlagsOneRequired("pred", "image")
	return cmd
}

func (a *app) runDecode(cmd *cobra.Command, args []string) error {
	h, err := a.newHead()
	if err != nil {
		return err
	}
	names, err := a.labelSet(cmd, h)
	if err != nil {
		return err
	}

	var raw *tensor.Dense
	if pred := mustGetString(cmd, "pred"); pred != "" {
		raw, err = readPredictions(h, pred)
	} else {
		raw, err = a.runBackbone(cmd, h, mustGetString(cmd, "image"))
	}
	if err != nil {
		return err
	}

	dets, err := h.Decode(raw)
	if err != nil {
		return err
	}
	report := make([]imageDetections, dets.Batch())
	for i := range report {
		report[i] = imageDetections{Image: i, Candidates: labelCandidates(dets.Candidates(i), names)}
	}

	var out io.Writer = cmd.OutOrStdout()
	if path := mustGetString(cmd, "out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "creating %s", path)
		}
		defer f.Close()
		out = f
	}
	return gridio.WriteJSON(out, report)
}

func (a *app) runBackbone(cmd *cobra.Command, h *head.Head, path string) (*tensor.Dense, error) {
	cfg := a.cfg.Backbone
	if model := mustGetString(cmd, "model"); model != "" {
		cfg.ModelPath = model
	}

	net, err := backbone.NewONNX(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	defer net.Close()

	img, err := backbone.LoadImage(path)
	if err != nil {
		return nil, err
	}
	input := backbone.Preprocess(img, cfg.InputWidth, cfg.InputHeight, cfg.Letterbox)

	out, err := net.Forward(cmd.Context(), input)
	if err != nil {
		return nil, err
	}
	return h.FromNCHW(out)
}

// labelSet returns the class names for the decoded classes, or nil when no
// labels are configured.
func (a *app) labelSet(cmd *cobra.Command, h *head.Head) (labels.Set, error) {
	cfg := a.cfg
	if ref := mustGetString(cmd, "labels"); ref != "" {
		cfg.Labels = ref
	}
	names, err := cfg.LabelSet()
	if err != nil || names == nil {
		return nil, err
	}
	if len(names) != h.ClassChannels() {
		return nil, errors.Errorf("labels %s name %d classes, head has %d", cfg.Labels, len(names), h.ClassChannels())
	}
	return names, nil
}

// labelCandidates attaches the best class, its score and, with names, its
// label. No candidate is dropped.
func labelCandidates(cands []head.Candidate, names labels.Set) []candidate {
	out := make([]candidate, len(cands))
	for i, c := range cands {
		class, score := c.BestClass()
		out[i] = candidate{Candidate: c, Class: class, Score: score}
		if names != nil && class >= 0 {
			out[i].Label = names.Name(class)
		}
	}
	return out
}
