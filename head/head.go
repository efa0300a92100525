// Package head - Anchor-based YOLO detection head: target assignment, loss
// composition and box decoding for one detection scale.
package head

import (
	"io"
	"log/slog"

	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Mode selects what Forward computes.
type Mode int

const (
	// ModeTraining computes the loss terms against ground truth.
	ModeTraining Mode = iota
	// ModeInference decodes predictions into boxes.
	ModeInference
)

func (m Mode) String() string {
	switch m {
	case ModeTraining:
		return "training"
	case ModeInference:
		return "inference"
	}
	return "unknown"
}

// Head is one configured detection scale. It is read-only after New and safe
// for concurrent use.
type Head struct {
	cfg     Config
	anchors anchors.Set // grid-cell units
	strideX float32
	strideY float32
	logger  *slog.Logger
}

// Option customizes a Head.
type Option func(*Head)

// WithLogger sets the logger used for construction and per-call summaries.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Head) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New validates cfg and builds a head. Configured anchors are in input pixels
// and are divided by the stride of each axis once, here.
//
// Arguments:
//   - cfg: The head configuration; see DefaultConfig.
//   - opts: Optional settings such as WithLogger.
//
// Returns:
//   - *Head: The ready head.
//   - error: An error wrapping ErrInvalidConfig if cfg is unusable.
func New(cfg Config, opts ...Option) (*Head, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Head{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.cfg.Anchors = append(anchors.Set(nil), cfg.Anchors...)
	h.strideX, h.strideY = cfg.Stride()
	h.anchors = cfg.Anchors.Scale(h.strideX, h.strideY)
	if h.cfg.Workers == 0 {
		h.cfg.Workers = 1
	}

	for _, opt := range opts {
		opt(h)
	}

	h.logger.Info("detection head ready",
		"grid", []int{cfg.GridWidth, cfg.GridHeight},
		"stride", []float32{h.strideX, h.strideY},
		"anchors", h.anchors.String(),
		"classes", cfg.ClassChannels(),
		"mask_mode", cfg.MaskMode,
	)
	return h, nil
}

// Config returns the configuration the head was built with.
func (h *Head) Config() Config {
	cfg := h.cfg
	cfg.Anchors = append(anchors.Set(nil), h.cfg.Anchors...)
	return cfg
}

// Anchors returns the anchors in grid-cell units.
func (h *Head) Anchors() anchors.Set {
	return append(anchors.Set(nil), h.anchors...)
}

// Stride returns the input pixels per grid cell on each axis.
func (h *Head) Stride() (float32, float32) {
	return h.strideX, h.strideY
}

// Channels returns the backbone channel count this head reads,
// anchors*(5+classes).
func (h *Head) Channels() int {
	return len(h.anchors) * h.cfg.Attributes()
}

// ClassChannels returns the number of class scores per anchor.
func (h *Head) ClassChannels() int {
	return h.cfg.ClassChannels()
}

// FromNCHW converts a backbone output for this head into its prediction grid.
func (h *Head) FromNCHW(out *tensor.Dense) (*tensor.Dense, error) {
	return FromNCHW(out, len(h.anchors), h.cfg.Attributes())
}

func (h *Head) checkRaw(raw *tensor.Dense) error {
	return checkShape("predictions", raw, tensor.Float32,
		-1, len(h.anchors), h.cfg.GridHeight, h.cfg.GridWidth, h.cfg.Attributes())
}

// Targets builds the assignment masks and regression targets for gt.
func (h *Head) Targets(gt *tensor.Dense) (*Targets, error) {
	targets, err := BuildTargets(gt, h.anchors, TargetOptions{
		GridWidth:       h.cfg.GridWidth,
		GridHeight:      h.cfg.GridHeight,
		IgnoreThreshold: h.cfg.IgnoreThreshold,
		NumClasses:      h.cfg.ClassChannels(),
		Workers:         h.cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debug("targets built",
		"boxes", targets.Stats.Boxes,
		"sentinels", targets.Stats.Sentinels,
		"clamped", targets.Stats.Clamped,
		"overwritten", targets.Stats.Overwritten,
	)
	return targets, nil
}

// LossOptions returns the loss settings of this head.
func (h *Head) LossOptions() LossOptions {
	return LossOptions{
		Weights:       h.cfg.Weights,
		NoObjectScale: h.cfg.NoObjectScale,
		MaskMode:      h.cfg.MaskMode,
	}
}

// Loss composes the loss terms of raw against prebuilt targets.
func (h *Head) Loss(raw *tensor.Dense, targets *Targets) (*Losses, error) {
	if err := h.checkRaw(raw); err != nil {
		return nil, err
	}
	losses, err := ComputeLoss(raw, targets, h.LossOptions())
	if err != nil {
		return nil, err
	}
	h.logger.Debug("loss computed", "losses", *losses)
	return losses, nil
}

// Train runs training mode: targets from gt, then the loss terms of raw.
//
// Arguments:
//   - raw: Float32 predictions shaped (batch, anchor, row, column, 5+classes).
//   - gt: Float32 ground truth shaped (batch, boxes, 5).
//
// Returns:
//   - *Losses: The weighted loss terms.
//   - error: ErrShapeMismatch or ErrClassOutOfRange for malformed input.
func (h *Head) Train(raw, gt *tensor.Dense) (*Losses, error) {
	if err := h.checkRaw(raw); err != nil {
		return nil, err
	}
	if gt != nil && len(gt.Shape()) > 0 && gt.Shape()[0] != raw.Shape()[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "predictions hold %d images, ground truth %d",
			raw.Shape()[0], gt.Shape()[0])
	}
	targets, err := h.Targets(gt)
	if err != nil {
		return nil, err
	}
	return h.Loss(raw, targets)
}

// Decode runs inference mode on raw predictions.
func (h *Head) Decode(raw *tensor.Dense) (*Detections, error) {
	if err := h.checkRaw(raw); err != nil {
		return nil, err
	}
	dets, err := Decode(raw, DecodeOptions{
		Anchors:    h.anchors,
		GridWidth:  h.cfg.GridWidth,
		GridHeight: h.cfg.GridHeight,
		StrideX:    h.strideX,
		StrideY:    h.strideY,
		NumClasses: h.cfg.ClassChannels(),
	})
	if err != nil {
		return nil, err
	}
	h.logger.Debug("predictions decoded", "images", dets.Batch(), "candidates", dets.Len())
	return dets, nil
}

// Infer is Decode under its mode name.
func (h *Head) Infer(raw *tensor.Dense) (*Detections, error) {
	return h.Decode(raw)
}

// Output is the result of Forward; only the field of the requested mode is
// set.
type Output struct {
	Losses     *Losses
	Detections *Detections
}

// Forward dispatches on mode. gt is ignored in inference mode.
func (h *Head) Forward(mode Mode, raw, gt *tensor.Dense) (*Output, error) {
	switch mode {
	case ModeTraining:
		losses, err := h.Train(raw, gt)
		if err != nil {
			return nil, err
		}
		return &Output{Losses: losses}, nil
	case ModeInference:
		dets, err := h.Infer(raw)
		if err != nil {
			return nil, err
		}
		return &Output{Detections: dets}, nil
	}
	return nil, errors.Errorf("unknown mode %d", mode)
}
