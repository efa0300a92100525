package head

import (
	"log/slog"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// logFloor is the lower bound applied to every log term of the binary
// cross-entropy, so a saturated sigmoid costs 100 instead of +Inf.
const logFloor = -100

// Losses are the weighted loss terms of one batch.
type Losses struct {
	X   float32 `json:"x"`
	Y   float32 `json:"y"`
	W   float32 `json:"w"`
	H   float32 `json:"h"`
	Obj float32 `json:"obj"`
	Cls float32 `json:"cls"`
}

// Total returns the trainable objective, the sum of all terms.
func (l Losses) Total() float32 {
	return l.X + l.Y + l.W + l.H + l.Obj + l.Cls
}

// LogValue implements slog.LogValuer.
func (l Losses) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("x", float64(l.X)),
		slog.Float64("y", float64(l.Y)),
		slog.Float64("w", float64(l.W)),
		slog.Float64("h", float64(l.H)),
		slog.Float64("obj", float64(l.Obj)),
		slog.Float64("cls", float64(l.Cls)),
		slog.Float64("total", float64(l.Total())),
	)
}

// LossOptions parameterizes ComputeLoss.
type LossOptions struct {
	Weights       Weights
	NoObjectScale float32
	MaskMode      MaskMode
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func clampedLog(v float32) float32 {
	return max(math32.Log(v), logFloor)
}

// bce is the binary cross-entropy of one prediction p in [0, 1] against a
// target y.
func bce(p, y float32) float64 {
	return -float64(y*clampedLog(p) + (1-y)*clampedLog(1-p))
}

// mean divides an accumulated sum, defining the mean of nothing as 0.
func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ComputeLoss composes the weighted YOLO loss terms from raw predictions and
// targets.
//
// Offsets, objectness and class logits go through a sigmoid; the size logits
// stay in log space. X and Y are binary cross-entropy against the cell
// offsets, W and H are squared error against the log size ratios. With
// MaskMultiply both operands are zeroed outside the positive mask and the
// mean runs over every grid position; with MaskSelect it runs over the
// positive positions only. Obj adds BCE(conf*pos, pos) and NoObjectScale times
// BCE(conf*neg, 0). Cls is always averaged over the class channels of positive
// positions.
//
// Arguments:
//   - raw: Float32 predictions shaped (batch, anchor, row, column, 5+classes).
//   - targets: The output of BuildTargets for the same batch.
//   - opts: Term weights, negative scale and mask mode.
//
// Returns:
//   - *Losses: The weighted terms; each is >= 0 for finite input.
//   - error: ErrShapeMismatch when raw and targets disagree.
func ComputeLoss(raw *tensor.Dense, targets *Targets, opts LossOptions) (*Losses, error) {
	if targets == nil || targets.Positive == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "targets are nil")
	}
	grid := targets.Positive.Shape()
	classes := targets.Class.Shape()[4]
	attrs := 5 + classes
	if err := checkShape("predictions", raw, tensor.Float32, grid[0], grid[1], grid[2], grid[3], attrs); err != nil {
		return nil, err
	}

	pred := float32s(raw)
	pos, neg := bools(targets.Positive), bools(targets.Negative)
	tx, ty := float32s(targets.TX), float32s(targets.TY)
	tw, th := float32s(targets.TW), float32s(targets.TH)
	cls := float32s(targets.Class)

	var (
		sumX, sumY, sumW, sumH float64
		sumPos, sumNeg, sumCls float64
		positives, negatives   int
	)
	for k := range pos {
		p := pred[k*attrs : (k+1)*attrs]
		conf := sigmoid(p[4])

		if neg[k] {
			negatives++
			sumNeg += bce(conf, 0)
		}
		if !pos[k] {
			continue
		}

		positives++
		sumX += bce(sigmoid(p[0]), tx[k])
		sumY += bce(sigmoid(p[1]), ty[k])
		dw, dh := p[2]-tw[k], p[3]-th[k]
		sumW += float64(dw * dw)
		sumH += float64(dh * dh)
		sumPos += bce(conf, 1)
		for c := 0; c < classes; c++ {
			sumCls += bce(sigmoid(p[5+c]), cls[k*classes+c])
		}
	}

	// Outside the masks both operands are zero, which costs exactly 0 under
	// the clamped BCE, so the multiply mode only changes the denominator.
	boxN, posN, negN := len(pos), len(pos), len(pos)
	if opts.MaskMode == MaskSelect {
		boxN, posN, negN = positives, positives, negatives
	}

	w := opts.Weights
	obj := mean(sumPos, posN) + float64(opts.NoObjectScale)*mean(sumNeg, negN)
	return &Losses{
		X:   w.X * float32(mean(sumX, boxN)),
		Y:   w.Y * float32(mean(sumY, boxN)),
		W:   w.W * float32(mean(sumW, boxN)),
		H:   w.H * float32(mean(sumH, boxN)),
		Obj: w.Obj * float32(obj),
		Cls: w.Cls * float32(mean(sumCls, positives*classes)),
	}, nil
}
