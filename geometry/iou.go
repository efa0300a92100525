// Package geometry - Box overlap utilities used for anchor matching.
package geometry

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Format selects the coordinate convention of a box.
type Format int

const (
	// Corners is the (x1, y1, x2, y2) convention.
	Corners Format = iota
	// Center is the (cx, cy, w, h) convention.
	Center
)

// epsilon keeps the IoU denominator away from zero for degenerate boxes.
const epsilon = 1e-16

// ErrShape is returned when box tensors do not have a (N, 4) layout or their
// lengths cannot be broadcast against each other.
var ErrShape = errors.New("invalid box tensor shape")

// Box is a four-value box in either Format.
type Box [4]float32

// Corners returns the box as (x1, y1, x2, y2) given the format it is stored in.
func (b Box) Corners(format Format) (x1, y1, x2, y2 float32) {
	if format == Center {
		return b[0] - b[2]/2, b[1] - b[3]/2, b[0] + b[2]/2, b[1] + b[3]/2
	}
	return b[0], b[1], b[2], b[3]
}

// IoU calculates the Intersection over Union of two boxes stored in the same
// format.
//
// Corners are inclusive, like pixel indices: the intersection width and height
// get +1 before they are clamped to zero and each area is
// (x2-x1+1)*(y2-y1+1). Anchor matching tie-breaks depend on this convention,
// so it must not be "fixed" to the continuous form.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//   - format: The convention both boxes are stored in.
//
// Returns:
//   - float32: The overlap ratio, in [0, 1] for well-formed boxes.
//
// Example:
//
// ```go
//
//	a := geometry.Box{0, 0, 9, 9}
//	b := geometry.Box{5, 5, 14, 14}
//	iou := geometry.IoU(a, b, geometry.Corners) // 25 / 175 = 0.142857
//
// ```
func IoU(a, b Box, format Format) float32 {
	ax1, ay1, ax2, ay2 := a.Corners(format)
	bx1, by1, bx2, by2 := b.Corners(format)
	return overlap(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2)
}

func overlap(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2 float32) float32 {
	interW := max(min(ax2, bx2)-max(ax1, bx1)+1, 0)
	interH := max(min(ay2, by2)-max(ay1, by1)+1, 0)
	inter := interW * interH

	areaA := (ax2 - ax1 + 1) * (ay2 - ay1 + 1)
	areaB := (bx2 - bx1 + 1) * (by2 - by1 + 1)

	return inter / (areaA + areaB - inter + epsilon)
}

// BoxIoU computes the pairwise IoU of two box tensors.
//
// Both tensors must be Float32 with shape (N, 4). When N differs between the
// two, one side must have length 1 and is compared against every box of the
// other side.
//
// Arguments:
//   - a: The first set of boxes.
//   - b: The second set of boxes.
//   - format: The convention both sets are stored in.
//
// Returns:
//   - *tensor.Dense: A (max(N, M)) Float32 tensor of IoU values.
//   - error: ErrShape if the tensors cannot be paired.
func BoxIoU(a, b *tensor.Dense, format Format) (*tensor.Dense, error) {
	ad, err := boxData(a)
	if err != nil {
		return nil, errors.Wrap(err, "first box set")
	}
	bd, err := boxData(b)
	if err != nil {
		return nil, errors.Wrap(err, "second box set")
	}

	n, m := len(ad)/4, len(bd)/4
	if n != m && n != 1 && m != 1 {
		return nil, errors.Wrapf(ErrShape, "cannot pair %d boxes with %d boxes", n, m)
	}

	count := max(n, m)
	out := make([]float32, count)
	for k := 0; k < count; k++ {
		i, j := k, k
		if n == 1 {
			i = 0
		}
		if m == 1 {
			j = 0
		}
		out[k] = IoU(Box(ad[i*4:i*4+4]), Box(bd[j*4:j*4+4]), format)
	}

	return tensor.New(tensor.WithShape(count), tensor.WithBacking(out)), nil
}

func boxData(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrShape, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrShape, "expected float32 boxes, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 || shape[0] == 0 {
		return nil, errors.Wrapf(ErrShape, "expected (N, 4) boxes, got %v", shape)
	}
	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Data().([]float32), nil
}
