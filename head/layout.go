package head

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FromNCHW converts a backbone output shaped (batch, anchors*attrs, rows,
// cols) into the (batch, anchor, row, column, attribute) grid the head reads.
// The input is left untouched; the result is a contiguous copy.
//
// Arguments:
//   - out: Float32 backbone output in NCHW layout.
//   - numAnchors: Anchors per cell.
//   - attrs: Values per anchor, 5 + classes.
//
// Returns:
//   - *tensor.Dense: The permuted grid.
//   - error: ErrShapeMismatch when the channel count is not numAnchors*attrs.
func FromNCHW(out *tensor.Dense, numAnchors, attrs int) (*tensor.Dense, error) {
	if err := checkShape("backbone output", out, tensor.Float32, -1, numAnchors*attrs, -1, -1); err != nil {
		return nil, err
	}
	shape := out.Shape()
	batch, rows, cols := shape[0], shape[2], shape[3]

	grid := out.Clone().(*tensor.Dense)
	if grid.IsView() {
		grid = grid.Materialize().(*tensor.Dense)
	}
	if err := grid.Reshape(batch, numAnchors, attrs, rows, cols); err != nil {
		return nil, errors.Wrap(err, "split anchors from channels")
	}
	if err := grid.T(0, 1, 3, 4, 2); err != nil {
		return nil, errors.Wrap(err, "move attributes last")
	}
	if err := grid.Transpose(); err != nil {
		return nil, errors.Wrap(err, "materialize attribute-last grid")
	}
	return grid, nil
}
