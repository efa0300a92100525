package head

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// checkShape verifies dtype and shape of a tensor handed to the head. A
// negative entry in want accepts any size on that axis.
func checkShape(name string, t *tensor.Dense, dt tensor.Dtype, want ...int) error {
	if t == nil {
		return errors.Wrapf(ErrShapeMismatch, "%s is nil", name)
	}
	if t.Dtype() != dt {
		return errors.Wrapf(ErrShapeMismatch, "%s: expected %v, got %v", name, dt, t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != len(want) {
		return errors.Wrapf(ErrShapeMismatch, "%s: expected %d dims, got shape %v", name, len(want), shape)
	}
	for i, w := range want {
		if w >= 0 && shape[i] != w {
			return errors.Wrapf(ErrShapeMismatch, "%s: axis %d is %d, expected %d (shape %v)", name, i, shape[i], w, shape)
		}
	}
	return nil
}

// float32s and bools return the backing data in row-major order. Tensors
// with a zero-length axis yield nil, since Dense.Data cannot address them.
func float32s(t *tensor.Dense) []float32 {
	if empty(t) {
		return nil
	}
	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Data().([]float32)
}

func bools(t *tensor.Dense) []bool {
	if empty(t) {
		return nil
	}
	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Data().([]bool)
}

func empty(t *tensor.Dense) bool {
	return len(t.Shape()) > 0 && t.Shape().TotalSize() == 0
}
