package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// TestIoU_Correctness validates the inclusive-corner IoU against hand computed cases.
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		a        Box
		b        Box
		format   Format
		expected float32
	}{
		{
			name:     "Identical boxes",
			a:        Box{0, 0, 9, 9},
			b:        Box{0, 0, 9, 9},
			format:   Corners,
			expected: 1.0,
		},
		{
			name:     "No overlap",
			a:        Box{0, 0, 9, 9},
			b:        Box{20, 20, 29, 29},
			format:   Corners,
			expected: 0.0,
		},
		{
			name:     "Shared edge counts one pixel column",
			a:        Box{0, 0, 9, 9},
			b:        Box{9, 0, 18, 9},
			format:   Corners,
			expected: 10.0 / 190.0, // 1x10 overlap, 100 + 100 - 10
		},
		{
			name:     "Partial overlap",
			a:        Box{0, 0, 9, 9},
			b:        Box{5, 5, 14, 14},
			format:   Corners,
			expected: 25.0 / 175.0,
		},
		{
			name:     "One inside other",
			a:        Box{0, 0, 9, 9},
			b:        Box{2, 2, 6, 6},
			format:   Corners,
			expected: 0.25,
		},
		{
			name:     "Center format identical",
			a:        Box{5, 5, 10, 10},
			b:        Box{5, 5, 10, 10},
			format:   Center,
			expected: 1.0,
		},
		{
			name:     "Center format nested",
			a:        Box{0, 0, 4, 4}, // (-2,-2)-(2,2): 5x5
			b:        Box{0, 0, 8, 8}, // (-4,-4)-(4,4): 9x9
			format:   Center,
			expected: 25.0 / 81.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b, tt.format)
			assert.InDelta(t, tt.expected, got, 1e-6)

			reverse := IoU(tt.b, tt.a, tt.format)
			assert.Equal(t, got, reverse, "IoU must be symmetric")
		})
	}
}

// TestIoU_Properties checks symmetry, bounds and self-overlap over random boxes.
func TestIoU_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randomBox := func() Box {
		x1 := rng.Float32() * 100
		y1 := rng.Float32() * 100
		return Box{x1, y1, x1 + rng.Float32()*50, y1 + rng.Float32()*50}
	}

	for i := 0; i < 500; i++ {
		a, b := randomBox(), randomBox()
		for _, format := range []Format{Corners, Center} {
			ab := IoU(a, b, format)
			ba := IoU(b, a, format)
			assert.Equal(t, ab, ba)
			assert.GreaterOrEqual(t, ab, float32(0))
			assert.LessOrEqual(t, ab, float32(1)+1e-6)
			assert.InDelta(t, 1.0, IoU(a, a, format), 1e-6)
		}
	}
}

func TestIoU_DegenerateBoxes(t *testing.T) {
	zero := Box{0, 0, 0, 0}

	got := IoU(zero, zero, Center)
	assert.False(t, math.IsNaN(float64(got)))
	assert.False(t, math.IsInf(float64(got), 0))
	assert.InDelta(t, 1.0, got, 1e-6)

	got = IoU(zero, Box{0, 0, 2.6, 2.6}, Center)
	assert.False(t, math.IsNaN(float64(got)))
	assert.Greater(t, got, float32(0))
	assert.Less(t, got, float32(1))
}

// Shape-only boxes share the origin, so both conventions see the same overlap.
func TestIoU_OriginShapesAgreeAcrossFormats(t *testing.T) {
	shapes := []Box{
		{0, 0, 2.6, 2.6},
		{0, 0, 10, 13},
		{0, 0, 0.3125, 0.40625},
		{0, 0, 0, 0},
	}
	for _, a := range shapes {
		for _, b := range shapes {
			assert.InDelta(t, IoU(a, b, Corners), IoU(a, b, Center), 1e-6)
		}
	}
}

func TestBoxIoU(t *testing.T) {
	t.Run("Pairwise", func(t *testing.T) {
		a := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{
			0, 0, 9, 9,
			0, 0, 9, 9,
		}))
		b := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{
			0, 0, 9, 9,
			5, 5, 14, 14,
		}))

		out, err := BoxIoU(a, b, Corners)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{2}, out.Shape())

		data := out.Data().([]float32)
		assert.InDelta(t, 1.0, data[0], 1e-6)
		assert.InDelta(t, 25.0/175.0, data[1], 1e-6)
	})

	t.Run("Broadcast single box", func(t *testing.T) {
		truth := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0, 0, 2.6, 2.6}))
		shapes := tensor.New(tensor.WithShape(3, 4), tensor.WithBacking([]float32{
			0, 0, 2.6, 2.6,
			0, 0, 10, 13,
			0, 0, 1, 1,
		}))

		out, err := BoxIoU(truth, shapes, Center)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{3}, out.Shape())

		data := out.Data().([]float32)
		assert.InDelta(t, 1.0, data[0], 1e-6)
		for i := range data {
			assert.Equal(t, IoU(Box{0, 0, 2.6, 2.6}, Box(shapes.Data().([]float32)[i*4:i*4+4]), Center), data[i])
		}
	})

	t.Run("Mismatched lengths", func(t *testing.T) {
		a := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(2, 4))
		b := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(3, 4))

		_, err := BoxIoU(a, b, Corners)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrShape))
	})

	t.Run("Wrong layout", func(t *testing.T) {
		a := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(2, 5))

		_, err := BoxIoU(a, a, Corners)
		assert.True(t, errors.Is(err, ErrShape))
	})

	t.Run("Wrong dtype", func(t *testing.T) {
		a := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, 4))

		_, err := BoxIoU(a, a, Corners)
		assert.True(t, errors.Is(err, ErrShape))
	})
}
