package head

import (
	"bytes"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func newTestHead(t *testing.T, opts ...Option) *Head {
	cfg := DefaultConfig()
	cfg.NumClasses = 3
	cfg.Workers = 2
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	return h
}

func TestNew(t *testing.T) {
	h := newTestHead(t)

	sx, sy := h.Stride()
	assert.Equal(t, float32(32), sx)
	assert.Equal(t, float32(32), sy)
	assert.Equal(t, 3*8, h.Channels())
	assert.Equal(t, 3, h.ClassChannels())

	set := h.Anchors()
	require.Len(t, set, 3)
	assert.InDelta(t, 116.0/32, set[0].W, 1e-6)
	assert.InDelta(t, 90.0/32, set[0].H, 1e-6)

	// Accessors hand out copies.
	set[0].W = 0
	assert.InDelta(t, 116.0/32, h.Anchors()[0].W, 1e-6)
	cfg := h.Config()
	cfg.Anchors[0].W = 0
	assert.Equal(t, float32(116), h.Config().Anchors[0].W)
}

func TestNew_CopiesAnchors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Anchors = anchors.Set{{W: 32, H: 64}}
	h, err := New(cfg)
	require.NoError(t, err)

	cfg.Anchors[0].W = 320
	assert.Equal(t, anchors.Set{{W: 1, H: 2}}, h.Anchors())
}

func TestNew_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newTestHead(t, WithLogger(logger))
	assert.Contains(t, buf.String(), "detection head ready")

	_, err := h.Targets(NewGroundTruth([][]Box{{{CX: 0.5, CY: 0.5, W: 0.1, H: 0.1, Class: 2}}}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "targets built")
	assert.Contains(t, buf.String(), "boxes=1")
}

func TestHead_Forward(t *testing.T) {
	h := newTestHead(t)
	rng := rand.New(rand.NewSource(2))
	raw := randomRaw(rng, 1, 2, 3, 13, 13, 8)
	gt := randomGroundTruth(rng, 2, 5, 3)

	out, err := h.Forward(ModeTraining, raw, gt)
	require.NoError(t, err)
	require.NotNil(t, out.Losses)
	assert.Nil(t, out.Detections)

	direct, err := h.Train(raw, gt)
	require.NoError(t, err)
	assert.Equal(t, *direct, *out.Losses)

	out, err = h.Forward(ModeInference, raw, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Detections)
	assert.Nil(t, out.Losses)
	assert.Equal(t, tensor.Shape{2, 3 * 13 * 13, 8}, out.Detections.Boxes.Shape())

	_, err = h.Forward(Mode(7), raw, gt)
	assert.Error(t, err)
}

func TestHead_ShapeChecks(t *testing.T) {
	h := newTestHead(t)

	wrongGrid := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 26, 26, 8))
	_, err := h.Infer(wrongGrid)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = h.Forward(ModeInference, tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 3, 13, 13, 8)), nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch), "empty batch")

	wrongClasses := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 13, 13, 85))
	_, err = h.Train(wrongClasses, NewGroundTruth([][]Box{{}}))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	raw := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(2, 3, 13, 13, 8))
	_, err = h.Train(raw, NewGroundTruth([][]Box{{}}))
	assert.True(t, errors.Is(err, ErrShapeMismatch), "batch sizes differ")

	_, err = h.Train(raw, NewGroundTruth([][]Box{{{CX: 0.5, CY: 0.5, W: 0.1, H: 0.1, Class: 3}}, {}}))
	assert.True(t, errors.Is(err, ErrClassOutOfRange))
}

func TestHead_FromNCHW(t *testing.T) {
	h := newTestHead(t)
	out := randomRaw(rand.New(rand.NewSource(4)), 1, 1, h.Channels(), 13, 13)

	grid, err := h.FromNCHW(out)
	require.NoError(t, err)

	dets, err := h.Decode(grid)
	require.NoError(t, err)
	assert.Equal(t, 3*13*13, dets.Len())
}

func TestHead_ConcurrentUse(t *testing.T) {
	h := newTestHead(t)
	rng := rand.New(rand.NewSource(9))
	raw := randomRaw(rng, 1, 4, 3, 13, 13, 8)
	gt := randomGroundTruth(rng, 4, 10, 3)

	expected, err := h.Train(raw, gt)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Losses, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.Train(raw, gt)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, *expected, *got)
	}
}
