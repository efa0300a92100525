package head

import (
	"math"
	"testing"

	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func TestDecode_Transform(t *testing.T) {
	// One image, two anchors, 2x3 grid, one class.
	set := anchors.Set{{W: 1, H: 2}, {W: 4, H: 3}}
	raw := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 2, 2, 3, 6))
	require.NoError(t, raw.SetAt(logit(0.25), 0, 1, 1, 2, 0))
	require.NoError(t, raw.SetAt(logit(0.75), 0, 1, 1, 2, 1))
	require.NoError(t, raw.SetAt(float32(math.Log(2)), 0, 1, 1, 2, 2))
	require.NoError(t, raw.SetAt(float32(0), 0, 1, 1, 2, 3))
	require.NoError(t, raw.SetAt(logit(0.9), 0, 1, 1, 2, 4))
	require.NoError(t, raw.SetAt(logit(0.1), 0, 1, 1, 2, 5))

	dets, err := Decode(raw, DecodeOptions{
		Anchors: set, GridWidth: 3, GridHeight: 2, StrideX: 10, StrideY: 20, NumClasses: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 12, 6}, dets.Boxes.Shape())
	assert.Equal(t, 1, dets.Batch())
	assert.Equal(t, 12, dets.Len())

	candidates := dets.Candidates(0)
	require.Len(t, candidates, 12)

	// Anchor-major, then row, then column: (anchor 1, row 1, col 2) is last.
	c := candidates[11]
	assert.Equal(t, 1, c.Anchor)
	assert.Equal(t, 1, c.Row)
	assert.Equal(t, 2, c.Col)
	assert.InDelta(t, (0.25+2)*10, c.Box[0], 1e-4)
	assert.InDelta(t, (0.75+1)*20, c.Box[1], 1e-4)
	assert.InDelta(t, 2*4*10, c.Box[2], 1e-4)
	assert.InDelta(t, 1*3*20, c.Box[3], 1e-4)
	assert.InDelta(t, 0.9, c.Objectness, 1e-5)
	require.Len(t, c.Scores, 1)
	assert.InDelta(t, 0.1, c.Scores[0], 1e-5)

	// Zero logits: centers in the middle of each cell, anchor-sized boxes.
	first := candidates[0]
	assert.Equal(t, 0, first.Anchor)
	assert.InDelta(t, 0.5*10, first.Box[0], 1e-5)
	assert.InDelta(t, 0.5*20, first.Box[1], 1e-5)
	assert.InDelta(t, 1*10, first.Box[2], 1e-5)
	assert.InDelta(t, 2*20, first.Box[3], 1e-5)
	assert.InDelta(t, 0.5, first.Objectness, 1e-6)

	middle := candidates[4] // anchor 0, row 1, col 1
	assert.Equal(t, 0, middle.Anchor)
	assert.Equal(t, 1, middle.Row)
	assert.Equal(t, 1, middle.Col)
	assert.InDelta(t, 1.5*10, middle.Box[0], 1e-5)
	assert.InDelta(t, 1.5*20, middle.Box[1], 1e-5)
}

func TestDecode_LeavesInputUntouched(t *testing.T) {
	data := []float32{0.3, -0.2, 0.1, 0.4, 1.5, -3}
	raw := tensor.New(tensor.WithShape(1, 1, 1, 1, 6), tensor.WithBacking(append([]float32(nil), data...)))

	_, err := Decode(raw, DecodeOptions{
		Anchors: anchors.Set{{W: 1, H: 1}}, GridWidth: 1, GridHeight: 1, StrideX: 32, StrideY: 32, NumClasses: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, data, raw.Data())
}

func TestDecode_Errors(t *testing.T) {
	opts := DecodeOptions{Anchors: anchors.Set{{W: 1, H: 1}}, GridWidth: 2, GridHeight: 2, StrideX: 8, StrideY: 8, NumClasses: 3}

	_, err := Decode(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 2, 2, 7)), opts)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Decode(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 2, 2, 2, 8)), opts)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	// An empty batch is rejected instead of decoded.
	_, err = Decode(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 1, 2, 2, 8)), opts)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	opts.StrideX = 0
	_, err = Decode(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 2, 2, 8)), opts)
	assert.Error(t, err)
}

// A box on integer grid coordinates that matches an anchor exactly encodes
// to zero targets, and the prediction that reproduces those targets decodes
// back to the box.
func TestTargetsDecodeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumClasses = 2
	cfg.InputWidth, cfg.InputHeight = 512, 512
	cfg.GridWidth, cfg.GridHeight = 16, 16
	cfg.Anchors = anchors.Set{{W: 64, H: 96}}
	h, err := New(cfg)
	require.NoError(t, err)

	box := Box{CX: 0.375, CY: 0.25, W: 0.125, H: 0.1875, Class: 1}
	targets, err := h.Targets(NewGroundTruth([][]Box{{box}}))
	require.NoError(t, err)

	require.Equal(t, true, at(targets.Positive, 0, 0, 4, 6))
	assert.Equal(t, float32(0), at(targets.TX, 0, 0, 4, 6))
	assert.Equal(t, float32(0), at(targets.TY, 0, 0, 4, 6))
	assert.InDelta(t, 0, at(targets.TW, 0, 0, 4, 6), 1e-7)
	assert.InDelta(t, 0, at(targets.TH, 0, 0, 4, 6), 1e-7)

	// sigmoid(-40) is 0 to float32 precision, exp(0) is 1.
	raw := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 16, 16, 7))
	require.NoError(t, raw.SetAt(float32(-40), 0, 0, 4, 6, 0))
	require.NoError(t, raw.SetAt(float32(-40), 0, 0, 4, 6, 1))

	dets, err := h.Decode(raw)
	require.NoError(t, err)

	c := dets.Candidates(0)[4*16+6]
	assert.Equal(t, 4, c.Row)
	assert.Equal(t, 6, c.Col)
	assert.InDelta(t, box.CX*512, c.Box[0], 1e-3)
	assert.InDelta(t, box.CY*512, c.Box[1], 1e-3)
	assert.InDelta(t, box.W*512, c.Box[2], 1e-3)
	assert.InDelta(t, box.H*512, c.Box[3], 1e-3)
}

// Any encoded target decodes back once the offsets are passed through the
// inverse sigmoid.
func TestTargetsDecodeRoundTrip_Fractional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumClasses = 1
	h, err := New(cfg)
	require.NoError(t, err)

	box := Box{CX: 0.41, CY: 0.67, W: 0.3, H: 0.45, Class: 0}
	targets, err := h.Targets(NewGroundTruth([][]Box{{box}}))
	require.NoError(t, err)

	assignments := targets.Assignments()
	require.Len(t, assignments, 1)
	a := assignments[0]

	raw := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 13, 13, 6))
	require.NoError(t, raw.SetAt(logit(float64(a.TX)), 0, a.Anchor, a.Row, a.Col, 0))
	require.NoError(t, raw.SetAt(logit(float64(a.TY)), 0, a.Anchor, a.Row, a.Col, 1))
	require.NoError(t, raw.SetAt(a.TW, 0, a.Anchor, a.Row, a.Col, 2))
	require.NoError(t, raw.SetAt(a.TH, 0, a.Anchor, a.Row, a.Col, 3))

	dets, err := h.Decode(raw)
	require.NoError(t, err)

	c := dets.Candidates(0)[(a.Anchor*13+a.Row)*13+a.Col]
	assert.InDelta(t, box.CX*416, c.Box[0], 1e-2)
	assert.InDelta(t, box.CY*416, c.Box[1], 1e-2)
	assert.InDelta(t, box.W*416, c.Box[2], 1e-2)
	assert.InDelta(t, box.H*416, c.Box[3], 1e-2)
}

func TestCandidate_BestClass(t *testing.T) {
	c := Candidate{Scores: []float32{0.2, 0.7, 0.7, 0.1}}
	class, score := c.BestClass()
	assert.Equal(t, 1, class, "ties go to the lower class")
	assert.Equal(t, float32(0.7), score)

	class, score = Candidate{}.BestClass()
	assert.Equal(t, -1, class)
	assert.Equal(t, float32(0), score)
}
