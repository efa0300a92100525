package head

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DecodeOptions parameterizes Decode.
type DecodeOptions struct {
	Anchors    anchors.Set // Anchors in grid-cell units.
	GridWidth  int         // Number of grid columns.
	GridHeight int         // Number of grid rows.
	StrideX    float32     // Input pixels per grid column.
	StrideY    float32     // Input pixels per grid row.
	NumClasses int         // Number of class channels.
}

// Candidate is one decoded (anchor, row, column) prediction.
type Candidate struct {
	Anchor     int        `json:"anchor"`
	Row        int        `json:"row"`
	Col        int        `json:"col"`
	Box        [4]float32 `json:"box"` // cx, cy, w, h in input pixels.
	Objectness float32    `json:"objectness"`
	Scores     []float32  `json:"scores"`
}

// BestClass returns the highest-scoring class and its score, or -1 when the
// head has no class channels.
func (c Candidate) BestClass() (int, float32) {
	best, score := -1, float32(0)
	for i, s := range c.Scores {
		if best < 0 || s > score {
			best, score = i, s
		}
	}
	return best, score
}

// Detections holds every decoded candidate of a batch.
//
// Boxes is Float32 shaped (batch, anchors*rows*cols, 5+classes) with rows of
// (cx, cy, w, h, objectness, scores...). Candidates are ordered by anchor,
// then row, then column.
type Detections struct {
	Boxes *tensor.Dense

	gridWidth  int
	gridHeight int
}

// Batch returns the number of images.
func (d *Detections) Batch() int {
	return d.Boxes.Shape()[0]
}

// Len returns the number of candidates per image.
func (d *Detections) Len() int {
	return d.Boxes.Shape()[1]
}

// Candidates returns the decoded candidates of one image.
func (d *Detections) Candidates(img int) []Candidate {
	shape := d.Boxes.Shape()
	count, attrs := shape[1], shape[2]
	data := float32s(d.Boxes)[img*count*attrs : (img+1)*count*attrs]

	cells := d.gridWidth * d.gridHeight
	out := make([]Candidate, count)
	for r := range out {
		row := data[r*attrs : (r+1)*attrs]
		out[r] = Candidate{
			Anchor:     r / cells,
			Row:        r % cells / d.gridWidth,
			Col:        r % d.gridWidth,
			Box:        [4]float32{row[0], row[1], row[2], row[3]},
			Objectness: row[4],
			Scores:     append([]float32(nil), row[5:]...),
		}
	}
	return out
}

// Decode turns raw predictions into image-space boxes.
//
// For anchor a at (row j, column i):
//
//	cx = (sigmoid(x) + i) * strideX
//	cy = (sigmoid(y) + j) * strideY
//	w  = exp(w) * anchorW * strideX
//	h  = exp(h) * anchorH * strideY
//
// Objectness and class logits go through a sigmoid. Nothing is thresholded
// or suppressed.
//
// Arguments:
//   - raw: Float32 predictions shaped (batch, anchor, row, column, 5+classes).
//   - opts: Anchors, grid size, strides and class count.
//
// Returns:
//   - *Detections: The decoded candidates.
//   - error: ErrShapeMismatch when raw does not match opts or is empty.
func Decode(raw *tensor.Dense, opts DecodeOptions) (*Detections, error) {
	attrs := 5 + opts.NumClasses
	if err := checkShape("predictions", raw, tensor.Float32,
		-1, len(opts.Anchors), opts.GridHeight, opts.GridWidth, attrs); err != nil {
		return nil, err
	}
	if raw.Shape()[0] == 0 || raw.Shape().TotalSize() == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "predictions are empty (shape %v)", raw.Shape())
	}
	if opts.StrideX <= 0 || opts.StrideY <= 0 {
		return nil, errors.Errorf("strides must be positive, got %gx%g", opts.StrideX, opts.StrideY)
	}

	pred := float32s(raw)
	batch := raw.Shape()[0]
	numAnchors := len(opts.Anchors)
	cells := opts.GridHeight * opts.GridWidth
	out := make([]float32, len(pred))

	// The (batch, anchor, row, column) order of the input is already the
	// output order, so position k maps to the same k.
	for k := 0; k < len(pred)/attrs; k++ {
		a := k / cells % numAnchors
		j := k / opts.GridWidth % opts.GridHeight
		i := k % opts.GridWidth

		p := pred[k*attrs : (k+1)*attrs]
		o := out[k*attrs : (k+1)*attrs]
		anchor := opts.Anchors[a]

		o[0] = (sigmoid(p[0]) + float32(i)) * opts.StrideX
		o[1] = (sigmoid(p[1]) + float32(j)) * opts.StrideY
		o[2] = math32.Exp(p[2]) * anchor.W * opts.StrideX
		o[3] = math32.Exp(p[3]) * anchor.H * opts.StrideY
		for c := 4; c < attrs; c++ {
			o[c] = sigmoid(p[c])
		}
	}

	return &Detections{
		Boxes:      tensor.New(tensor.WithShape(batch, numAnchors*cells, attrs), tensor.WithBacking(out)),
		gridWidth:  opts.GridWidth,
		gridHeight: opts.GridHeight,
	}, nil
}
