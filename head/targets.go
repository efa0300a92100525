package head

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/nvr-ai/go-yolo/geometry"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// logEpsilon keeps the log size ratio finite for zero-sized boxes and anchors.
const logEpsilon = 1e-16

// TargetOptions parameterizes BuildTargets.
type TargetOptions struct {
	GridWidth       int     // Number of grid columns.
	GridHeight      int     // Number of grid rows.
	IgnoreThreshold float32 // Shape IoU above which an anchor is excluded from the negatives.
	NumClasses      int     // Number of class channels.
	Workers         int     // Goroutines used across images; values below 1 mean 1.
}

// TargetStats summarizes one BuildTargets call.
type TargetStats struct {
	Boxes       int `json:"boxes"`       // Non-sentinel boxes assigned.
	Sentinels   int `json:"sentinels"`   // Padding records skipped.
	Clamped     int `json:"clamped"`     // Boxes whose cell index was clamped into the grid.
	Overwritten int `json:"overwritten"` // Assignments replaced by a later box of the same image.
}

func (s *TargetStats) add(o TargetStats) {
	s.Boxes += o.Boxes
	s.Sentinels += o.Sentinels
	s.Clamped += o.Clamped
	s.Overwritten += o.Overwritten
}

// Targets holds the assignment masks and regression targets of one batch.
//
// Positive and Negative are Bool tensors shaped (batch, anchor, row, column).
// TX, TY, TW, TH and Confidence are Float32 with the same shape, and Class is
// Float32 (batch, anchor, row, column, classes). Every target is zero where
// Positive is false.
type Targets struct {
	Positive   *tensor.Dense
	Negative   *tensor.Dense
	TX         *tensor.Dense
	TY         *tensor.Dense
	TW         *tensor.Dense
	TH         *tensor.Dense
	Confidence *tensor.Dense
	Class      *tensor.Dense
	Stats      TargetStats
}

// Assignment is one positive (image, anchor, row, column) with its targets.
type Assignment struct {
	Image  int     `json:"image"`
	Anchor int     `json:"anchor"`
	Row    int     `json:"row"`
	Col    int     `json:"col"`
	TX     float32 `json:"tx"`
	TY     float32 `json:"ty"`
	TW     float32 `json:"tw"`
	TH     float32 `json:"th"`
	Class  int     `json:"class"`
}

// Assignments lists the positive positions in (image, anchor, row, column)
// order.
func (t *Targets) Assignments() []Assignment {
	shape := t.Positive.Shape()
	numAnchors, rows, cols := shape[1], shape[2], shape[3]
	classes := t.Class.Shape()[4]

	pos := bools(t.Positive)
	tx, ty, tw, th := float32s(t.TX), float32s(t.TY), float32s(t.TW), float32s(t.TH)
	cls := float32s(t.Class)

	var out []Assignment
	for k, p := range pos {
		if !p {
			continue
		}
		class := -1
		for c := 0; c < classes; c++ {
			if cls[k*classes+c] == 1 {
				class = c
				break
			}
		}
		out = append(out, Assignment{
			Image:  k / (cols * rows * numAnchors),
			Anchor: k / (cols * rows) % numAnchors,
			Row:    k / cols % rows,
			Col:    k % cols,
			TX:     tx[k],
			TY:     ty[k],
			TW:     tw[k],
			TH:     th[k],
			Class:  class,
		})
	}
	return out
}

// BuildTargets matches ground-truth boxes to anchors and encodes regression
// targets.
//
// For every non-sentinel box the center is scaled to grid units and truncated
// to a cell index, clamped into the grid so a center at exactly 1.0 lands in
// the last cell. Centers outside [0, 1] are clamped too, which keeps the
// offset targets in [0, 1]. The box shape is compared against every anchor with both
// placed at the origin; anchors whose IoU exceeds the ignore threshold leave
// the negative mask at that cell, and the first anchor with the highest IoU
// becomes the positive match. Boxes of one image are applied in record order,
// so a later box mapping to the same (anchor, row, column) replaces the
// earlier one. Images are independent and are spread over opts.Workers
// goroutines.
//
// Arguments:
//   - gt: Float32 ground truth shaped (batch, boxes, 5) of (cx, cy, w, h, class).
//   - set: Anchors in grid-cell units.
//   - opts: Grid size, ignore threshold, class count and parallelism.
//
// Returns:
//   - *Targets: The masks and targets for the batch.
//   - error: ErrShapeMismatch for a malformed gt tensor, ErrClassOutOfRange
//     for a class index that is not an integer in [0, NumClasses).
func BuildTargets(gt *tensor.Dense, set anchors.Set, opts TargetOptions) (*Targets, error) {
	if err := checkShape("ground truth", gt, tensor.Float32, -1, -1, 5); err != nil {
		return nil, err
	}
	if gt.Shape()[0] == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "ground truth has an empty batch")
	}
	if opts.GridWidth <= 0 || opts.GridHeight <= 0 || len(set) == 0 || opts.NumClasses < 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "grid %dx%d with %d anchors and %d classes",
			opts.GridWidth, opts.GridHeight, len(set), opts.NumClasses)
	}

	shape := gt.Shape()
	b := &builder{
		gt:       float32s(gt),
		batch:    shape[0],
		records:  shape[1],
		anchors:  set,
		opts:     opts,
		perImage: len(set) * opts.GridHeight * opts.GridWidth,
	}
	b.allocate()

	stats := make([]TargetStats, b.batch)
	errs := make([]error, b.batch)

	workers := min(max(opts.Workers, 1), b.batch)
	jobs := make(chan int, b.batch)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for img := range jobs {
				stats[img], errs[img] = b.image(img)
			}
		}()
	}
	for img := 0; img < b.batch; img++ {
		jobs <- img
	}
	close(jobs)
	wg.Wait()

	targets := b.targets()
	for img := range stats {
		if errs[img] != nil {
			return nil, errs[img]
		}
		targets.Stats.add(stats[img])
	}
	return targets, nil
}

// builder owns the flat target buffers. Each image writes only its own
// [img*perImage, (img+1)*perImage) range, so images need no locking.
type builder struct {
	gt       []float32
	batch    int
	records  int
	anchors  anchors.Set
	opts     TargetOptions
	perImage int

	pos, neg             []bool
	tx, ty, tw, th, conf []float32
	cls                  []float32
}

func (b *builder) allocate() {
	n := b.batch * b.perImage
	b.pos = make([]bool, n)
	b.neg = make([]bool, n)
	for i := range b.neg {
		b.neg[i] = true
	}
	b.tx = make([]float32, n)
	b.ty = make([]float32, n)
	b.tw = make([]float32, n)
	b.th = make([]float32, n)
	b.conf = make([]float32, n)
	b.cls = make([]float32, n*b.opts.NumClasses)
}

func (b *builder) index(img, anchor, row, col int) int {
	return ((img*len(b.anchors)+anchor)*b.opts.GridHeight+row)*b.opts.GridWidth + col
}

// cell truncates a grid coordinate and clamps it into [0, size-1].
func cell(v float32, size int) (int, bool) {
	i := int(math32.Floor(v))
	switch {
	case i < 0:
		return 0, true
	case i > size-1:
		return size - 1, true
	}
	return i, false
}

func (b *builder) image(img int) (TargetStats, error) {
	var stats TargetStats
	gridW, gridH := float32(b.opts.GridWidth), float32(b.opts.GridHeight)
	classes := b.opts.NumClasses

	for t := 0; t < b.records; t++ {
		rec := b.gt[(img*b.records+t)*5 : (img*b.records+t)*5+5]
		if sentinel(rec) {
			stats.Sentinels++
			continue
		}

		class := int(rec[4])
		if float32(class) != rec[4] || class < 0 || class >= classes {
			return stats, errors.Wrapf(ErrClassOutOfRange, "image %d box %d: class %g with %d classes",
				img, t, rec[4], classes)
		}

		gx, gy := rec[0]*gridW, rec[1]*gridH
		gw, gh := rec[2]*gridW, rec[3]*gridH

		gi, clampedX := cell(gx, b.opts.GridWidth)
		gj, clampedY := cell(gy, b.opts.GridHeight)
		if clampedX || clampedY {
			stats.Clamped++
		}
		// Keep the offsets inside the clamped cell.
		gx = min(max(gx, 0), gridW)
		gy = min(max(gy, 0), gridH)

		truth := geometry.Box{0, 0, gw, gh}
		best, bestIoU := 0, float32(-1)
		for n, anchor := range b.anchors {
			iou := geometry.IoU(truth, geometry.Box{0, 0, anchor.W, anchor.H}, geometry.Center)
			if iou > b.opts.IgnoreThreshold {
				b.neg[b.index(img, n, gj, gi)] = false
			}
			if iou > bestIoU {
				best, bestIoU = n, iou
			}
		}

		k := b.index(img, best, gj, gi)
		row := b.cls[k*classes : (k+1)*classes]
		if b.pos[k] {
			stats.Overwritten++
			clear(row)
		}

		anchor := b.anchors[best]
		b.pos[k] = true
		b.neg[k] = false
		b.tx[k] = gx - float32(gi)
		b.ty[k] = gy - float32(gj)
		b.tw[k] = math32.Log(gw/max(anchor.W, logEpsilon) + logEpsilon)
		b.th[k] = math32.Log(gh/max(anchor.H, logEpsilon) + logEpsilon)
		b.conf[k] = 1
		row[class] = 1
		stats.Boxes++
	}

	return stats, nil
}

func (b *builder) targets() *Targets {
	grid := []int{b.batch, len(b.anchors), b.opts.GridHeight, b.opts.GridWidth}
	dense := func(backing interface{}, extra ...int) *tensor.Dense {
		return tensor.New(tensor.WithShape(append(append([]int(nil), grid...), extra...)...), tensor.WithBacking(backing))
	}
	return &Targets{
		Positive:   dense(b.pos),
		Negative:   dense(b.neg),
		TX:         dense(b.tx),
		TY:         dense(b.ty),
		TW:         dense(b.tw),
		TH:         dense(b.th),
		Confidence: dense(b.conf),
		Class:      dense(b.cls, b.opts.NumClasses),
	}
}
