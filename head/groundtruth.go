package head

import (
	"gorgonia.org/tensor"
)

// Box is one ground-truth object. Spatial fields are normalized to [0, 1]
// relative to the image size.
type Box struct {
	CX    float32 `json:"cx"`
	CY    float32 `json:"cy"`
	W     float32 `json:"w"`
	H     float32 `json:"h"`
	Class int     `json:"class"`
}

// sentinel reports whether a (cx, cy, w, h, class) record is padding.
func sentinel(record []float32) bool {
	return record[0] == 0 && record[1] == 0 && record[2] == 0 && record[3] == 0 && record[4] == 0
}

// NewGroundTruth packs per-image box lists into a (batch, maxBoxes, 5) Float32
// tensor. Shorter lists are padded with all-zero sentinel records; maxBoxes is
// at least 1 so an all-empty batch still has a valid shape.
//
// Arguments:
//   - images: One box list per image, in batch order.
//
// Returns:
//   - *tensor.Dense: The padded ground-truth tensor.
//
// Example:
//
// ```go
//
//	gt := head.NewGroundTruth([][]head.Box{
//		{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2, Class: 0}},
//		{},
//	})
//	// gt.Shape() == (2, 1, 5); image 1 holds one sentinel record.
//
// ```
func NewGroundTruth(images [][]Box) *tensor.Dense {
	maxBoxes := 1
	for _, boxes := range images {
		maxBoxes = max(maxBoxes, len(boxes))
	}

	data := make([]float32, len(images)*maxBoxes*5)
	for b, boxes := range images {
		for t, box := range boxes {
			rec := data[(b*maxBoxes+t)*5:]
			rec[0], rec[1], rec[2], rec[3], rec[4] = box.CX, box.CY, box.W, box.H, float32(box.Class)
		}
	}

	return tensor.New(tensor.WithShape(len(images), maxBoxes, 5), tensor.WithBacking(data))
}
