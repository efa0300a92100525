package anchors

import (
	"sort"

	"github.com/pkg/errors"
)

// Published anchor sets, in input-pixel units at 416x416.
var (
	// YOLOv3 is the COCO anchor set of YOLOv3.
	YOLOv3 = Set{
		{10, 13}, {16, 30}, {33, 23},
		{30, 61}, {62, 45}, {59, 119},
		{116, 90}, {156, 198}, {373, 326},
	}
	// YOLOv3Tiny is the COCO anchor set of YOLOv3-tiny.
	YOLOv3Tiny = Set{
		{10, 14}, {23, 27}, {37, 58},
		{81, 82}, {135, 169}, {344, 319},
	}
	// YOLOv4 is the COCO anchor set of YOLOv4.
	YOLOv4 = Set{
		{12, 16}, {19, 36}, {40, 28},
		{36, 75}, {76, 55}, {72, 146},
		{142, 110}, {192, 243}, {459, 401},
	}
)

// Masks lists, per preset, the anchor indices used by each detection head,
// coarsest grid first.
var Masks = map[string][][]int{
	"yolov3":      {{6, 7, 8}, {3, 4, 5}, {0, 1, 2}},
	"yolov3-tiny": {{3, 4, 5}, {0, 1, 2}},
	"yolov4":      {{6, 7, 8}, {3, 4, 5}, {0, 1, 2}},
}

var presets = map[string]Set{
	"yolov3":      YOLOv3,
	"yolov3-tiny": YOLOv3Tiny,
	"yolov4":      YOLOv4,
}

// Preset returns a copy of a named anchor set.
func Preset(name string) (Set, error) {
	set, ok := presets[name]
	if !ok {
		return nil, errors.Errorf("unknown anchor preset %q (known: %v)", name, PresetNames())
	}
	return append(Set(nil), set...), nil
}

// PresetNames lists the known presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HeadAnchors returns the anchors of one detection head of a preset.
//
// Arguments:
//   - name: The preset name, e.g. "yolov3".
//   - head: The head index into Masks[name], 0 being the coarsest grid.
//
// Returns:
//   - Set: The anchors for that head.
//   - error: An error if the preset or head is unknown.
func HeadAnchors(name string, head int) (Set, error) {
	set, err := Preset(name)
	if err != nil {
		return nil, err
	}
	masks := Masks[name]
	if head < 0 || head >= len(masks) {
		return nil, errors.Errorf("preset %q has %d heads, got head %d", name, len(masks), head)
	}
	return set.Select(masks[head])
}
