// Package labels maps class channels to human-readable names.
package labels

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Background is the name of the background slot some label sets carry at
// index 0.
const Background = "__background__"

// Set lists class names in channel order.
type Set []string

// COCO is the 80 COCO classes with the background slot at index 0.
var COCO = Set{
	Background, "person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
	"cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase",
	"frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich",
	"orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// VOC is the 20 Pascal VOC classes with the background slot at index 0.
var VOC = Set{
	Background, "aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

var presets = map[string]Set{
	"coco": COCO,
	"voc":  VOC,
}

// Preset returns a copy of a named label set.
func Preset(name string) (Set, error) {
	set, ok := presets[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown label set %q, want one of %s", name, strings.Join(PresetNames(), ", "))
	}
	return append(Set(nil), set...), nil
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a darknet-style .names file: one class per line, blank lines
// and lines starting with # are skipped.
func Load(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening labels %s", path)
	}
	defer f.Close()

	var set Set
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set = append(set, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading labels %s", path)
	}
	if len(set) == 0 {
		return nil, errors.Errorf("labels %s: no classes", path)
	}
	return set, nil
}

// Resolve returns the preset called ref, or loads ref as a file.
func Resolve(ref string) (Set, error) {
	if set, err := Preset(ref); err == nil {
		return set, nil
	}
	return Load(ref)
}

// Foreground drops a leading background slot.
func (s Set) Foreground() Set {
	if len(s) > 0 && s[0] == Background {
		return s[1:]
	}
	return s
}

// Name returns the name of class c, or "class_<c>" when c is out of range.
func (s Set) Name(c int) string {
	if c >= 0 && c < len(s) {
		return s[c]
	}
	return fmt.Sprintf("class_%d", c)
}

// Index returns the channel of a class name.
func (s Set) Index(name string) (int, bool) {
	for i, n := range s {
		if n == name {
			return i, true
		}
	}
	return -1, false
}
