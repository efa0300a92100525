// Package anchors - Anchor geometry for anchor-based detection heads.
package anchors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Anchor is a (width, height) template box.
//
// Configured anchors are in input-pixel units; Scale converts them to
// grid-cell units for one detection scale.
type Anchor struct {
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// UnmarshalYAML accepts either a `[w, h]` pair or a `{w: .., h: ..}` mapping.
func (a *Anchor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var pair []float32
		if err := node.Decode(&pair); err != nil {
			return errors.Wrap(err, "decode anchor pair")
		}
		if len(pair) != 2 {
			return errors.Errorf("line %d: anchor needs 2 values, got %d", node.Line, len(pair))
		}
		a.W, a.H = pair[0], pair[1]
		return nil
	}

	type plain Anchor
	var p plain
	if err := node.Decode(&p); err != nil {
		return errors.Wrap(err, "decode anchor mapping")
	}
	*a = Anchor(p)
	return nil
}

// MarshalYAML writes the anchor as a `[w, h]` pair.
func (a Anchor) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range []float32{a.W, a.H} {
		node.Content = append(node.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!float",
			Value: strconv.FormatFloat(float64(v), 'g', -1, 32),
		})
	}
	return node, nil
}

func (a Anchor) String() string {
	return fmt.Sprintf("%gx%g", a.W, a.H)
}

// Set is the ordered anchor list of one detection scale. Anchor indices are
// positions in the set.
type Set []Anchor

// Scale divides every anchor by the stride of its axis.
//
// Arguments:
//   - strideX: Input pixels per grid column.
//   - strideY: Input pixels per grid row.
//
// Returns:
//   - Set: A new set in grid-cell units.
func (s Set) Scale(strideX, strideY float32) Set {
	scaled := make(Set, len(s))
	for i, a := range s {
		scaled[i] = Anchor{W: a.W / strideX, H: a.H / strideY}
	}
	return scaled
}

// Select picks anchors by index, e.g. one YOLOv3 mask row.
func (s Set) Select(mask []int) (Set, error) {
	selected := make(Set, 0, len(mask))
	for _, idx := range mask {
		if idx < 0 || idx >= len(s) {
			return nil, errors.Errorf("anchor mask index %d outside [0, %d)", idx, len(s))
		}
		selected = append(selected, s[idx])
	}
	return selected, nil
}

// Validate checks that the set is usable by a detection head. Zero-sized
// anchors are allowed; target encoding handles them numerically.
func (s Set) Validate() error {
	if len(s) == 0 {
		return errors.New("anchor set is empty")
	}
	for i, a := range s {
		if a.W < 0 || a.H < 0 || math32.IsNaN(a.W) || math32.IsNaN(a.H) ||
			math32.IsInf(a.W, 0) || math32.IsInf(a.H, 0) {
			return errors.Errorf("anchor %d (%s) must be finite and non-negative", i, a)
		}
	}
	return nil
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, a := range s {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

// Parse reads an anchor list such as "10,13 16,30 33,23" or "10x13,16x30".
//
// Arguments:
//   - text: Whitespace or comma separated pairs; a pair is "w,h" or "wxh".
//
// Returns:
//   - Set: The parsed anchors, in order.
//   - error: An error if a value is malformed or the pair count is odd.
func Parse(text string) (Set, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == 'x' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, errors.New("no anchors given")
	}
	if len(fields)%2 != 0 {
		return nil, errors.Errorf("anchors %q: expected width/height pairs, got %d values", text, len(fields))
	}

	set := make(Set, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		w, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "anchor %d width", i/2)
		}
		h, err := strconv.ParseFloat(fields[i+1], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "anchor %d height", i/2)
		}
		set = append(set, Anchor{W: float32(w), H: float32(h)})
	}
	return set, nil
}
