package head

import (
	"runtime"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/pkg/errors"
)

// ClassLayout decides how NumClasses maps to class channels.
type ClassLayout string

const (
	// Foreground treats every class as a real object class: C = NumClasses.
	Foreground ClassLayout = "foreground"
	// WithBackground counts a background slot in NumClasses that has no output
	// channel: C = NumClasses - 1.
	WithBackground ClassLayout = "with_background"
)

// MaskMode selects how the offset and size terms reduce over the grid.
type MaskMode string

const (
	// MaskMultiply zeroes prediction and target outside the positive mask and
	// averages over every grid position.
	MaskMultiply MaskMode = "multiply"
	// MaskSelect averages over the selected positions only.
	MaskSelect MaskMode = "select"
)

// Weights scales each loss term.
type Weights struct {
	X   float32 `json:"x" yaml:"x"`
	Y   float32 `json:"y" yaml:"y"`
	W   float32 `json:"w" yaml:"w"`
	H   float32 `json:"h" yaml:"h"`
	Obj float32 `json:"obj" yaml:"obj"`
	Cls float32 `json:"cls" yaml:"cls"`
}

// DefaultWeights returns the YOLOv3 term weights.
func DefaultWeights() Weights {
	return Weights{X: 2.5, Y: 2.5, W: 2.5, H: 2.5, Obj: 1, Cls: 1}
}

// Config holds the construction-time parameters of one detection head.
type Config struct {
	// NumClasses is the number of classes the model was trained with.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ClassLayout decides whether NumClasses includes a background slot.
	ClassLayout ClassLayout `json:"class_layout" yaml:"class_layout"`
	// InputWidth is the network input width in pixels.
	InputWidth int `json:"input_width" yaml:"input_width"`
	// InputHeight is the network input height in pixels.
	InputHeight int `json:"input_height" yaml:"input_height"`
	// GridWidth is the number of grid columns of this scale.
	GridWidth int `json:"grid_width" yaml:"grid_width"`
	// GridHeight is the number of grid rows of this scale.
	GridHeight int `json:"grid_height" yaml:"grid_height"`
	// Anchors are this scale's anchors in input pixels.
	Anchors anchors.Set `json:"anchors" yaml:"anchors"`
	// IgnoreThreshold is the shape IoU above which an anchor is not a negative.
	IgnoreThreshold float32 `json:"ignore_threshold" yaml:"ignore_threshold"`
	// Weights scales the loss terms.
	Weights Weights `json:"weights" yaml:"weights"`
	// NoObjectScale scales the negative half of the objectness term.
	NoObjectScale float32 `json:"no_object_scale" yaml:"no_object_scale"`
	// MaskMode selects the reduction of the offset and size terms.
	MaskMode MaskMode `json:"mask_mode" yaml:"mask_mode"`
	// OutputChannels, when set, is the channel count of the backbone output
	// feeding this head and must equal anchors*(5+classes).
	OutputChannels int `json:"output_channels,omitempty" yaml:"output_channels,omitempty"`
	// Workers bounds the goroutines used to build targets across images.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the configuration of the coarse YOLOv3 head on a
// 416x416 COCO model.
func DefaultConfig() Config {
	set, _ := anchors.HeadAnchors("yolov3", 0)
	return Config{
		NumClasses:      80,
		ClassLayout:     Foreground,
		InputWidth:      416,
		InputHeight:     416,
		GridWidth:       13,
		GridHeight:      13,
		Anchors:         set,
		IgnoreThreshold: 0.5,
		Weights:         DefaultWeights(),
		NoObjectScale:   0.5,
		MaskMode:        MaskMultiply,
		Workers:         runtime.NumCPU(),
	}
}

// ClassChannels returns the number of class channels per anchor.
func (c Config) ClassChannels() int {
	if c.ClassLayout == WithBackground {
		return c.NumClasses - 1
	}
	return c.NumClasses
}

// Attributes returns the number of values predicted per anchor and cell.
func (c Config) Attributes() int {
	return 5 + c.ClassChannels()
}

// Stride returns the input pixels per grid cell on each axis.
func (c Config) Stride() (float32, float32) {
	return float32(c.InputWidth) / float32(c.GridWidth), float32(c.InputHeight) / float32(c.GridHeight)
}

// Validate reports the first problem that makes the configuration unusable.
// Every error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}

	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return invalid("input size %dx%d must be positive", c.InputWidth, c.InputHeight)
	}
	if c.GridWidth <= 0 || c.GridHeight <= 0 {
		return invalid("grid size %dx%d must be positive", c.GridWidth, c.GridHeight)
	}
	if err := c.Anchors.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}

	switch c.ClassLayout {
	case Foreground, WithBackground:
	default:
		return invalid("unknown class layout %q", c.ClassLayout)
	}
	if c.NumClasses < 0 || c.ClassChannels() < 0 {
		return invalid("%d classes leave %d class channels with layout %q",
			c.NumClasses, c.ClassChannels(), c.ClassLayout)
	}

	if c.IgnoreThreshold < 0 || c.IgnoreThreshold > 1 || math32.IsNaN(c.IgnoreThreshold) {
		return invalid("ignore threshold %g outside [0, 1]", c.IgnoreThreshold)
	}

	w := c.Weights
	for _, weight := range []struct {
		name  string
		value float32
	}{
		{"x", w.X}, {"y", w.Y}, {"w", w.W}, {"h", w.H}, {"obj", w.Obj}, {"cls", w.Cls},
		{"no_object_scale", c.NoObjectScale},
	} {
		if weight.value < 0 || math32.IsNaN(weight.value) || math32.IsInf(weight.value, 0) {
			return invalid("weight %s = %g must be finite and non-negative", weight.name, weight.value)
		}
	}

	switch c.MaskMode {
	case MaskMultiply, MaskSelect:
	default:
		return invalid("unknown mask mode %q", c.MaskMode)
	}

	if c.OutputChannels != 0 {
		want := len(c.Anchors) * c.Attributes()
		if c.OutputChannels != want {
			return invalid("backbone emits %d channels, %d anchors x (5 + %d classes) needs %d",
				c.OutputChannels, len(c.Anchors), c.ClassChannels(), want)
		}
	}

	if c.Workers < 0 {
		return invalid("workers must not be negative, got %d", c.Workers)
	}

	return nil
}
