// Package backbone runs an exported detection network and hands its raw output
// to the head. The network is opaque: the package only knows the names and
// shapes of one input and one output tensor.
package backbone

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrNotInitialized is returned when a closed or zero-value backbone is used.
var ErrNotInitialized = errors.New("backbone not initialized")

// Backbone produces one raw NCHW feature map per input batch.
type Backbone interface {
	Forward(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error)
	Close() error
}

// Provider selects the ONNX Runtime execution provider.
type Provider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU Provider = "cpu"
	// ProviderCUDA uses NVIDIA CUDA.
	ProviderCUDA Provider = "cuda"
	// ProviderCoreML uses Apple CoreML.
	ProviderCoreML Provider = "coreml"
	// ProviderOpenVINO uses Intel OpenVINO.
	ProviderOpenVINO Provider = "openvino"
)

// Config describes the network file and its single input and output.
type Config struct {
	// Path to the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// Path to the onnxruntime shared library. Empty means resolve from the environment.
	SharedLibraryPath string `json:"shared_library_path,omitempty" yaml:"shared_library_path,omitempty"`
	// Input and output node names.
	InputName  string `json:"input_name"  yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// Network input size in pixels.
	InputWidth  int `json:"input_width"  yaml:"input_width"`
	InputHeight int `json:"input_height" yaml:"input_height"`
	// Output feature map: channels = anchors * (5 + classes).
	OutputChannels int `json:"output_channels" yaml:"output_channels"`
	GridWidth      int `json:"grid_width"      yaml:"grid_width"`
	GridHeight     int `json:"grid_height"     yaml:"grid_height"`
	// Letterbox keeps the aspect ratio and pads with gray instead of stretching.
	Letterbox bool `json:"letterbox" yaml:"letterbox"`

	Provider       Provider        `json:"provider"                yaml:"provider"`
	CUDA           CUDAOptions     `json:"cuda,omitempty"          yaml:"cuda,omitempty"`
	OpenVINO       OpenVINOOptions `json:"openvino,omitempty"      yaml:"openvino,omitempty"`
	IntraOpThreads int             `json:"intra_op_threads"        yaml:"intra_op_threads"`
	InterOpThreads int             `json:"inter_op_threads"        yaml:"inter_op_threads"`
}

// DefaultConfig matches a 416x416 single-scale YOLOv3 export.
func DefaultConfig() Config {
	return Config{
		InputName:      "images",
		OutputName:     "output0",
		InputWidth:     416,
		InputHeight:    416,
		OutputChannels: 255,
		GridWidth:      13,
		GridHeight:     13,
		Provider:       ProviderCPU,
	}
}

// Validate checks the configuration without touching the runtime.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return errors.Wrapf(err, "model %s", c.ModelPath)
	}
	if c.InputName == "" || c.OutputName == "" {
		return errors.New("input and output names are required")
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Errorf("input size must be positive, got %dx%d", c.InputWidth, c.InputHeight)
	}
	if c.OutputChannels <= 0 || c.GridWidth <= 0 || c.GridHeight <= 0 {
		return errors.Errorf("output shape must be positive, got %dx%dx%d",
			c.OutputChannels, c.GridHeight, c.GridWidth)
	}
	switch c.Provider {
	case ProviderCPU, ProviderCUDA, ProviderCoreML, ProviderOpenVINO:
	default:
		return errors.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}
