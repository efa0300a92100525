package backbone

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var environment sync.Mutex

// initEnvironment loads the shared library once per process.
func initEnvironment(libPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	return errors.Wrap(ort.InitializeEnvironment(), "initializing onnxruntime environment")
}

// ONNX runs a single-input, single-output network with ONNX Runtime.
//
// Input and output buffers are preallocated and bound to the session, so
// Forward calls are serialized.
type ONNX struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ Backbone = (*ONNX)(nil)

// NewONNX creates a session for cfg.ModelPath.
//
// Order of operations:
//  1. Validate the configuration and resolve the shared library.
//  2. Initialize the runtime environment (once per process).
//  3. Allocate fixed-shape input and output tensors.
//  4. Configure threading, graph optimization and the execution provider.
//  5. Create the session bound to the tensors.
//
// Close releases every native resource.
func NewONNX(cfg Config, logger *slog.Logger) (*ONNX, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid backbone config")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	libPath, err := SharedLibraryPath(cfg.SharedLibraryPath)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, int64(cfg.OutputChannels), int64(cfg.GridHeight), int64(cfg.GridWidth)),
	)
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	session, err := newSession(cfg, input, output)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}

	logger.Info("backbone session ready",
		"model", cfg.ModelPath,
		"provider", cfg.Provider,
		"input", []int{1, 3, cfg.InputHeight, cfg.InputWidth},
		"output", []int{1, cfg.OutputChannels, cfg.GridHeight, cfg.GridWidth},
	)

	return &ONNX{
		cfg:     cfg,
		logger:  logger,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

func newSession(cfg Config, input, output *ort.Tensor[float32]) (*ort.AdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return nil, errors.Wrap(err, "setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "setting graph optimization level")
	}
	if err := applyProvider(options, cfg); err != nil {
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "creating session for %s", cfg.ModelPath)
	}
	return session, nil
}

// Config returns the configuration the session was built with.
func (o *ONNX) Config() Config {
	return o.cfg
}

// Forward copies input (1, 3, H, W) into the session, runs it and returns a
// fresh (1, C, gridH, gridW) tensor.
func (o *ONNX) Forward(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	if o == nil {
		return nil, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := tensor.Shape{1, 3, o.cfg.InputHeight, o.cfg.InputWidth}
	if input == nil || !input.Shape().Eq(want) || input.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("backbone input must be float32 %v", want)
	}
	if input.IsView() {
		input = input.Materialize().(*tensor.Dense)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil, ErrNotInitialized
	}

	copy(o.input.GetData(), input.Data().([]float32))
	if err := o.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running session")
	}

	out := append([]float32(nil), o.output.GetData()...)
	return tensor.New(
		tensor.WithShape(1, o.cfg.OutputChannels, o.cfg.GridHeight, o.cfg.GridWidth),
		tensor.WithBacking(out),
	), nil
}

// Close releases the session and its tensors. It is safe to call twice.
func (o *ONNX) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.input != nil {
		o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		o.output.Destroy()
		o.output = nil
	}
	if o.session != nil {
		err := o.session.Destroy()
		o.session = nil
		if err != nil {
			return errors.Wrap(err, "destroying session")
		}
	}
	return nil
}
