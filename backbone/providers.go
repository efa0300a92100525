package backbone

import (
	"fmt"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// The size limit of the device memory arena in bytes. Zero leaves the runtime default.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// kNextPowerOfTwo or kSameAsRequested.
	ArenaExtendStrategy string `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// EXHAUSTIVE, HEURISTIC or DEFAULT.
	CudnnConvAlgoSearch string `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream.
	DoCopyInDefaultStream bool `json:"do_copy_in_default_stream" yaml:"do_copy_in_default_stream"`
}

// values returns the provider option map, leaving unset fields to the runtime.
func (o CUDAOptions) values() map[string]string {
	v := map[string]string{
		"device_id":                 fmt.Sprintf("%d", o.DeviceID),
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
	}
	if o.GPUMemLimit > 0 {
		v["gpu_mem_limit"] = fmt.Sprintf("%d", o.GPUMemLimit)
	}
	if o.ArenaExtendStrategy != "" {
		v["arena_extend_strategy"] = o.ArenaExtendStrategy
	}
	if o.CudnnConvAlgoSearch != "" {
		v["cudnn_conv_algo_search"] = o.CudnnConvAlgoSearch
	}
	return v
}

// native converts the options to runtime provider options. The caller destroys them.
func (o CUDAOptions) native() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating CUDA options")
	}
	if err := opts.Update(o.values()); err != nil {
		opts.Destroy()
		return nil, errors.Wrap(err, "updating CUDA options")
	}
	return opts, nil
}

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// CPU, GPU or NPU. Empty uses the build default.
	DeviceType string `json:"device_type" yaml:"device_type"`
	// FP32, FP16 or ACCURACY.
	Precision    string `json:"precision"      yaml:"precision"`
	NumOfThreads int    `json:"num_of_threads" yaml:"num_of_threads"`
}

func (o OpenVINOOptions) values() map[string]string {
	v := map[string]string{}
	if o.DeviceType != "" {
		v["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		v["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		v["num_of_threads"] = fmt.Sprintf("%d", o.NumOfThreads)
	}
	return v
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// applyProvider enables the configured execution provider on the session options.
func applyProvider(options *ort.SessionOptions, cfg Config) error {
	switch cfg.Provider {
	case ProviderCPU, "":
		return nil
	case ProviderCoreML:
		return errors.Wrap(options.AppendExecutionProviderCoreML(0), "enabling CoreML")
	case ProviderOpenVINO:
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(cfg.OpenVINO.values()), "enabling OpenVINO")
	case ProviderCUDA:
		cuda, err := cfg.CUDA.native()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enabling CUDA")
	default:
		return errors.Errorf("unknown provider %q", cfg.Provider)
	}
}
