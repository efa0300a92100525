package backbone

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// EnvSharedLibraryPath overrides the onnxruntime shared library location.
const EnvSharedLibraryPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// SharedLibraryPath resolves the onnxruntime library: the configured path first,
// then $ONNXRUNTIME_SHARED_LIBRARY_PATH, then the bundled third_party copy for
// this platform.
func SharedLibraryPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv(EnvSharedLibraryPath); env != "" {
		return env, nil
	}
	return defaultSharedLibraryPath(runtime.GOOS, runtime.GOARCH)
}

func defaultSharedLibraryPath(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "third_party/libonnxruntime.dylib", nil
	case "linux":
		if goarch == "arm64" {
			return "third_party/onnxruntime_arm64.so", nil
		}
		return "third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library known for %s/%s, set %s",
		goos, goarch, EnvSharedLibraryPath)
}
