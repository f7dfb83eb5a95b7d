//go:build cgo

package embeddings

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// libraryNames maps GOOS to the ONNX runtime shared library filename.
var libraryNames = map[string]string{
	"linux":  "libonnxruntime.so",
	"darwin": "libonnxruntime.dylib",
}

func onnxLibraryName(goos string) string {
	if name, ok := libraryNames[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

// locateONNXRuntime returns the runtime library path. ONNX_PATH wins,
// then <cacheDir>/lib, then the system library directories.
func locateONNXRuntime(cacheDir string) string {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p
	}
	name := onnxLibraryName(runtime.GOOS)
	candidates := []string{
		filepath.Join(cacheDir, "lib", name),
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/usr/lib", name),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// ensureONNXRuntime points fastembed-go at the runtime library. The library
// is not downloaded; installing it is an operator step.
func ensureONNXRuntime(cacheDir string) error {
	path := locateONNXRuntime(cacheDir)
	if path == "" {
		return fmt.Errorf("%w: ONNX runtime %s not found (set ONNX_PATH or install it under %s)",
			ErrInvalidConfig, onnxLibraryName(runtime.GOOS), filepath.Join(cacheDir, "lib"))
	}
	return os.Setenv("ONNX_PATH", path)
}
