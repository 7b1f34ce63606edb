//go:build !linux && !windows

package nvenc

import (
	"fmt"
	"runtime"
)

func openRuntimeLibrary(path string) (*Library, error) {
	return nil, fmt.Errorf("%w: NVENC runtime loading is not supported on %s", ErrUnavailable, runtime.GOOS)
}
