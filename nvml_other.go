//go:build !linux && !windows

package nvenc

import (
	"fmt"
	"runtime"
)

// QueryDriverInfo is unsupported on this platform.
func QueryDriverInfo() (DriverInfo, error) {
	return DriverInfo{}, fmt.Errorf("%w: NVML is not available on %s", ErrUnavailable, runtime.GOOS)
}
