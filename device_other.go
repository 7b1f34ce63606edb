//go:build !windows && !linux

package nvenc

import (
	"fmt"
	"runtime"
)

func newProbeDevice() (ProbeDevice, error) {
	return nil, fmt.Errorf("%w: no NVENC device type on %s", ErrUnavailable, runtime.GOOS)
}
