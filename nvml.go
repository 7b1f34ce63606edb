//go:build linux || windows

package nvenc

import (
	"fmt"
	"runtime"
	"unsafe"
)

const (
	nvmlSuccess              = 0
	nvmlDriverVersionBufSize = 80
	nvmlDeviceNameBufSize    = 96
)

func nvmlLibraryName() string {
	if runtime.GOOS == "windows" {
		return "nvml.dll"
	}
	return "libnvidia-ml.so.1"
}

// QueryDriverInfo reads the driver version and the first adapter's name
// from NVML. The library is loaded and released on every call.
func QueryDriverInfo() (DriverInfo, error) {
	var info DriverInfo
	name := nvmlLibraryName()
	h, err := dlOpen(name)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer dlClose(h)

	sym := func(n string) (uintptr, error) {
		fn, err := dlSym(h, n)
		if err != nil || fn == 0 {
			return 0, fmt.Errorf("%w: %s missing from %s", ErrUnavailable, n, name)
		}
		return fn, nil
	}
	initFn, err := sym("nvmlInit_v2")
	if err != nil {
		return info, err
	}
	shutdownFn, err := sym("nvmlShutdown")
	if err != nil {
		return info, err
	}
	versionFn, err := sym("nvmlSystemGetDriverVersion")
	if err != nil {
		return info, err
	}

	if st := call(initFn); st != nvmlSuccess {
		return info, fmt.Errorf("nvmlInit_v2 returned %d", uint32(st))
	}
	defer call(shutdownFn)

	buf := make([]byte, nvmlDriverVersionBufSize)
	if st := call(versionFn, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf))); st != nvmlSuccess {
		return info, fmt.Errorf("nvmlSystemGetDriverVersion returned %d", uint32(st))
	}
	info.DriverVersion = cStringFromBuffer(buf)

	// The adapter name is best effort.
	handleFn, err1 := sym("nvmlDeviceGetHandleByIndex_v2")
	nameFn, err2 := sym("nvmlDeviceGetName")
	if err1 != nil || err2 != nil {
		return info, nil
	}
	var dev uintptr
	if st := call(handleFn, 0, uintptr(unsafe.Pointer(&dev))); st != nvmlSuccess {
		return info, nil
	}
	nameBuf := make([]byte, nvmlDeviceNameBufSize)
	if st := call(nameFn, dev, uintptr(unsafe.Pointer(&nameBuf[0])), uintptr(len(nameBuf))); st == nvmlSuccess {
		info.AdapterName = cStringFromBuffer(nameBuf)
	}
	return info, nil
}
