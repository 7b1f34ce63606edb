//go:build linux

package nvenc

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

const cudaLibrary = "libcuda.so.1"

var (
	cudaOnce    sync.Once
	cudaInitErr error

	cuInit          func(flags uint32) int32
	cuDeviceGet     func(device *int32, ordinal int32) int32
	cuCtxCreate     func(ctx *uintptr, flags uint32, device int32) int32
	cuCtxDestroy    func(ctx uintptr) int32
	cuCtxPopCurrent func(ctx *uintptr) int32
)

func initCUDA() error {
	cudaOnce.Do(func() {
		h, err := purego.Dlopen(cudaLibrary, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			cudaInitErr = fmt.Errorf("%w: failed to load %s: %v", ErrUnavailable, cudaLibrary, err)
			return
		}
		for _, name := range []string{"cuInit", "cuDeviceGet", "cuCtxCreate_v2", "cuCtxDestroy_v2", "cuCtxPopCurrent_v2"} {
			if _, err := purego.Dlsym(h, name); err != nil {
				cudaInitErr = fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
				return
			}
		}
		purego.RegisterLibFunc(&cuInit, h, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGet, h, "cuDeviceGet")
		purego.RegisterLibFunc(&cuCtxCreate, h, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxDestroy, h, "cuCtxDestroy_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, h, "cuCtxPopCurrent_v2")
		if rc := cuInit(0); rc != 0 {
			cudaInitErr = fmt.Errorf("%w: cuInit returned %d", ErrUnavailable, rc)
		}
	})
	return cudaInitErr
}

// cudaContext is a CUDA context on device 0, used as the session device
// when probing on Linux.
type cudaContext struct {
	ctx uintptr
}

func (c *cudaContext) Handle() uintptr  { return c.ctx }
func (c *cudaContext) Type() DeviceType { return DeviceTypeCUDA }

func (c *cudaContext) Close() error {
	if c.ctx == 0 {
		return nil
	}
	rc := cuCtxDestroy(c.ctx)
	c.ctx = 0
	if rc != 0 {
		return fmt.Errorf("cuCtxDestroy returned %d", rc)
	}
	return nil
}

func newProbeDevice() (ProbeDevice, error) {
	if err := initCUDA(); err != nil {
		return nil, err
	}
	var dev int32
	if rc := cuDeviceGet(&dev, 0); rc != 0 {
		return nil, fmt.Errorf("%w: cuDeviceGet returned %d", ErrUnavailable, rc)
	}
	c := &cudaContext{}
	if rc := cuCtxCreate(&c.ctx, 0, dev); rc != 0 {
		return nil, fmt.Errorf("%w: cuCtxCreate returned %d", ErrUnavailable, rc)
	}
	// NVENC takes the context explicitly; leave the thread without a
	// current context.
	var popped uintptr
	cuCtxPopCurrent(&popped)
	return c, nil
}
