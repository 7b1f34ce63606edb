//go:build windows

package nvenc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

var (
	d3d11DLL = windows.NewLazySystemDLL("d3d11.dll")
	d3d12DLL = windows.NewLazySystemDLL("d3d12.dll")

	procD3D11CreateDevice     = d3d11DLL.NewProc("D3D11CreateDevice")
	procD3D11On12CreateDevice = d3d11DLL.NewProc("D3D11On12CreateDevice")
	procD3D12CreateDevice     = d3d12DLL.NewProc("D3D12CreateDevice")
)

const (
	d3dDriverTypeHardware = 1
	d3d11SDKVersion       = 7

	d3d11CreateDeviceBGRASupport  = 0x20
	d3d11CreateDeviceVideoSupport = 0x800

	d3dFeatureLevel11_0 = 0xb000
	d3dFeatureLevel11_1 = 0xb100

	d3d12ResourceStateVideoEncodeRead = 0x200000
	d3d12CommandListTypeDirect        = 0
)

// vtable slots.
const (
	vtblD3D11DeviceGetImmediateContext   = 40
	vtblD3D11Texture2DGetDesc            = 10
	vtblD3D11DeviceContextFlush          = 111
	vtblD3D11On12CreateWrappedResource   = 3
	vtblD3D11On12ReleaseWrappedResources = 4
	vtblD3D11On12AcquireWrappedResources = 5
	vtblD3D12DeviceCreateCommandQueue    = 8
	vtblD3D12DeviceCreateFence           = 36
	vtblD3D12FenceGetCompletedValue      = 8
	vtblD3D12FenceSetEventOnCompletion   = 9
	vtblD3D12ResourceGetDesc             = 10
)

var (
	iidD3D11VideoDevice   = ole.NewGUID("{10EC4D5B-975A-4689-B9E4-D0AAC30FE333}")
	iidD3D11Texture2D     = ole.NewGUID("{6F15AAF2-D208-4E89-9AB4-489535D34F9C}")
	iidD3D11On12Device    = ole.NewGUID("{85611E73-70A9-490E-9614-A9E302777904}")
	iidD3D12Device        = ole.NewGUID("{189819F1-1DB6-4B57-BE54-1821339B85F7}")
	iidD3D12CommandQueue  = ole.NewGUID("{0EC870A6-5D7E-4C22-8CFC-5BAAE07616ED}")
	iidD3D12Fence         = ole.NewGUID("{0A753DCF-C4D8-4B91-ADF6-BE5A60D95A76}")
	bridgeFeatureLevels   = [2]uint32{d3dFeatureLevel11_1, d3dFeatureLevel11_0}
	d3d11DeviceFlags      = uintptr(d3d11CreateDeviceBGRASupport | d3d11CreateDeviceVideoSupport)
	errNilCOMObject       = errors.New("nil COM object")
	errMissingVideoDevice = errors.New("D3D11 device does not expose ID3D11VideoDevice")
)

// comInvoke calls vtable slot idx of obj and returns the raw result.
func comInvoke(obj uintptr, idx int, args ...uintptr) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(fn, all...)
	return ret
}

// comCall calls an HRESULT-returning vtable slot.
func comCall(obj uintptr, idx int, args ...uintptr) error {
	if obj == 0 {
		return errNilCOMObject
	}
	if hr := int32(comInvoke(obj, idx, args...)); hr < 0 {
		return fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", idx, uint32(hr))
	}
	return nil
}

func unknown(p uintptr) *ole.IUnknown { return (*ole.IUnknown)(unsafe.Pointer(p)) }

func comAddRef(p uintptr) {
	if p != 0 {
		unknown(p).AddRef()
	}
}

func comRelease(p uintptr) {
	if p != 0 {
		unknown(p).Release()
	}
}

func comQuery(p uintptr, iid *ole.GUID) (uintptr, error) {
	if p == 0 {
		return 0, errNilCOMObject
	}
	out, err := unknown(p).QueryInterface(iid)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(out)), nil
}

func guidPtr(g *ole.GUID) uintptr { return uintptr(unsafe.Pointer(g)) }

func callProc(proc *windows.LazyProc, args ...uintptr) error {
	if err := proc.Find(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	hr, _, _ := proc.Call(args...)
	if int32(hr) < 0 {
		return fmt.Errorf("%s HRESULT 0x%08X", proc.Name, uint32(hr))
	}
	return nil
}

// D3D11DeviceRef is a counted reference to an ID3D11Device and its
// immediate context.
type D3D11DeviceRef struct {
	ptr uintptr
	ctx uintptr
}

// CreateD3D11Device creates a hardware device with BGRA and video support.
func CreateD3D11Device() (*D3D11DeviceRef, error) {
	var dev, ctx uintptr
	var level uint32
	err := callProc(procD3D11CreateDevice,
		0, d3dDriverTypeHardware, 0, d3d11DeviceFlags,
		uintptr(unsafe.Pointer(&bridgeFeatureLevels[0])), uintptr(len(bridgeFeatureLevels)),
		d3d11SDKVersion,
		uintptr(unsafe.Pointer(&dev)), uintptr(unsafe.Pointer(&level)), uintptr(unsafe.Pointer(&ctx)))
	if err != nil {
		return nil, err
	}
	return &D3D11DeviceRef{ptr: dev, ctx: ctx}, nil
}

// WrapD3D11Device takes a new reference on an existing device.
func WrapD3D11Device(ptr uintptr) *D3D11DeviceRef {
	comAddRef(ptr)
	d := &D3D11DeviceRef{ptr: ptr}
	if ptr != 0 {
		comInvoke(ptr, vtblD3D11DeviceGetImmediateContext, uintptr(unsafe.Pointer(&d.ctx)))
	}
	return d
}

func (d *D3D11DeviceRef) Pointer() uintptr { return d.ptr }
func (d *D3D11DeviceRef) Retain()          { comAddRef(d.ptr) }
func (d *D3D11DeviceRef) Release()         { comRelease(d.ptr) }
func (d *D3D11DeviceRef) Handle() uintptr  { return d.ptr }
func (d *D3D11DeviceRef) Type() DeviceType { return DeviceTypeDirectX }

// Flush submits queued work on the immediate context.
func (d *D3D11DeviceRef) Flush() {
	if d.ctx != 0 {
		comInvoke(d.ctx, vtblD3D11DeviceContextFlush)
	}
}

// Close drops the references taken by this object.
func (d *D3D11DeviceRef) Close() error {
	comRelease(d.ctx)
	comRelease(d.ptr)
	d.ctx, d.ptr = 0, 0
	return nil
}

// D3D11TextureRef is a borrowed ID3D11Texture2D.
type D3D11TextureRef struct {
	ptr uintptr
}

// WrapD3D11Texture wraps ptr without taking a reference.
func WrapD3D11Texture(ptr uintptr) *D3D11TextureRef { return &D3D11TextureRef{ptr: ptr} }

func (t *D3D11TextureRef) Pointer() uintptr { return t.ptr }

// Desc reads D3D11_TEXTURE2D_DESC.
func (t *D3D11TextureRef) Desc() TextureDesc {
	var raw [11]uint32
	if t.ptr != 0 {
		comInvoke(t.ptr, vtblD3D11Texture2DGetDesc, uintptr(unsafe.Pointer(&raw[0])))
	}
	return TextureDesc{
		Width:     raw[0],
		Height:    raw[1],
		MipLevels: raw[2],
		ArraySize: raw[3],
		Format:    raw[4],
	}
}

// D3D12ResourceRef is a borrowed ID3D12Resource.
type D3D12ResourceRef struct {
	ptr uintptr
}

// WrapD3D12Resource wraps ptr without taking a reference.
func WrapD3D12Resource(ptr uintptr) *D3D12ResourceRef { return &D3D12ResourceRef{ptr: ptr} }

func (r *D3D12ResourceRef) Pointer() uintptr { return r.ptr }

// desc reads D3D12_RESOURCE_DESC, returned through a hidden pointer.
func (r *D3D12ResourceRef) desc() [56]byte {
	var raw [56]byte
	if r.ptr != 0 {
		comInvoke(r.ptr, vtblD3D12ResourceGetDesc, uintptr(unsafe.Pointer(&raw[0])))
	}
	return raw
}

func (r *D3D12ResourceRef) Dimension() ResourceDimension {
	raw := r.desc()
	return ResourceDimension(binary.LittleEndian.Uint32(raw[0:]))
}

func (r *D3D12ResourceRef) Desc() TextureDesc {
	raw := r.desc()
	return TextureDesc{
		Width:     uint32(binary.LittleEndian.Uint64(raw[16:])),
		Height:    binary.LittleEndian.Uint32(raw[24:]),
		ArraySize: uint32(binary.LittleEndian.Uint16(raw[28:])),
		MipLevels: uint32(binary.LittleEndian.Uint16(raw[30:])),
		Format:    binary.LittleEndian.Uint32(raw[32:]),
	}
}

// D3D12DeviceRef is a counted reference to an ID3D12Device.
type D3D12DeviceRef struct {
	ptr uintptr
}

// CreateD3D12Device creates a device on the default adapter.
func CreateD3D12Device() (*D3D12DeviceRef, error) {
	var dev uintptr
	if err := callProc(procD3D12CreateDevice, 0, d3dFeatureLevel11_0, guidPtr(iidD3D12Device), uintptr(unsafe.Pointer(&dev))); err != nil {
		return nil, err
	}
	return &D3D12DeviceRef{ptr: dev}, nil
}

// WrapD3D12Device takes a new reference on an existing device.
func WrapD3D12Device(ptr uintptr) *D3D12DeviceRef {
	comAddRef(ptr)
	return &D3D12DeviceRef{ptr: ptr}
}

func (d *D3D12DeviceRef) Pointer() uintptr { return d.ptr }

// Close drops the device reference.
func (d *D3D12DeviceRef) Close() error {
	comRelease(d.ptr)
	d.ptr = 0
	return nil
}

// CreateCommandQueue creates a direct queue.
func (d *D3D12DeviceRef) CreateCommandQueue() (CommandQueue, error) {
	desc := [4]uint32{d3d12CommandListTypeDirect}
	var q uintptr
	if err := comCall(d.ptr, vtblD3D12DeviceCreateCommandQueue,
		uintptr(unsafe.Pointer(&desc[0])), guidPtr(iidD3D12CommandQueue), uintptr(unsafe.Pointer(&q))); err != nil {
		return nil, fmt.Errorf("CreateCommandQueue: %w", err)
	}
	return &commandQueue{ptr: q}, nil
}

// CreateFence creates a fence starting at 0 and its completion event.
func (d *D3D12DeviceRef) CreateFence() (Fence, error) {
	var f uintptr
	if err := comCall(d.ptr, vtblD3D12DeviceCreateFence, 0, 0, guidPtr(iidD3D12Fence), uintptr(unsafe.Pointer(&f))); err != nil {
		return nil, fmt.Errorf("CreateFence: %w", err)
	}
	event, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		comRelease(f)
		return nil, fmt.Errorf("create fence event: %w", err)
	}
	return &fence{ptr: f, event: event}, nil
}

// CreateBridge creates a D3D11-on-12 device on queue.
func (d *D3D12DeviceRef) CreateBridge(queue CommandQueue) (BridgeDevice, error) {
	if queue == nil || queue.Pointer() == 0 {
		return nil, errNilCOMObject
	}
	queues := [1]uintptr{queue.Pointer()}
	var dev, ctx uintptr
	err := callProc(procD3D11On12CreateDevice,
		d.ptr, d3d11DeviceFlags,
		uintptr(unsafe.Pointer(&bridgeFeatureLevels[0])), uintptr(len(bridgeFeatureLevels)),
		uintptr(unsafe.Pointer(&queues[0])), 1, 0,
		uintptr(unsafe.Pointer(&dev)), uintptr(unsafe.Pointer(&ctx)), 0)
	if err != nil {
		return nil, err
	}
	b := &bridgeDevice{D3D11DeviceRef: D3D11DeviceRef{ptr: dev, ctx: ctx}}
	video, err := comQuery(dev, iidD3D11VideoDevice)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: %v", errMissingVideoDevice, err)
	}
	comRelease(video)
	if b.on12, err = comQuery(dev, iidD3D11On12Device); err != nil {
		b.Close()
		return nil, fmt.Errorf("query ID3D11On12Device: %w", err)
	}
	return b, nil
}

type commandQueue struct {
	ptr uintptr
}

func (q *commandQueue) Pointer() uintptr { return q.ptr }

func (q *commandQueue) Close() error {
	comRelease(q.ptr)
	q.ptr = 0
	return nil
}

type fence struct {
	ptr   uintptr
	event windows.Handle
}

func (f *fence) Pointer() uintptr { return f.ptr }

func (f *fence) CompletedValue() uint64 {
	if f.ptr == 0 {
		return 0
	}
	return uint64(comInvoke(f.ptr, vtblD3D12FenceGetCompletedValue))
}

// Wait blocks without a timeout until the fence reaches value.
func (f *fence) Wait(value uint64) error {
	if f.CompletedValue() >= value {
		return nil
	}
	if err := comCall(f.ptr, vtblD3D12FenceSetEventOnCompletion, uintptr(value), uintptr(f.event)); err != nil {
		return fmt.Errorf("SetEventOnCompletion: %w", err)
	}
	if _, err := windows.WaitForSingleObject(f.event, windows.INFINITE); err != nil {
		return fmt.Errorf("wait for fence: %w", err)
	}
	return nil
}

func (f *fence) Close() error {
	var err error
	if f.event != 0 {
		err = windows.CloseHandle(f.event)
		f.event = 0
	}
	comRelease(f.ptr)
	f.ptr = 0
	return err
}

type bridgeDevice struct {
	D3D11DeviceRef
	on12 uintptr
}

type wrappedTexture struct {
	D3D11TextureRef
}

func (w *wrappedTexture) Close() error {
	comRelease(w.ptr)
	w.ptr = 0
	return nil
}

// Wrap creates a D3D11 texture over res kept in the VIDEO_ENCODE_READ state.
func (b *bridgeDevice) Wrap(res D3D12Resource) (WrappedTexture, error) {
	if res == nil || res.Pointer() == 0 {
		return nil, errNilCOMObject
	}
	var flags [4]uint32
	var tex uintptr
	if err := comCall(b.on12, vtblD3D11On12CreateWrappedResource,
		res.Pointer(), uintptr(unsafe.Pointer(&flags[0])),
		d3d12ResourceStateVideoEncodeRead, d3d12ResourceStateVideoEncodeRead,
		guidPtr(iidD3D11Texture2D), uintptr(unsafe.Pointer(&tex))); err != nil {
		return nil, fmt.Errorf("CreateWrappedResource: %w", err)
	}
	return &wrappedTexture{D3D11TextureRef{ptr: tex}}, nil
}

func (b *bridgeDevice) Acquire(tex WrappedTexture) {
	b.wrapped(vtblD3D11On12AcquireWrappedResources, tex)
}

func (b *bridgeDevice) ReleaseWrapped(tex WrappedTexture) {
	b.wrapped(vtblD3D11On12ReleaseWrappedResources, tex)
}

func (b *bridgeDevice) wrapped(idx int, tex WrappedTexture) {
	if b.on12 == 0 || tex == nil || tex.Pointer() == 0 {
		return
	}
	res := [1]uintptr{tex.Pointer()}
	comInvoke(b.on12, idx, uintptr(unsafe.Pointer(&res[0])), 1)
}

func (b *bridgeDevice) Close() error {
	b.Flush()
	comRelease(b.on12)
	b.on12 = 0
	return b.D3D11DeviceRef.Close()
}

// d3d12ProbeDevice owns the D3D12 device, queue and bridge used when no
// D3D11 device can be created.
type d3d12ProbeDevice struct {
	dev    *D3D12DeviceRef
	queue  CommandQueue
	bridge BridgeDevice
}

func (p *d3d12ProbeDevice) Handle() uintptr  { return p.bridge.Pointer() }
func (p *d3d12ProbeDevice) Type() DeviceType { return DeviceTypeDirectX }

func (p *d3d12ProbeDevice) Close() error {
	err := errors.Join(p.bridge.Close(), p.queue.Close())
	return errors.Join(err, p.dev.Close())
}

// newProbeDevice creates a throwaway DirectX device: a hardware D3D11
// device when possible, otherwise a D3D11-on-12 bridge.
func newProbeDevice() (ProbeDevice, error) {
	dev11, err11 := CreateD3D11Device()
	if err11 == nil {
		return dev11, nil
	}
	dev12, err := CreateD3D12Device()
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create a DirectX device for NVENC probing: %v; %v", ErrUnavailable, err11, err)
	}
	queue, err := dev12.CreateCommandQueue()
	if err != nil {
		dev12.Close()
		return nil, err
	}
	bridge, err := dev12.CreateBridge(queue)
	if err != nil {
		queue.Close()
		dev12.Close()
		return nil, err
	}
	return &d3d12ProbeDevice{dev: dev12, queue: queue, bridge: bridge}, nil
}

var (
	_ D3D11Device   = (*D3D11DeviceRef)(nil)
	_ ProbeDevice   = (*D3D11DeviceRef)(nil)
	_ D3D11Texture  = (*D3D11TextureRef)(nil)
	_ D3D12Resource = (*D3D12ResourceRef)(nil)
	_ D3D12Device   = (*D3D12DeviceRef)(nil)
	_ BridgeDevice  = (*bridgeDevice)(nil)
)
