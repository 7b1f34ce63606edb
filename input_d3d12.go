package nvenc

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// InteropMode selects how D3D12 resources reach the encoder.
type InteropMode int

const (
	// InteropBridge wraps resources through a D3D11-on-12 device.
	InteropBridge InteropMode = iota
	// InteropNative registers resources directly and fences each submit.
	InteropNative
)

func (m InteropMode) String() string {
	if m == InteropNative {
		return "native"
	}
	return "bridge"
}

func (m InteropMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *InteropMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "bridge", "d3d11on12", "":
		*m = InteropBridge
	case "native":
		*m = InteropNative
	default:
		return fmt.Errorf("unknown D3D12 interop mode %q", text)
	}
	return nil
}

// FencePoint is the Go view of NV_ENC_FENCE_POINT_D3D12.
type FencePoint struct {
	Version     uint32
	Fence       uintptr
	WaitValue   uint64
	SignalValue uint64
	Wait        bool
	Signal      bool
}

// InputResourceD3D12 is the Go view of NV_ENC_INPUT_RESOURCE_D3D12, passed
// as the picture input buffer in native mode.
type InputResourceD3D12 struct {
	Version     uint32
	InputBuffer MappedInput
	FencePoint  FencePoint
}

type wrappedResource struct {
	texture WrappedTexture
}

type nativeResource struct {
	handle        RegisteredResource
	desc          TextureDesc
	lastSubmitted uint64
}

type nativeMapping struct {
	resource      uintptr
	pendingSignal uint64
}

// D3D12Input maps D3D12 resources into encoder input, either through a
// D3D11-on-12 bridge or natively with fence synchronisation.
type D3D12Input struct {
	logger      *zap.Logger
	mode        InteropMode
	initialised bool
	bound       bool
	session     *Session
	apiVersion  APIVersion

	device D3D12Device
	queue  CommandQueue

	// bridge mode
	bridgeDevice   BridgeDevice
	bridge         *D3D11Input
	wrapped        map[uintptr]wrappedResource
	bridgeMappings map[MappedInput]WrappedTexture

	// native mode
	fence          Fence
	nextFenceValue uint64
	native         map[uintptr]*nativeResource
	nativeMappings map[MappedInput]*nativeMapping
}

// NewD3D12Input creates an uninitialised input.
func NewD3D12Input(logger *zap.Logger) *D3D12Input {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &D3D12Input{logger: logger.Named("d3d12")}
	in.reset()
	return in
}

func (in *D3D12Input) reset() {
	in.mode = InteropBridge
	in.initialised = false
	in.bound = false
	in.session = nil
	in.apiVersion = BuildAPIVersion
	in.device = nil
	in.queue = nil
	in.bridgeDevice = nil
	in.bridge = nil
	in.wrapped = make(map[uintptr]wrappedResource)
	in.bridgeMappings = make(map[MappedInput]WrappedTexture)
	in.fence = nil
	in.nextFenceValue = 1
	in.native = make(map[uintptr]*nativeResource)
	in.nativeMappings = make(map[MappedInput]*nativeMapping)
}

// Mode returns the active interop mode.
func (in *D3D12Input) Mode() InteropMode { return in.mode }

// IsInitialised reports whether Initialise has succeeded.
func (in *D3D12Input) IsInitialised() bool { return in.initialised }

// IsSessionBound reports whether BindSession has succeeded since the last
// Initialise.
func (in *D3D12Input) IsSessionBound() bool { return in.bound }

// BridgeDevice returns the D3D11-on-12 device in bridge mode, nil otherwise.
func (in *D3D12Input) BridgeDevice() BridgeDevice { return in.bridgeDevice }

// Initialise prepares the input on device in mode. Re-initialising in the
// same mode is a no-op; a different mode shuts the input down first.
func (in *D3D12Input) Initialise(device D3D12Device, mode InteropMode) error {
	if in.initialised && in.mode == mode {
		return nil
	}
	in.Shutdown()
	if device == nil || device.Pointer() == 0 {
		in.logger.Error("Cannot initialise NVENC D3D12 interop without a valid device.")
		return stateError("cannot initialise NVENC D3D12 interop without a valid device")
	}
	in.device = device

	queue, err := device.CreateCommandQueue()
	if err != nil {
		in.logger.Error("Failed to create D3D12 command queue for NVENC interop.", zap.Error(err))
		in.reset()
		return wrapError(ErrUnavailable, err, "failed to create D3D12 command queue for NVENC interop: %v", err)
	}
	in.queue = queue
	in.mode = mode

	if mode == InteropBridge {
		err = in.initialiseBridge()
	} else {
		err = in.initialiseNative()
	}
	if err != nil {
		in.initialised = true
		in.Shutdown()
		return err
	}
	in.initialised = true
	in.logger.Debug("D3D12 interop initialised.", zap.Stringer("mode", mode))
	return nil
}

func (in *D3D12Input) initialiseBridge() error {
	dev, err := in.device.CreateBridge(in.queue)
	if err != nil {
		in.logger.Error("D3D11On12CreateDevice failed.", zap.Error(err))
		return wrapError(ErrUnavailable, err, "D3D11On12CreateDevice failed: %v", err)
	}
	in.bridgeDevice = dev
	return nil
}

func (in *D3D12Input) initialiseNative() error {
	fence, err := in.device.CreateFence()
	if err != nil {
		in.logger.Error("Failed to create D3D12 fence for NVENC interop.", zap.Error(err))
		return wrapError(ErrUnavailable, err, "failed to create D3D12 fence for NVENC interop: %v", err)
	}
	in.fence = fence
	in.nextFenceValue = 1
	return nil
}

// BindSession attaches an initialised session. In bridge mode this also
// initialises the internal D3D11 input on the bridge device.
func (in *D3D12Input) BindSession(session *Session) error {
	if !in.initialised {
		in.logger.Error("Cannot bind NVENC session: D3D12 interop is not initialised.")
		return stateError("D3D12 interop is not initialised")
	}
	if session == nil || !session.IsInitialized() {
		return stateError("session is not initialised")
	}
	if in.bound && in.session == session {
		return nil
	}
	in.session = session
	in.apiVersion = session.APIVersion()
	if in.mode == InteropBridge {
		if in.bridge == nil {
			in.bridge = NewD3D11Input(in.logger)
		}
		if err := in.bridge.Initialise(in.bridgeDevice, session); err != nil {
			in.logger.Error("Failed to initialise NVENC D3D11 bridge for D3D12 input.", zap.Error(err))
			return err
		}
	}
	in.bound = true
	return nil
}

func (in *D3D12Input) valid() bool {
	return in.initialised && in.bound && in.session != nil
}

// RegisterResource registers res with the encoder. Repeated calls are no-ops.
func (in *D3D12Input) RegisterResource(res D3D12Resource) error {
	if !in.valid() {
		return stateError("D3D12 input is not bound to a session")
	}
	if res == nil || res.Pointer() == 0 {
		return stateError("resource is nil")
	}
	if in.mode == InteropBridge {
		_, err := in.ensureWrapped(res)
		return err
	}
	_, err := in.ensureNative(res)
	return err
}

func (in *D3D12Input) ensureWrapped(res D3D12Resource) (WrappedTexture, error) {
	key := res.Pointer()
	if w, ok := in.wrapped[key]; ok {
		return w.texture, nil
	}
	if in.bridgeDevice == nil || in.bridge == nil {
		return nil, stateError("D3D11-on-12 bridge is not available")
	}
	tex, err := in.bridgeDevice.Wrap(res)
	if err != nil {
		in.logger.Error("CreateWrappedResource failed.", zap.Uintptr("resource", key), zap.Error(err))
		return nil, wrapError(ErrUnavailable, err, "CreateWrappedResource failed: %v", err)
	}
	if err := in.bridge.RegisterResource(tex); err != nil {
		in.logger.Error("Failed to register wrapped D3D12 texture with NVENC.", zap.Error(err))
		in.bridgeDevice.ReleaseWrapped(tex)
		if cerr := tex.Close(); cerr != nil {
			in.logger.Warn("Failed to release wrapped texture.", zap.Error(cerr))
		}
		return nil, err
	}
	in.wrapped[key] = wrappedResource{texture: tex}
	return tex, nil
}

func (in *D3D12Input) ensureNative(res D3D12Resource) (*nativeResource, error) {
	if !in.session.IsInitialized() {
		return nil, stateError("session is not initialised")
	}
	key := res.Pointer()
	if r, ok := in.native[key]; ok {
		return r, nil
	}
	if res.Dimension() != ResourceDimensionTexture2D {
		in.logger.Error("Unsupported D3D12 resource dimension for NVENC registration.", zap.Uint32("dimension", uint32(res.Dimension())))
		return nil, newError(ErrUnavailable, "unsupported D3D12 resource dimension %d for NVENC registration", res.Dimension())
	}
	api := in.session.Functions()
	if api == nil || api.RegisterResource == nil {
		in.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncRegisterResource"))
		return nil, missingExport("NvEncRegisterResource")
	}
	desc := res.Desc()
	params := RegisterResourceParams{
		Version:      PatchStructVersion(verRegisterResource, in.apiVersion.Encode()),
		ResourceType: ResourceTypeDirectX12,
		Width:        desc.Width,
		Height:       desc.Height,
		Resource:     key,
		BufferFormat: in.session.BufferFormat(),
		Usage:        bufferUsageInput,
	}
	handle, st := api.RegisterResource(in.session.Handle(), &params)
	if !st.OK() {
		in.logger.Error("NvEncRegisterResource failed.", zap.Stringer("status", st))
		return nil, statusErrorf("NvEncRegisterResource", st, "NvEncRegisterResource failed: %s", st)
	}
	r := &nativeResource{handle: handle, desc: desc}
	in.native[key] = r
	return r, nil
}

// UnregisterResource releases res and any mappings of it.
func (in *D3D12Input) UnregisterResource(res D3D12Resource) {
	if !in.valid() || res == nil {
		return
	}
	key := res.Pointer()
	if in.mode == InteropBridge {
		w, ok := in.wrapped[key]
		if !ok {
			return
		}
		delete(in.wrapped, key)
		for mapped, tex := range in.bridgeMappings {
			if tex == w.texture {
				delete(in.bridgeMappings, mapped)
			}
		}
		in.releaseWrapped(w)
		return
	}

	r, ok := in.native[key]
	if !ok {
		return
	}
	delete(in.native, key)
	for mapped, m := range in.nativeMappings {
		if m.resource == key {
			in.releaseNativeMapping(mapped)
		}
	}
	api := in.session.Functions()
	if api == nil || api.UnregisterResource == nil || r.handle == 0 {
		return
	}
	if st := api.UnregisterResource(in.session.Handle(), r.handle); !st.OK() {
		in.logger.Warn("NvEncUnregisterResource returned "+st.String(), zap.Stringer("status", st))
	}
}

func (in *D3D12Input) releaseWrapped(w wrappedResource) {
	if in.bridge != nil {
		in.bridge.UnregisterResource(w.texture)
	}
	if in.bridgeDevice != nil {
		in.bridgeDevice.ReleaseWrapped(w.texture)
	}
	if err := w.texture.Close(); err != nil {
		in.logger.Warn("Failed to release wrapped texture.", zap.Error(err))
	}
}

// MapResource maps res for one encode. In native mode it first waits for
// the encoder to finish with the previous submission of res.
func (in *D3D12Input) MapResource(res D3D12Resource) (MappedInput, error) {
	if !in.valid() || !in.session.IsInitialized() {
		return 0, stateError("D3D12 input is not bound to an initialised session")
	}
	if res == nil || res.Pointer() == 0 {
		return 0, stateError("resource is nil")
	}
	if in.mode == InteropBridge {
		return in.mapBridge(res)
	}
	return in.mapNative(res)
}

func (in *D3D12Input) mapBridge(res D3D12Resource) (MappedInput, error) {
	tex, err := in.ensureWrapped(res)
	if err != nil {
		return 0, err
	}
	in.bridgeDevice.Acquire(tex)
	mapped, err := in.bridge.MapResource(tex)
	if err != nil {
		in.bridgeDevice.ReleaseWrapped(tex)
		return 0, err
	}
	in.bridgeMappings[mapped] = tex
	return mapped, nil
}

func (in *D3D12Input) mapNative(res D3D12Resource) (MappedInput, error) {
	r, err := in.ensureNative(res)
	if err != nil {
		return 0, err
	}
	if in.fence != nil && r.lastSubmitted > 0 && in.fence.CompletedValue() < r.lastSubmitted {
		if err := in.fence.Wait(r.lastSubmitted); err != nil {
			in.logger.Warn("Waiting on NVENC input fence failed.", zap.Uint64("value", r.lastSubmitted), zap.Error(err))
		}
	}
	api := in.session.Functions()
	if api == nil || api.MapInputResource == nil {
		in.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncMapInputResource"))
		return 0, missingExport("NvEncMapInputResource")
	}
	mapped, st := api.MapInputResource(in.session.Handle(), r.handle)
	if !st.OK() {
		in.logger.Error("NvEncMapInputResource failed.", zap.Stringer("status", st))
		return 0, statusErrorf("NvEncMapInputResource", st, "NvEncMapInputResource failed: %s", st)
	}
	in.nativeMappings[mapped] = &nativeMapping{resource: res.Pointer()}
	return mapped, nil
}

// UnmapResource releases a mapping. Unknown handles are ignored.
func (in *D3D12Input) UnmapResource(mapped MappedInput) {
	if mapped == 0 {
		return
	}
	if in.mode == InteropBridge {
		in.releaseBridgeMapping(mapped)
		return
	}
	in.releaseNativeMapping(mapped)
}

func (in *D3D12Input) releaseBridgeMapping(mapped MappedInput) {
	tex, ok := in.bridgeMappings[mapped]
	if !ok || in.bridge == nil {
		return
	}
	delete(in.bridgeMappings, mapped)
	in.bridge.UnmapResource(mapped)
	if in.bridgeDevice != nil {
		in.bridgeDevice.ReleaseWrapped(tex)
		in.bridgeDevice.Flush()
	}
}

func (in *D3D12Input) releaseNativeMapping(mapped MappedInput) {
	if _, ok := in.nativeMappings[mapped]; !ok {
		return
	}
	delete(in.nativeMappings, mapped)
	if in.session == nil {
		return
	}
	api := in.session.Functions()
	if api == nil || api.UnmapInputResource == nil {
		return
	}
	if st := api.UnmapInputResource(in.session.Handle(), mapped); !st.OK() {
		in.logger.Warn("NvEncUnmapInputResource returned "+st.String(), zap.Stringer("status", st))
	}
}

// BuildInputDescriptor returns the input descriptor for a native mapping.
// With a fence, each call schedules a new signal value the encoder sets
// when it is done reading the resource.
func (in *D3D12Input) BuildInputDescriptor(mapped MappedInput) (InputResourceD3D12, error) {
	if in.mode != InteropNative {
		return InputResourceD3D12{}, stateError("input descriptors are only built in native interop mode")
	}
	m, ok := in.nativeMappings[mapped]
	if !ok {
		return InputResourceD3D12{}, stateError("unknown mapped input")
	}
	r, ok := in.native[m.resource]
	if !ok {
		return InputResourceD3D12{}, stateError("mapped input has no registered resource")
	}
	desc := InputResourceD3D12{
		Version:     PatchStructVersion(verInputResourceD3D12, in.apiVersion.Encode()),
		InputBuffer: mapped,
		FencePoint:  FencePoint{Version: PatchStructVersion(verFencePointD3D12, in.apiVersion.Encode())},
	}
	if in.fence == nil {
		m.pendingSignal = 0
		r.lastSubmitted = 0
		return desc, nil
	}
	in.nextFenceValue++
	signal := in.nextFenceValue
	desc.FencePoint.Fence = in.fence.Pointer()
	desc.FencePoint.SignalValue = signal
	desc.FencePoint.Signal = true
	m.pendingSignal = signal
	r.lastSubmitted = signal
	return desc, nil
}

// LastSubmitted returns the last fence value scheduled for res.
func (in *D3D12Input) LastSubmitted(res D3D12Resource) uint64 {
	if r, ok := in.native[res.Pointer()]; ok {
		return r.lastSubmitted
	}
	return 0
}

// Shutdown releases mappings, registrations and owned device objects.
// Safe to call repeatedly.
func (in *D3D12Input) Shutdown() {
	if !in.initialised {
		return
	}
	for mapped := range in.bridgeMappings {
		in.releaseBridgeMapping(mapped)
	}
	for mapped := range in.nativeMappings {
		in.releaseNativeMapping(mapped)
	}
	in.resetBridge()
	in.resetNative()
	if in.queue != nil {
		if err := in.queue.Close(); err != nil {
			in.logger.Warn("Failed to release D3D12 command queue.", zap.Error(err))
		}
	}
	in.reset()
}

func (in *D3D12Input) resetBridge() {
	for _, w := range in.wrapped {
		in.releaseWrapped(w)
	}
	clear(in.wrapped)
	if in.bridge != nil {
		in.bridge.Shutdown()
		in.bridge = nil
	}
	if in.bridgeDevice != nil {
		in.bridgeDevice.Flush()
		if err := in.bridgeDevice.Close(); err != nil {
			in.logger.Warn("Failed to release D3D11-on-12 device.", zap.Error(err))
		}
		in.bridgeDevice = nil
	}
}

func (in *D3D12Input) resetNative() {
	if in.session != nil && in.session.IsOpen() {
		if api := in.session.Functions(); api != nil && api.UnregisterResource != nil {
			for _, r := range in.native {
				if r.handle == 0 {
					continue
				}
				if st := api.UnregisterResource(in.session.Handle(), r.handle); !st.OK() {
					in.logger.Warn("NvEncUnregisterResource returned "+st.String(), zap.Stringer("status", st))
				}
			}
		}
	}
	clear(in.native)
	if in.fence != nil {
		if err := in.fence.Close(); err != nil {
			in.logger.Warn("Failed to release D3D12 fence.", zap.Error(err))
		}
		in.fence = nil
	}
	in.nextFenceValue = 1
}
