package nvenc

import (
	"go.uber.org/zap"
)

type d3d11Registration struct {
	handle RegisteredResource
	desc   TextureDesc
}

// D3D11Input registers D3D11 textures with a session and maps them as
// encoder input.
type D3D11Input struct {
	logger      *zap.Logger
	device      D3D11Device
	session     *Session
	apiVersion  APIVersion
	initialised bool

	registered map[uintptr]d3d11Registration
	mappings   map[MappedInput]uintptr
}

// NewD3D11Input creates an uninitialised input.
func NewD3D11Input(logger *zap.Logger) *D3D11Input {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &D3D11Input{
		logger:     logger.Named("d3d11"),
		apiVersion: BuildAPIVersion,
		registered: make(map[uintptr]d3d11Registration),
		mappings:   make(map[MappedInput]uintptr),
	}
}

// Initialise binds the input to device and session. It holds a reference
// on device until Shutdown. Repeated calls are no-ops.
func (in *D3D11Input) Initialise(device D3D11Device, session *Session) error {
	if in.initialised {
		return nil
	}
	if device == nil || device.Pointer() == 0 {
		in.logger.Error("Cannot initialise NVENC D3D11 input without a valid device.")
		return stateError("cannot initialise NVENC D3D11 input without a valid device")
	}
	if session == nil {
		return stateError("cannot initialise NVENC D3D11 input without a session")
	}
	device.Retain()
	in.device = device
	in.session = session
	in.apiVersion = session.APIVersion()
	in.initialised = true
	return nil
}

// IsInitialised reports whether Initialise has succeeded.
func (in *D3D11Input) IsInitialised() bool { return in.initialised }

// RegisteredCount returns the number of registered textures.
func (in *D3D11Input) RegisteredCount() int { return len(in.registered) }

// MappedCount returns the number of outstanding mappings.
func (in *D3D11Input) MappedCount() int { return len(in.mappings) }

// RegisterResource registers tex with the encoder. Registering a texture
// twice is a no-op.
func (in *D3D11Input) RegisterResource(tex D3D11Texture) error {
	if !in.initialised || in.session == nil || !in.session.IsInitialized() {
		return stateError("D3D11 input is not bound to an initialised session")
	}
	if tex == nil || tex.Pointer() == 0 {
		return stateError("texture is nil")
	}
	key := tex.Pointer()
	if _, ok := in.registered[key]; ok {
		return nil
	}
	api := in.session.Functions()
	if api == nil || api.RegisterResource == nil {
		in.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncRegisterResource"))
		return missingExport("NvEncRegisterResource")
	}

	desc := tex.Desc()
	params := RegisterResourceParams{
		Version:      PatchStructVersion(verRegisterResource, in.apiVersion.Encode()),
		ResourceType: ResourceTypeDirectX,
		Width:        desc.Width,
		Height:       desc.Height,
		Resource:     key,
		BufferFormat: in.session.BufferFormat(),
		Usage:        bufferUsageInput,
	}
	handle, st := api.RegisterResource(in.session.Handle(), &params)
	if !st.OK() {
		in.logger.Error("NvEncRegisterResource failed.", zap.Stringer("status", st))
		return statusErrorf("NvEncRegisterResource", st, "NvEncRegisterResource failed: %s", st)
	}
	in.registered[key] = d3d11Registration{handle: handle, desc: desc}
	return nil
}

// UnregisterResource unmaps any active mappings of tex and releases its
// registration.
func (in *D3D11Input) UnregisterResource(tex D3D11Texture) {
	if !in.initialised || in.session == nil || tex == nil {
		return
	}
	in.unregister(tex.Pointer())
}

func (in *D3D11Input) unregister(key uintptr) {
	reg, ok := in.registered[key]
	if !ok {
		return
	}
	delete(in.registered, key)
	for mapped, owner := range in.mappings {
		if owner == key {
			in.UnmapResource(mapped)
		}
	}
	api := in.session.Functions()
	if api == nil || api.UnregisterResource == nil || reg.handle == 0 {
		return
	}
	if st := api.UnregisterResource(in.session.Handle(), reg.handle); !st.OK() {
		in.logger.Warn("NvEncUnregisterResource returned "+st.String(), zap.Stringer("status", st))
	}
}

// MapResource maps tex for one encode, registering it first if needed.
func (in *D3D11Input) MapResource(tex D3D11Texture) (MappedInput, error) {
	if !in.initialised || in.session == nil {
		return 0, stateError("D3D11 input is not initialised")
	}
	if tex == nil || tex.Pointer() == 0 {
		return 0, stateError("texture is nil")
	}
	key := tex.Pointer()
	reg, ok := in.registered[key]
	if !ok {
		if err := in.RegisterResource(tex); err != nil {
			return 0, err
		}
		reg = in.registered[key]
	}
	api := in.session.Functions()
	if api == nil || api.MapInputResource == nil {
		in.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncMapInputResource"))
		return 0, missingExport("NvEncMapInputResource")
	}
	mapped, st := api.MapInputResource(in.session.Handle(), reg.handle)
	if !st.OK() {
		in.logger.Error("NvEncMapInputResource failed.", zap.Stringer("status", st))
		return 0, statusErrorf("NvEncMapInputResource", st, "NvEncMapInputResource failed: %s", st)
	}
	in.mappings[mapped] = key
	return mapped, nil
}

// UnmapResource releases a mapping. Unknown handles, including those
// already released by UnregisterResource, are ignored.
func (in *D3D11Input) UnmapResource(mapped MappedInput) {
	if !in.initialised || in.session == nil || mapped == 0 {
		return
	}
	if _, ok := in.mappings[mapped]; !ok {
		return
	}
	delete(in.mappings, mapped)
	api := in.session.Functions()
	if api == nil || api.UnmapInputResource == nil {
		return
	}
	if st := api.UnmapInputResource(in.session.Handle(), mapped); !st.OK() {
		in.logger.Warn("NvEncUnmapInputResource returned "+st.String(), zap.Stringer("status", st))
	}
}

// Shutdown releases every mapping and registration and drops the device
// reference. Safe to call repeatedly.
func (in *D3D11Input) Shutdown() {
	if !in.initialised {
		return
	}
	for mapped := range in.mappings {
		in.UnmapResource(mapped)
	}
	for key := range in.registered {
		in.unregister(key)
	}
	clear(in.mappings)
	clear(in.registered)
	if in.device != nil {
		in.device.Release()
		in.device = nil
	}
	in.session = nil
	in.apiVersion = BuildAPIVersion
	in.initialised = false
}
