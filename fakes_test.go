package nvenc

import (
	"sync"
)

// fakeRuntime is an in-memory NVENC function table. Zero values mean
// success; counters record how often each entry point ran.
type fakeRuntime struct {
	mu sync.Mutex

	maxVersion   uint32
	createStatus Status
	openStatus   Status

	// presetStatus overrides GetEncodePresetConfig per preset GUID.
	presetStatus    map[GUID]Status
	presetExStatus  Status
	noPresetEx      bool
	enumerated      []GUID
	initStatus      Status
	reconfigStatus  Status
	createBufStatus Status
	registerStatus  Status
	unregStatus     Status
	mapStatus       Status
	encodeStatus    Status
	lockStatus      Status
	seqParams       []byte
	seqStatus       Status
	seqSizes        []uint32 // reported sizes, consumed per call
	lastErrorString string
	caps            map[CapsParam]int32

	lockData    []byte
	lockPicType PictureType
	lockTS      uint64

	next     uintptr
	calls    map[string]int
	init     *InitializeParams
	reconfig *ReconfigureParams
	pics     []PicParams
	regs     []RegisterResourceParams
	mapped   map[MappedInput]RegisteredResource
	unmapped []MappedInput
	unregs   []RegisteredResource
	presets  []GUID
	devices  []uintptr
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		next:   0x1000,
		calls:  make(map[string]int),
		mapped: make(map[MappedInput]RegisteredResource),
	}
}

func (f *fakeRuntime) handle() uintptr {
	f.next += 0x10
	return f.next
}

func (f *fakeRuntime) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRuntime) hit(name string) {
	f.calls[name]++
}

func (f *fakeRuntime) api() *API {
	api := &API{
		OpenEncodeSessionEx: func(device uintptr, deviceType DeviceType) (EncoderHandle, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("open")
			f.devices = append(f.devices, device)
			if !f.openStatus.OK() {
				return 0, f.openStatus
			}
			return EncoderHandle(f.handle()), StatusSuccess
		},
		GetEncodePresetConfig: func(enc EncoderHandle, codec, preset GUID) (*EncodeConfig, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("preset")
			f.presets = append(f.presets, preset)
			if st, ok := f.presetStatus[preset]; ok && !st.OK() {
				return nil, st
			}
			return &EncodeConfig{GOPLength: 30, Level: 0}, StatusSuccess
		},
		GetEncodeCaps: func(enc EncoderHandle, codec GUID, param CapsParam) (int32, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("caps")
			v, ok := f.caps[param]
			if !ok {
				return 0, StatusUnsupportedParam
			}
			return v, StatusSuccess
		},
		InitializeEncoder: func(enc EncoderHandle, params *InitializeParams) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("init")
			cp := *params
			f.init = &cp
			return f.initStatus
		},
		ReconfigureEncoder: func(enc EncoderHandle, params *ReconfigureParams) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("reconfigure")
			cp := *params
			f.reconfig = &cp
			return f.reconfigStatus
		},
		CreateBitstreamBuffer: func(enc EncoderHandle, size uint32) (OutputBuffer, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("createBuffer")
			if !f.createBufStatus.OK() {
				return 0, f.createBufStatus
			}
			return OutputBuffer(f.handle()), StatusSuccess
		},
		DestroyBitstreamBuffer: func(enc EncoderHandle, buf OutputBuffer) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("destroyBuffer")
			return StatusSuccess
		},
		LockBitstream: func(enc EncoderHandle, params *LockParams) (LockedBitstream, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("lock")
			if !f.lockStatus.OK() {
				return LockedBitstream{}, f.lockStatus
			}
			return LockedBitstream{Data: f.lockData, PictureType: f.lockPicType, OutputTimeStamp: f.lockTS}, StatusSuccess
		},
		UnlockBitstream: func(enc EncoderHandle, buf OutputBuffer) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("unlock")
			return StatusSuccess
		},
		RegisterResource: func(enc EncoderHandle, params *RegisterResourceParams) (RegisteredResource, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("register")
			f.regs = append(f.regs, *params)
			if !f.registerStatus.OK() {
				return 0, f.registerStatus
			}
			return RegisteredResource(f.handle()), StatusSuccess
		},
		UnregisterResource: func(enc EncoderHandle, res RegisteredResource) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("unregister")
			f.unregs = append(f.unregs, res)
			return f.unregStatus
		},
		MapInputResource: func(enc EncoderHandle, res RegisteredResource) (MappedInput, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("map")
			if !f.mapStatus.OK() {
				return 0, f.mapStatus
			}
			m := MappedInput(f.handle())
			f.mapped[m] = res
			return m, StatusSuccess
		},
		UnmapInputResource: func(enc EncoderHandle, mapped MappedInput) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("unmap")
			f.unmapped = append(f.unmapped, mapped)
			delete(f.mapped, mapped)
			return StatusSuccess
		},
		EncodePicture: func(enc EncoderHandle, params *PicParams) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("encode")
			f.pics = append(f.pics, *params)
			return f.encodeStatus
		},
		GetSequenceParams: func(enc EncoderHandle, buf []byte) (uint32, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("sequence")
			if !f.seqStatus.OK() {
				return 0, f.seqStatus
			}
			n := copy(buf, f.seqParams)
			if len(f.seqSizes) > 0 {
				size := f.seqSizes[0]
				f.seqSizes = f.seqSizes[1:]
				return size, StatusSuccess
			}
			if len(f.seqParams) > len(buf) {
				return uint32(len(f.seqParams)), StatusSuccess
			}
			return uint32(n), StatusSuccess
		},
		FlushEncoderQueue: func(enc EncoderHandle) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("flush")
			return StatusNeedMoreInput
		},
		DestroyEncoder: func(enc EncoderHandle) Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("destroy")
			return StatusSuccess
		},
		GetLastErrorString: func(enc EncoderHandle) string {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.lastErrorString
		},
	}
	if !f.noPresetEx {
		api.GetEncodePresetConfigEx = func(enc EncoderHandle, codec, preset GUID, tuning TuningInfo) (*EncodeConfig, Status) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hit("presetEx")
			if !f.presetExStatus.OK() {
				return nil, f.presetExStatus
			}
			return &EncodeConfig{GOPLength: 30}, StatusSuccess
		}
	}
	if len(f.enumerated) > 0 {
		api.GetEncodePresetCount = func(enc EncoderHandle, codec GUID) (uint32, Status) {
			return uint32(len(f.enumerated)), StatusSuccess
		}
		api.GetEncodePresetGUIDs = func(enc EncoderHandle, codec GUID, out []GUID) (uint32, Status) {
			return uint32(copy(out, f.enumerated)), StatusSuccess
		}
	}
	return api
}

func (f *fakeRuntime) library() *Library {
	create := func(v APIVersion) (*API, Status) {
		f.mu.Lock()
		f.hit("create")
		st := f.createStatus
		f.mu.Unlock()
		if !st.OK() {
			return nil, st
		}
		api := f.api()
		api.Version = v
		return api, StatusSuccess
	}
	var maxVersion func() (uint32, Status)
	if f.maxVersion != 0 {
		maxVersion = func() (uint32, Status) { return f.maxVersion, StatusSuccess }
	}
	return NewLibrary("fake-nvenc", create, maxVersion, nil)
}

func (f *fakeRuntime) loader() *Loader {
	return NewLoader(
		WithOverridePath("fake-nvenc"),
		WithOpenFunc(func(string) (*Library, error) {
			f.mu.Lock()
			f.hit("load")
			f.mu.Unlock()
			return f.library(), nil
		}),
	)
}

// openSession returns an open and initialised session on the fake runtime.
func (f *fakeRuntime) openSession(p Parameters) *Session {
	s := NewSession(WithSessionLoader(f.loader()))
	if err := s.Open(p.Codec, 0xD3D, DeviceTypeDirectX); err != nil {
		panic(err)
	}
	if err := s.Initialize(p); err != nil {
		panic(err)
	}
	return s
}

func testParameters() Parameters {
	p := DefaultParameters()
	p.Width = 1280
	p.Height = 720
	p.Framerate = 60
	p.TargetBitrate = 8_000_000
	p.MaxBitrate = 12_000_000
	p.GOPLength = 60
	return p
}

type fakeD3D11Device struct {
	ptr      uintptr
	retained int
	released int
}

func (d *fakeD3D11Device) Pointer() uintptr { return d.ptr }
func (d *fakeD3D11Device) Retain()          { d.retained++ }
func (d *fakeD3D11Device) Release()         { d.released++ }

type fakeTexture struct {
	ptr    uintptr
	desc   TextureDesc
	closed bool
}

func (t *fakeTexture) Pointer() uintptr  { return t.ptr }
func (t *fakeTexture) Desc() TextureDesc { return t.desc }
func (t *fakeTexture) Close() error      { t.closed = true; return nil }

type fakeResource struct {
	ptr uintptr
	dim ResourceDimension
}

func (r *fakeResource) Pointer() uintptr             { return r.ptr }
func (r *fakeResource) Dimension() ResourceDimension { return r.dim }
func (r *fakeResource) Desc() TextureDesc {
	return TextureDesc{Width: 1280, Height: 720, MipLevels: 1, ArraySize: 1}
}

type fakeQueue struct{ closed int }

func (q *fakeQueue) Pointer() uintptr { return 0xC0 }
func (q *fakeQueue) Close() error     { q.closed++; return nil }

type fakeFence struct {
	completed uint64
	waits     []uint64
	closed    int
}

func (f *fakeFence) Pointer() uintptr       { return 0xFE }
func (f *fakeFence) CompletedValue() uint64 { return f.completed }
func (f *fakeFence) Wait(v uint64) error {
	f.waits = append(f.waits, v)
	f.completed = v
	return nil
}
func (f *fakeFence) Close() error { f.closed++; return nil }

type fakeBridge struct {
	fakeD3D11Device
	wrapErr  error
	wrapped  []*fakeTexture
	acquired int
	releases int
	flushes  int
	closed   int
}

func (b *fakeBridge) Wrap(res D3D12Resource) (WrappedTexture, error) {
	if b.wrapErr != nil {
		return nil, b.wrapErr
	}
	t := &fakeTexture{ptr: res.Pointer() + 1, desc: res.Desc()}
	b.wrapped = append(b.wrapped, t)
	return t, nil
}
func (b *fakeBridge) Acquire(WrappedTexture)        { b.acquired++ }
func (b *fakeBridge) ReleaseWrapped(WrappedTexture) { b.releases++ }
func (b *fakeBridge) Flush()                        { b.flushes++ }
func (b *fakeBridge) Close() error                  { b.closed++; return nil }

type fakeD3D12Device struct {
	ptr       uintptr
	queueErr  error
	fenceErr  error
	bridgeErr error
	queue     *fakeQueue
	fence     *fakeFence
	bridge    *fakeBridge
}

func newFakeD3D12Device() *fakeD3D12Device {
	return &fakeD3D12Device{ptr: 0xD12}
}

func (d *fakeD3D12Device) Pointer() uintptr { return d.ptr }

func (d *fakeD3D12Device) CreateCommandQueue() (CommandQueue, error) {
	if d.queueErr != nil {
		return nil, d.queueErr
	}
	d.queue = &fakeQueue{}
	return d.queue, nil
}

func (d *fakeD3D12Device) CreateFence() (Fence, error) {
	if d.fenceErr != nil {
		return nil, d.fenceErr
	}
	d.fence = &fakeFence{}
	return d.fence, nil
}

func (d *fakeD3D12Device) CreateBridge(CommandQueue) (BridgeDevice, error) {
	if d.bridgeErr != nil {
		return nil, d.bridgeErr
	}
	d.bridge = &fakeBridge{fakeD3D11Device: fakeD3D11Device{ptr: 0xB11}}
	return d.bridge, nil
}

type fakeProbeDevice struct {
	closed int
}

func (d *fakeProbeDevice) Handle() uintptr  { return 0xDE1 }
func (d *fakeProbeDevice) Type() DeviceType { return DeviceTypeDirectX }
func (d *fakeProbeDevice) Close() error     { d.closed++; return nil }
