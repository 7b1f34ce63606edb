//go:build linux || windows

package nvenc

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// NV_ENCODE_API_FUNCTION_LIST slot indices.
const (
	fnGetEncodeCaps           = 7
	fnGetEncodePresetCount    = 8
	fnGetEncodePresetGUIDs    = 9
	fnGetEncodePresetConfig   = 10
	fnInitializeEncoder       = 11
	fnCreateBitstreamBuffer   = 14
	fnDestroyBitstreamBuffer  = 15
	fnEncodePicture           = 16
	fnLockBitstream           = 17
	fnUnlockBitstream         = 18
	fnGetSequenceParams       = 22
	fnMapInputResource        = 25
	fnUnmapInputResource      = 26
	fnDestroyEncoder          = 27
	fnOpenEncodeSessionEx     = 29
	fnRegisterResource        = 30
	fnUnregisterResource      = 31
	fnReconfigureEncoder      = 32
	fnGetLastErrorString      = 37
	fnGetEncodePresetConfigEx = 39
)

// functionList is NV_ENCODE_API_FUNCTION_LIST. It must be heap-allocated:
// the runtime fills it in place.
type functionList struct {
	version  uint32
	reserved uint32
	fns      [functionListSlots]uintptr
}

// openRuntimeLibrary opens the NVENC runtime at path and resolves its two
// exported entry points. A missing NvEncodeAPICreateInstance leaves
// Library.CreateInstance nil for the loader to reject.
func openRuntimeLibrary(path string) (*Library, error) {
	h, err := dlOpen(path)
	if err != nil {
		return nil, err
	}
	lib := NewLibrary(path, nil, nil, func() error { return dlClose(h) })
	if fn, err := dlSym(h, "NvEncodeAPICreateInstance"); err == nil && fn != 0 {
		lib.CreateInstance = func(v APIVersion) (*API, Status) { return createInstance(fn, v) }
	}
	if fn, err := dlSym(h, "NvEncodeAPIGetMaxSupportedVersion"); err == nil && fn != 0 {
		lib.GetMaxSupportedVersion = func() (uint32, Status) {
			out := new(uint32)
			st := call(fn, uintptr(unsafe.Pointer(out)))
			return *out, st
		}
	}
	return lib, nil
}

func call(fn uintptr, args ...uintptr) Status {
	r, _, _ := purego.SyscallN(fn, args...)
	return Status(uint32(r))
}

func createInstance(create uintptr, v APIVersion) (*API, Status) {
	fl := new(functionList)
	fl.version = PatchStructVersion(verFunctionList, v.Encode())
	st := call(create, uintptr(unsafe.Pointer(fl)))
	runtime.KeepAlive(fl)
	if !st.OK() {
		return nil, st
	}
	return newBinding(fl.fns, v).api(), StatusSuccess
}

// binding turns raw function pointers into the Go function table.
type binding struct {
	fns     [functionListSlots]uintptr
	version APIVersion
	encoded uint32
}

func newBinding(fns [functionListSlots]uintptr, v APIVersion) *binding {
	return &binding{fns: fns, version: v, encoded: v.Encode()}
}

// ver patches a struct version to the negotiated API unless the caller
// already provided one.
func (b *binding) ver(given, def uint32) uint32 {
	if given != 0 {
		return given
	}
	return PatchStructVersion(def, b.encoded)
}

func (b *binding) api() *API {
	a := &API{Version: b.version}
	has := func(i int) bool { return b.fns[i] != 0 }
	if has(fnOpenEncodeSessionEx) {
		a.OpenEncodeSessionEx = b.openEncodeSessionEx
	}
	if has(fnGetEncodePresetConfig) {
		a.GetEncodePresetConfig = b.getEncodePresetConfig
	}
	if has(fnGetEncodePresetConfigEx) {
		a.GetEncodePresetConfigEx = b.getEncodePresetConfigEx
	}
	if has(fnGetEncodePresetCount) {
		a.GetEncodePresetCount = b.getEncodePresetCount
	}
	if has(fnGetEncodePresetGUIDs) {
		a.GetEncodePresetGUIDs = b.getEncodePresetGUIDs
	}
	if has(fnGetEncodeCaps) {
		a.GetEncodeCaps = b.getEncodeCaps
	}
	if has(fnInitializeEncoder) {
		a.InitializeEncoder = b.initializeEncoder
	}
	if has(fnReconfigureEncoder) {
		a.ReconfigureEncoder = b.reconfigureEncoder
	}
	if has(fnCreateBitstreamBuffer) {
		a.CreateBitstreamBuffer = b.createBitstreamBuffer
	}
	if has(fnDestroyBitstreamBuffer) {
		a.DestroyBitstreamBuffer = b.destroyBitstreamBuffer
	}
	if has(fnLockBitstream) {
		a.LockBitstream = b.lockBitstream
	}
	if has(fnUnlockBitstream) {
		a.UnlockBitstream = b.unlockBitstream
	}
	if has(fnRegisterResource) {
		a.RegisterResource = b.registerResource
	}
	if has(fnUnregisterResource) {
		a.UnregisterResource = b.unregisterResource
	}
	if has(fnMapInputResource) {
		a.MapInputResource = b.mapInputResource
	}
	if has(fnUnmapInputResource) {
		a.UnmapInputResource = b.unmapInputResource
	}
	if has(fnEncodePicture) {
		a.EncodePicture = b.encodePicture
		// The explicit flush entry point went away with API 12; older
		// runtimes drain through an end-of-stream picture.
		if b.version.Major < 12 {
			a.FlushEncoderQueue = b.flush
		}
	}
	if has(fnGetSequenceParams) {
		a.GetSequenceParams = b.getSequenceParams
	}
	if has(fnDestroyEncoder) {
		a.DestroyEncoder = b.destroyEncoder
	}
	if has(fnGetLastErrorString) {
		a.GetLastErrorString = b.getLastErrorString
	}
	return a
}

func (b *binding) openEncodeSessionEx(device uintptr, deviceType DeviceType) (EncoderHandle, Status) {
	p := newBlob(sizeOpenSessionEx)
	p.putU32(0, b.ver(0, verOpenSessionEx))
	p.putU32(4, uint32(deviceType))
	p.putU64(8, uint64(device))
	p.putU32(24, b.encoded)
	enc := new(uintptr)
	st := call(b.fns[fnOpenEncodeSessionEx], p.ptr(), uintptr(unsafe.Pointer(enc)))
	runtime.KeepAlive(p)
	return EncoderHandle(*enc), st
}

// guidCall builds an argument list of the form (enc, GUID..., rest...).
func guidCall(enc EncoderHandle, guids []*GUID, rest ...uintptr) []uintptr {
	args := []uintptr{uintptr(enc)}
	for _, g := range guids {
		args = append(args, guidArgs(g)...)
	}
	return append(args, rest...)
}

func heapGUID(g GUID) *GUID {
	p := new(GUID)
	*p = g
	return p
}

func (b *binding) newPresetImage() blob {
	p := newBlob(sizePresetConfig)
	p.putU32(0, b.ver(0, verPresetConfig))
	p.putU32(offPresetConfig, b.ver(0, verConfig))
	return p
}

func (b *binding) getEncodePresetConfig(enc EncoderHandle, codec, preset GUID) (*EncodeConfig, Status) {
	cg, pg := heapGUID(codec), heapGUID(preset)
	p := b.newPresetImage()
	st := call(b.fns[fnGetEncodePresetConfig], guidCall(enc, []*GUID{cg, pg}, p.ptr())...)
	runtime.KeepAlive(cg)
	runtime.KeepAlive(pg)
	runtime.KeepAlive(p)
	if !st.OK() {
		return nil, st
	}
	return decodeEncodeConfig(p[offPresetConfig:], codec), st
}

func (b *binding) getEncodePresetConfigEx(enc EncoderHandle, codec, preset GUID, tuning TuningInfo) (*EncodeConfig, Status) {
	cg, pg := heapGUID(codec), heapGUID(preset)
	p := b.newPresetImage()
	st := call(b.fns[fnGetEncodePresetConfigEx], guidCall(enc, []*GUID{cg, pg}, uintptr(tuning), p.ptr())...)
	runtime.KeepAlive(cg)
	runtime.KeepAlive(pg)
	runtime.KeepAlive(p)
	if !st.OK() {
		return nil, st
	}
	return decodeEncodeConfig(p[offPresetConfig:], codec), st
}

func (b *binding) getEncodePresetCount(enc EncoderHandle, codec GUID) (uint32, Status) {
	cg := heapGUID(codec)
	count := new(uint32)
	st := call(b.fns[fnGetEncodePresetCount], guidCall(enc, []*GUID{cg}, uintptr(unsafe.Pointer(count)))...)
	runtime.KeepAlive(cg)
	return *count, st
}

func (b *binding) getEncodePresetGUIDs(enc EncoderHandle, codec GUID, out []GUID) (uint32, Status) {
	if len(out) == 0 {
		return 0, StatusSuccess
	}
	cg := heapGUID(codec)
	buf := newBlob(16 * len(out))
	count := new(uint32)
	st := call(b.fns[fnGetEncodePresetGUIDs],
		guidCall(enc, []*GUID{cg}, buf.ptr(), uintptr(len(out)), uintptr(unsafe.Pointer(count)))...)
	runtime.KeepAlive(cg)
	runtime.KeepAlive(buf)
	n := *count
	if n > uint32(len(out)) {
		n = uint32(len(out))
	}
	for i := uint32(0); i < n; i++ {
		out[i] = buf.guid(int(i) * 16)
	}
	return n, st
}

func (b *binding) getEncodeCaps(enc EncoderHandle, codec GUID, param CapsParam) (int32, Status) {
	cg := heapGUID(codec)
	cp := newBlob(sizeCapsParam)
	cp.putU32(0, b.ver(0, verCapsParam))
	cp.putU32(4, uint32(param))
	val := new(int32)
	st := call(b.fns[fnGetEncodeCaps], guidCall(enc, []*GUID{cg}, cp.ptr(), uintptr(unsafe.Pointer(val)))...)
	runtime.KeepAlive(cg)
	runtime.KeepAlive(cp)
	return *val, st
}

func (b *binding) renderConfig(cfg *EncodeConfig, codec GUID) (blob, uintptr) {
	if cfg == nil {
		return nil, 0
	}
	c := cfg.Clone()
	c.Version = b.ver(c.Version, verConfig)
	img := encodeEncodeConfig(c, codec)
	return img, img.ptr()
}

func (b *binding) initializeEncoder(enc EncoderHandle, params *InitializeParams) Status {
	cfg, cfgPtr := b.renderConfig(params.EncodeConfig, params.EncodeGUID)
	p := newBlob(sizeInitializeParams)
	pp := *params
	pp.Version = b.ver(pp.Version, verInitializeParams)
	encodeInitializeParams(p, &pp, cfgPtr)
	st := call(b.fns[fnInitializeEncoder], uintptr(enc), p.ptr())
	runtime.KeepAlive(cfg)
	runtime.KeepAlive(p)
	return st
}

func (b *binding) reconfigureEncoder(enc EncoderHandle, params *ReconfigureParams) Status {
	cfg, cfgPtr := b.renderConfig(params.ReInitParams.EncodeConfig, params.ReInitParams.EncodeGUID)
	p := newBlob(sizeReconfigure)
	rp := *params
	rp.Version = b.ver(rp.Version, verReconfigureParams)
	rp.ReInitParams.Version = b.ver(rp.ReInitParams.Version, verInitializeParams)
	encodeReconfigureParams(p, &rp, cfgPtr)
	st := call(b.fns[fnReconfigureEncoder], uintptr(enc), p.ptr())
	runtime.KeepAlive(cfg)
	runtime.KeepAlive(p)
	return st
}

func (b *binding) createBitstreamBuffer(enc EncoderHandle, size uint32) (OutputBuffer, Status) {
	p := newBlob(sizeCreateBitstream)
	p.putU32(0, b.ver(0, verCreateBitstream))
	p.putU32(4, size)
	p.putU32(8, memoryHeapAutoselect)
	st := call(b.fns[fnCreateBitstreamBuffer], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	return OutputBuffer(p.u64(16)), st
}

func (b *binding) destroyBitstreamBuffer(enc EncoderHandle, buf OutputBuffer) Status {
	return call(b.fns[fnDestroyBitstreamBuffer], uintptr(enc), uintptr(buf))
}

func (b *binding) lockBitstream(enc EncoderHandle, params *LockParams) (LockedBitstream, Status) {
	p := newBlob(sizeLockBitstream)
	p.putU32(0, b.ver(params.Version, verLockBitstream))
	p.putU32(offLockFlags, b2u(params.DoNotWait))
	p.putU64(offLockOutput, uint64(params.OutputBitstream))
	st := call(b.fns[fnLockBitstream], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	if !st.OK() {
		return LockedBitstream{}, st
	}
	return LockedBitstream{
		Data:            bytesAt(uintptr(p.u64(offLockDataPtr)), int(p.u32(offLockSize))),
		FrameIdx:        p.u32(offLockFrameIdx),
		PictureType:     PictureType(p.u32(offLockPictureType)),
		OutputTimeStamp: p.u64(offLockTimeStamp),
	}, st
}

func (b *binding) unlockBitstream(enc EncoderHandle, buf OutputBuffer) Status {
	return call(b.fns[fnUnlockBitstream], uintptr(enc), uintptr(buf))
}

func (b *binding) registerResource(enc EncoderHandle, params *RegisterResourceParams) (RegisteredResource, Status) {
	rp := *params
	rp.Version = b.ver(rp.Version, verRegisterResource)
	p := encodeRegisterResource(&rp)
	st := call(b.fns[fnRegisterResource], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	return RegisteredResource(p.u64(offRegRegistered)), st
}

func (b *binding) unregisterResource(enc EncoderHandle, res RegisteredResource) Status {
	return call(b.fns[fnUnregisterResource], uintptr(enc), uintptr(res))
}

func (b *binding) mapInputResource(enc EncoderHandle, res RegisteredResource) (MappedInput, Status) {
	p := newBlob(sizeMapInput)
	p.putU32(0, b.ver(0, verMapInputResource))
	p.putU64(offMapRegistered, uint64(res))
	st := call(b.fns[fnMapInputResource], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	return MappedInput(p.u64(offMapMapped)), st
}

func (b *binding) unmapInputResource(enc EncoderHandle, mapped MappedInput) Status {
	return call(b.fns[fnUnmapInputResource], uintptr(enc), uintptr(mapped))
}

func (b *binding) encodePicture(enc EncoderHandle, params *PicParams) Status {
	pp := *params
	pp.Version = b.ver(pp.Version, verPicParams)
	var desc blob
	if pp.D3D12Input != nil {
		d := *pp.D3D12Input
		d.Version = b.ver(d.Version, verInputResourceD3D12)
		d.FencePoint.Version = b.ver(d.FencePoint.Version, verFencePointD3D12)
		desc = encodeInputResourceD3D12(&d)
		pp.InputBuffer = desc.ptr()
	}
	p := encodePicParams(&pp)
	st := call(b.fns[fnEncodePicture], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	runtime.KeepAlive(desc)
	return st
}

func (b *binding) flush(enc EncoderHandle) Status {
	return b.encodePicture(enc, &PicParams{EncodePicFlags: PicFlagEOS})
}

func (b *binding) getSequenceParams(enc EncoderHandle, buf []byte) (uint32, Status) {
	if len(buf) == 0 {
		return 0, StatusInvalidParam
	}
	p := newBlob(sizeSequenceParam)
	outSize := new(uint32)
	p.putU32(0, b.ver(0, verSequenceParam))
	p.putU32(4, uint32(len(buf)))
	p.putU64(16, uint64(uintptr(unsafe.Pointer(&buf[0]))))
	p.putU64(24, uint64(uintptr(unsafe.Pointer(outSize))))
	st := call(b.fns[fnGetSequenceParams], uintptr(enc), p.ptr())
	runtime.KeepAlive(p)
	runtime.KeepAlive(buf)
	return *outSize, st
}

func (b *binding) destroyEncoder(enc EncoderHandle) Status {
	return call(b.fns[fnDestroyEncoder], uintptr(enc))
}

// getLastErrorString returns the runtime's message for the last failing
// call on enc. The string is owned by the driver.
func (b *binding) getLastErrorString(enc EncoderHandle) string {
	r, _, _ := purego.SyscallN(b.fns[fnGetLastErrorString], uintptr(enc))
	return goStringFromPtr(r)
}
