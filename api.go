package nvenc

// Opaque runtime handles.
type (
	EncoderHandle      uintptr
	OutputBuffer       uintptr
	RegisteredResource uintptr
	MappedInput        uintptr
)

// QP is a per-picture-type quantiser triple (NV_ENC_QP).
type QP struct {
	InterP uint32
	InterB uint32
	Intra  uint32
}

// RCParams is the subset of NV_ENC_RC_PARAMS the session drives.
type RCParams struct {
	Mode              RateControlMode
	ConstQP           QP
	AverageBitRate    uint32
	MaxBitRate        uint32
	EnableInitialRCQP bool
	InitialRCQP       QP
	EnableAQ          bool
	EnableLookahead   bool
	EnableTemporalAQ  bool
	MultiPass         MultipassMode
}

// EncodeConfig is the Go view of NV_ENC_CONFIG. Fields not modelled here
// are preserved from the preset the config was derived from.
type EncodeConfig struct {
	Version        uint32
	ProfileGUID    GUID
	GOPLength      uint32
	FrameIntervalP int32
	FrameFieldMode uint32
	MVPrecision    uint32
	RC             RCParams
	Level          uint32
	IDRPeriod      uint32

	// raw is the runtime's NV_ENC_CONFIG image, nil for configs built in Go.
	raw []byte
}

// Clone returns a deep copy of c.
func (c *EncodeConfig) Clone() *EncodeConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.raw != nil {
		out.raw = append([]byte(nil), c.raw...)
	}
	return &out
}

// InitializeParams is the Go view of NV_ENC_INITIALIZE_PARAMS.
type InitializeParams struct {
	Version           uint32
	EncodeGUID        GUID
	PresetGUID        GUID
	TuningInfo        TuningInfo
	Width             uint32
	Height            uint32
	DarWidth          uint32
	DarHeight         uint32
	FrameRateNum      uint32
	FrameRateDen      uint32
	EnableEncodeAsync bool
	EnablePTD         bool
	MaxEncodeWidth    uint32
	MaxEncodeHeight   uint32
	BufferFormat      BufferFormat
	EncodeConfig      *EncodeConfig
}

// ReconfigureParams is the Go view of NV_ENC_RECONFIGURE_PARAMS.
type ReconfigureParams struct {
	Version      uint32
	ReInitParams InitializeParams
	ResetEncoder bool
	ForceIDR     bool
}

// RegisterResourceParams is the Go view of NV_ENC_REGISTER_RESOURCE.
type RegisterResourceParams struct {
	Version      uint32
	ResourceType ResourceType
	Width        uint32
	Height       uint32
	Pitch        uint32
	Resource     uintptr
	BufferFormat BufferFormat
	Usage        uint32
}

// PicParams is the Go view of NV_ENC_PIC_PARAMS.
type PicParams struct {
	Version         uint32
	InputWidth      uint32
	InputHeight     uint32
	InputPitch      uint32
	EncodePicFlags  uint32
	FrameIdx        uint32
	InputTimeStamp  uint64
	InputBuffer     uintptr
	OutputBitstream OutputBuffer
	BufferFormat    BufferFormat
	PictureStruct   uint32
	PictureType     PictureType

	// D3D12Input, when set, is submitted in place of InputBuffer for
	// native D3D12 interop.
	D3D12Input *InputResourceD3D12
}

// LockParams is the input half of NV_ENC_LOCK_BITSTREAM.
type LockParams struct {
	Version         uint32
	OutputBitstream OutputBuffer
	DoNotWait       bool
}

// LockedBitstream is the output half of NV_ENC_LOCK_BITSTREAM. Data aliases
// runtime memory and is only valid until the matching unlock.
type LockedBitstream struct {
	Data            []byte
	FrameIdx        uint32
	PictureType     PictureType
	OutputTimeStamp uint64
}

// API is the per-session function table. A nil field is an entry point
// the runtime did not provide.
type API struct {
	Version APIVersion

	OpenEncodeSessionEx     func(device uintptr, deviceType DeviceType) (EncoderHandle, Status)
	GetEncodePresetConfig   func(enc EncoderHandle, codec, preset GUID) (*EncodeConfig, Status)
	GetEncodePresetConfigEx func(enc EncoderHandle, codec, preset GUID, tuning TuningInfo) (*EncodeConfig, Status)
	GetEncodePresetCount    func(enc EncoderHandle, codec GUID) (uint32, Status)
	GetEncodePresetGUIDs    func(enc EncoderHandle, codec GUID, out []GUID) (uint32, Status)
	GetEncodeCaps           func(enc EncoderHandle, codec GUID, param CapsParam) (int32, Status)
	InitializeEncoder       func(enc EncoderHandle, params *InitializeParams) Status
	ReconfigureEncoder      func(enc EncoderHandle, params *ReconfigureParams) Status
	CreateBitstreamBuffer   func(enc EncoderHandle, size uint32) (OutputBuffer, Status)
	DestroyBitstreamBuffer  func(enc EncoderHandle, buf OutputBuffer) Status
	LockBitstream           func(enc EncoderHandle, params *LockParams) (LockedBitstream, Status)
	UnlockBitstream         func(enc EncoderHandle, buf OutputBuffer) Status
	RegisterResource        func(enc EncoderHandle, params *RegisterResourceParams) (RegisteredResource, Status)
	UnregisterResource      func(enc EncoderHandle, res RegisteredResource) Status
	MapInputResource        func(enc EncoderHandle, res RegisteredResource) (MappedInput, Status)
	UnmapInputResource      func(enc EncoderHandle, mapped MappedInput) Status
	EncodePicture           func(enc EncoderHandle, params *PicParams) Status
	GetSequenceParams       func(enc EncoderHandle, buf []byte) (uint32, Status)
	FlushEncoderQueue       func(enc EncoderHandle) Status
	DestroyEncoder          func(enc EncoderHandle) Status
	GetLastErrorString      func(enc EncoderHandle) string
}

// Library is an opened runtime module.
type Library struct {
	Path string

	// CreateInstance fills a function table for the given API version.
	// Required.
	CreateInstance func(version APIVersion) (*API, Status)

	// GetMaxSupportedVersion reports the runtime's raw version. Optional.
	GetMaxSupportedVersion func() (uint32, Status)

	close func() error
}

// NewLibrary assembles a Library from resolved entry points. closeFn may be nil.
func NewLibrary(path string, create func(APIVersion) (*API, Status), maxVersion func() (uint32, Status), closeFn func() error) *Library {
	return &Library{Path: path, CreateInstance: create, GetMaxSupportedVersion: maxVersion, close: closeFn}
}

// Close releases the module.
func (l *Library) Close() error {
	if l == nil || l.close == nil {
		return nil
	}
	err := l.close()
	l.close = nil
	return err
}
