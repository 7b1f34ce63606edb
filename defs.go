package nvenc

import "fmt"

// Codec GUIDs.
var (
	CodecH264GUID = MustParseGUID("6BC82762-4E63-11D3-9CC1-0080C7B31297")
	CodecHEVCGUID = MustParseGUID("790CDC65-7C5D-4FDE-8002-71A515C81A6F")
)

// Preset GUIDs. DEFAULT and LOW_LATENCY_HQ are the legacy presets still
// accepted by current drivers; P1..P7 are the tuning-aware presets.
var (
	PresetDefaultGUID      = MustParseGUID("60E4C05A-5333-4E09-9AB5-00A31E99756F")
	PresetLowLatencyHQGUID = MustParseGUID("B3D9DC6F-9F9A-4FF2-B2EA-EF0CDE24825B")
	PresetP1GUID           = MustParseGUID("FC0A8D3E-45F8-4CF8-80C7-298871590EBF")
	PresetP2GUID           = MustParseGUID("F581CFB8-88D6-4381-93F0-DF13F9C27DAB")
	PresetP3GUID           = MustParseGUID("36850110-3A07-441F-94D5-3670631F91F6")
	PresetP4GUID           = MustParseGUID("90A7B826-DF06-4862-B9D2-CD6D73A08681")
	PresetP5GUID           = MustParseGUID("21C6E6B4-297A-4CBA-998F-B6CBDE72ADE3")
	PresetP6GUID           = MustParseGUID("8E75C279-6299-4AB6-8302-0B215A335CF5")
	PresetP7GUID           = MustParseGUID("84848C12-6F71-4C13-931B-53E283F57974")
)

// Profile GUIDs.
var (
	ProfileH264BaselineGUID = MustParseGUID("0727BCAA-78C4-4C83-8C2F-EF3DFF267C6A")
	ProfileH264MainGUID     = MustParseGUID("60B5C1D4-67FE-4790-94D5-C4726D7B6E6D")
	ProfileH264HighGUID     = MustParseGUID("E7CBC309-4F7A-4B89-AF2A-D537C92BE310")
	ProfileH264High444GUID  = MustParseGUID("7AC663CB-A598-4960-B844-339B261A7D52")
	ProfileHEVCMainGUID     = MustParseGUID("B514C39A-B55B-40FA-878F-F1253B4DFDEC")
	ProfileHEVCMain10GUID   = MustParseGUID("FA4D2B6C-3A5B-411A-8018-0A3F5E3C9BE5")
	ProfileHEVCFRExtGUID    = MustParseGUID("51EC32B5-1B4C-453C-9CBD-B616BD621341")
)

var presetNames = map[GUID]string{
	PresetP1GUID:           "P1",
	PresetP2GUID:           "P2",
	PresetP3GUID:           "P3",
	PresetP4GUID:           "P4",
	PresetP5GUID:           "P5",
	PresetP6GUID:           "P6",
	PresetP7GUID:           "P7",
	PresetDefaultGUID:      "DEFAULT",
	PresetLowLatencyHQGUID: "LOW_LATENCY_HQ",
}

var profileNames = map[GUID]string{
	ProfileH264BaselineGUID: "NV_ENC_H264_PROFILE_BASELINE",
	ProfileH264MainGUID:     "NV_ENC_H264_PROFILE_MAIN",
	ProfileH264HighGUID:     "NV_ENC_H264_PROFILE_HIGH",
	ProfileH264High444GUID:  "NV_ENC_H264_PROFILE_HIGH_444",
	ProfileHEVCMainGUID:     "NV_ENC_HEVC_PROFILE_MAIN",
	ProfileHEVCMain10GUID:   "NV_ENC_HEVC_PROFILE_MAIN10",
	ProfileHEVCFRExtGUID:    "NV_ENC_HEVC_PROFILE_FREXT",
}

// PresetName returns the short preset name or the braced GUID.
func PresetName(g GUID) string {
	if name, ok := presetNames[g]; ok {
		return name
	}
	return g.String()
}

// ProfileName returns the NV_ENC_*_PROFILE_* name or the braced GUID.
func ProfileName(g GUID) string {
	if name, ok := profileNames[g]; ok {
		return name
	}
	return g.String()
}

// LevelName renders an encode level; 0 is autoselect.
func LevelName(level uint32) string {
	if level == 0 {
		return "NV_ENC_LEVEL_AUTOSELECT"
	}
	return fmt.Sprintf("0x%02x", level)
}

// TuningInfo mirrors NV_ENC_TUNING_INFO.
type TuningInfo uint32

const (
	TuningUndefined       TuningInfo = 0
	TuningHighQuality     TuningInfo = 1
	TuningLowLatency      TuningInfo = 2
	TuningUltraLowLatency TuningInfo = 3
	TuningLossless        TuningInfo = 4
)

func (t TuningInfo) String() string {
	switch t {
	case TuningUndefined:
		return "UNDEFINED"
	case TuningHighQuality:
		return "HIGH_QUALITY"
	case TuningLowLatency:
		return "LOW_LATENCY"
	case TuningUltraLowLatency:
		return "ULTRA_LOW_LATENCY"
	case TuningLossless:
		return "LOSSLESS"
	default:
		return fmt.Sprintf("TUNING_%d", uint32(t))
	}
}

// DeviceType mirrors NV_ENC_DEVICE_TYPE.
type DeviceType uint32

const (
	DeviceTypeDirectX DeviceType = 0
	DeviceTypeCUDA    DeviceType = 1
	DeviceTypeOpenGL  DeviceType = 2
)

// ResourceType mirrors NV_ENC_INPUT_RESOURCE_TYPE.
type ResourceType uint32

const (
	ResourceTypeDirectX    ResourceType = 0
	ResourceTypeCUDADevPtr ResourceType = 1
	ResourceTypeCUDAArray  ResourceType = 2
	ResourceTypeOpenGLTex  ResourceType = 3
	ResourceTypeDirectX12  ResourceType = 4
)

// PictureType mirrors NV_ENC_PIC_TYPE.
type PictureType uint32

const (
	PictureTypeP            PictureType = 0
	PictureTypeB            PictureType = 1
	PictureTypeI            PictureType = 2
	PictureTypeIDR          PictureType = 3
	PictureTypeBI           PictureType = 4
	PictureTypeSkipped      PictureType = 5
	PictureTypeIntraRefresh PictureType = 6
	PictureTypeNonRefP      PictureType = 7
	PictureTypeUnknown      PictureType = 0xFF
)

// IsKey reports whether the picture starts a decodable sequence.
func (p PictureType) IsKey() bool { return p == PictureTypeIDR || p == PictureTypeI }

// Picture encode flags (NV_ENC_PIC_FLAGS).
const (
	PicFlagForceIntra   uint32 = 0x1
	PicFlagForceIDR     uint32 = 0x2
	PicFlagOutputSPSPPS uint32 = 0x4
	PicFlagEOS          uint32 = 0x8
)

// Misc ABI constants.
const (
	picStructFrame       uint32 = 1
	frameFieldModeFrame  uint32 = 1
	mvPrecisionQuarter   uint32 = 3
	bufferUsageInput     uint32 = 0
	memoryHeapAutoselect uint32 = 0
	InfiniteGOPLength    uint32 = 0xFFFFFFFF
)

// CapsParam mirrors the subset of NV_ENC_CAPS queried here.
type CapsParam uint32

const (
	CapsNumMaxBFrames       CapsParam = 0
	CapsWidthMax            CapsParam = 16
	CapsHeightMax           CapsParam = 17
	CapsSupportYUV444Encode CapsParam = 33
	CapsSupportLookahead    CapsParam = 37
	CapsSupportTemporalAQ   CapsParam = 38
	CapsSupport10BitEncode  CapsParam = 39
)
