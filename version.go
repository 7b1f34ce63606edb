package nvenc

import "fmt"

// APIVersion is a (major, minor) NVENC API version pair.
type APIVersion struct {
	Major uint32
	Minor uint32
}

// Compiled-in API version the struct layouts in this package follow.
var (
	BuildAPIVersion   = APIVersion{Major: 12, Minor: 0}
	MinimumAPIVersion = APIVersion{Major: 1, Minor: 0}
)

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsZero reports whether no version has been decoded.
func (v APIVersion) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

// Older reports whether v sorts strictly before other by (major, minor).
func (v APIVersion) Older(other APIVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Encode packs v the way NVENCAPI_VERSION does: major in the low byte,
// minor in the top byte.
func (v APIVersion) Encode() uint32 {
	return (v.Major & 0xFF) | ((v.Minor & 0xFF) << 24)
}

// DecodeAPIVersion is the inverse of APIVersion.Encode.
func DecodeAPIVersion(raw uint32) APIVersion {
	return APIVersion{Major: raw & 0xFF, Minor: (raw >> 24) & 0xFF}
}

// DecodeRuntimeVersion interprets the value reported by
// NvEncodeAPIGetMaxSupportedVersion. Drivers report major<<4|minor; values
// above 0x0FFF are treated as a packed API version.
func DecodeRuntimeVersion(raw uint32) APIVersion {
	if raw == 0 {
		return APIVersion{}
	}
	if raw > 0x0FFF {
		return DecodeAPIVersion(raw)
	}
	return APIVersion{Major: (raw >> 4) & 0x0FFF, Minor: raw & 0xF}
}

// PatchStructVersion rewrites the API portion of a struct version tag while
// keeping its struct revision and high flag bits.
func PatchStructVersion(structVersion, apiVersion uint32) uint32 {
	return (apiVersion & 0x0FFFFFFF) |
		(((structVersion >> 16) & 0x0FFF) << 16) |
		(structVersion & 0xF0000000)
}

// structVersion builds NVENCAPI_STRUCT_VERSION(rev) for the compiled-in API.
func structVersion(rev uint32) uint32 {
	return BuildAPIVersion.Encode() | rev<<16 | 0x7<<28
}

// Struct version tags for the compiled-in API.
var (
	verOpenSessionEx      = structVersion(1)
	verCapsParam          = structVersion(1)
	verPresetConfig       = structVersion(4) | 1<<31
	verConfig             = structVersion(8) | 1<<31
	verRCParams           = structVersion(1)
	verInitializeParams   = structVersion(6) | 1<<31
	verReconfigureParams  = structVersion(1) | 1<<31
	verCreateBitstream    = structVersion(1)
	verLockBitstream      = structVersion(2)
	verRegisterResource   = structVersion(4)
	verMapInputResource   = structVersion(4)
	verPicParams          = structVersion(6) | 1<<31
	verSequenceParam      = structVersion(1)
	verFunctionList       = structVersion(2)
	verFencePointD3D12    = structVersion(1)
	verInputResourceD3D12 = structVersion(1)
)
