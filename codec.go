package nvenc

import (
	"fmt"
	"strings"
)

// Codec identifies the video codec an encoder session produces.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
)

// Codecs lists every codec the session manager can drive, in probe order.
var Codecs = []Codec{CodecH264, CodecHEVC}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H.264"
	case CodecHEVC:
		return "HEVC"
	default:
		return "Unknown"
	}
}

// GUID returns the NVENC encode GUID for this codec.
func (c Codec) GUID() GUID {
	if c == CodecHEVC {
		return CodecHEVCGUID
	}
	return CodecH264GUID
}

// MimeType returns the MIME type for this codec.
func (c Codec) MimeType() string {
	switch c {
	case CodecH264:
		return "video/H264"
	case CodecHEVC:
		return "video/H265"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c Codec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c Codec) DefaultPayloadType() uint8 {
	switch c {
	case CodecH264:
		return 102
	case CodecHEVC:
		return 104
	default:
		return 96
	}
}

// FileExtension is the raw elementary stream extension.
func (c Codec) FileExtension() string {
	if c == CodecHEVC {
		return ".h265"
	}
	return ".h264"
}

func (c Codec) MarshalText() ([]byte, error) {
	switch c {
	case CodecH264:
		return []byte("h264"), nil
	case CodecHEVC:
		return []byte("hevc"), nil
	}
	return nil, fmt.Errorf("unknown codec %d", int(c))
}

func (c *Codec) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "h264", "h.264", "avc":
		*c = CodecH264
	case "hevc", "h265", "h.265":
		*c = CodecHEVC
	default:
		return fmt.Errorf("unknown codec %q", text)
	}
	return nil
}

// BufferFormat mirrors the NV_ENC_BUFFER_FORMAT values the engine feeds.
type BufferFormat uint32

const (
	BufferFormatUndefined BufferFormat = 0
	BufferFormatNV12      BufferFormat = 0x00000001
	BufferFormatP010      BufferFormat = 0x00010000
	// BGRA textures map to NV_ENC_BUFFER_FORMAT_ARGB (word order).
	BufferFormatBGRA BufferFormat = 0x01000000
)

func (f BufferFormat) String() string {
	switch f {
	case BufferFormatNV12:
		return "NV12"
	case BufferFormatP010:
		return "P010"
	case BufferFormatBGRA:
		return "BGRA"
	default:
		return "Unknown"
	}
}

func (f BufferFormat) MarshalText() ([]byte, error) {
	switch f {
	case BufferFormatNV12, BufferFormatP010, BufferFormatBGRA:
		return []byte(strings.ToLower(f.String())), nil
	}
	return nil, fmt.Errorf("unknown buffer format 0x%x", uint32(f))
}

func (f *BufferFormat) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "nv12":
		*f = BufferFormatNV12
	case "p010":
		*f = BufferFormatP010
	case "bgra", "argb":
		*f = BufferFormatBGRA
	default:
		return fmt.Errorf("unknown buffer format %q", text)
	}
	return nil
}

// RateControlMode defines the encoder rate control mode.
type RateControlMode int

const (
	RateControlCBR     RateControlMode = iota // Constant bitrate
	RateControlVBR                            // Variable bitrate
	RateControlConstQP                        // Fixed QP, used for lossless
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlCBR:
		return "CBR"
	case RateControlVBR:
		return "VBR"
	case RateControlConstQP:
		return "CONSTQP"
	default:
		return "Unknown"
	}
}

// nv returns the NV_ENC_PARAMS_RC_MODE value.
func (r RateControlMode) nv() uint32 {
	switch r {
	case RateControlVBR:
		return 0x1
	case RateControlConstQP:
		return 0x0
	default:
		return 0x2
	}
}

func (r RateControlMode) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(r.String())), nil
}

func (r *RateControlMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "cbr":
		*r = RateControlCBR
	case "vbr":
		*r = RateControlVBR
	case "constqp", "cqp":
		*r = RateControlConstQP
	default:
		return fmt.Errorf("unknown rate control mode %q", text)
	}
	return nil
}

// MultipassMode mirrors NV_ENC_MULTI_PASS.
type MultipassMode int

const (
	MultipassDisabled MultipassMode = iota
	MultipassQuarter
	MultipassFull
)

func (m MultipassMode) String() string {
	switch m {
	case MultipassDisabled:
		return "DISABLED"
	case MultipassQuarter:
		return "QUARTER"
	case MultipassFull:
		return "FULL"
	default:
		return "Unknown"
	}
}

func (m MultipassMode) nv() uint32 {
	switch m {
	case MultipassQuarter:
		return 1
	case MultipassFull:
		return 2
	default:
		return 0
	}
}

func (m MultipassMode) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(m.String())), nil
}

func (m *MultipassMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "disabled", "off":
		*m = MultipassDisabled
	case "quarter":
		*m = MultipassQuarter
	case "full":
		*m = MultipassFull
	default:
		return fmt.Errorf("unknown multipass mode %q", text)
	}
	return nil
}
