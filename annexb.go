package nvenc

import "bytes"

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// AnnexB caches the codec configuration (SPS/PPS, plus VPS for HEVC) in
// Annex-B form so it can be written ahead of the first packet.
type AnnexB struct {
	config []byte
}

// SetCodecConfig stores data, prefixing a 4-byte start code unless data
// already begins with a 3- or 4-byte one. Empty data clears the cache.
func (a *AnnexB) SetCodecConfig(data []byte) {
	a.config = nil
	if len(data) == 0 {
		return
	}
	if hasStartCode(data) {
		a.config = append([]byte(nil), data...)
		return
	}
	a.config = make([]byte, 0, len(startCode)+len(data))
	a.config = append(a.config, startCode...)
	a.config = append(a.config, data...)
}

// CodecConfig returns the cached configuration.
func (a *AnnexB) CodecConfig() []byte { return a.config }

// HasCodecConfig reports whether a configuration is cached.
func (a *AnnexB) HasCodecConfig() bool { return len(a.config) > 0 }

// Reset clears the cache.
func (a *AnnexB) Reset() { a.config = nil }

func hasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, startCode) || bytes.HasPrefix(data, startCode[1:])
}

// SplitNALUnits splits an Annex-B stream into NAL units without start codes.
func SplitNALUnits(data []byte) [][]byte {
	var units [][]byte
	start := -1
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		codeLen := 0
		switch {
		case data[i+2] == 1:
			codeLen = 3
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			codeLen = 4
		default:
			continue
		}
		if start >= 0 && i > start {
			units = append(units, data[start:i])
		}
		start = i + codeLen
		i += codeLen - 1
	}
	if start >= 0 && start < len(data) {
		units = append(units, data[start:])
	}
	return units
}

// H.264 NAL unit types.
const (
	h264NALSPS = 7
	h264NALPPS = 8
	h264NALAUD = 9
	h264NALFUA = 28
)

// HEVC NAL unit types.
const (
	hevcNALVPS = 32
	hevcNALSPS = 33
	hevcNALPPS = 34
	hevcNALFU  = 49
)

func h264NALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

func hevcNALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return (nalu[0] >> 1) & 0x3F
}

// ExtractParameterSets returns the VPS/SPS/PPS units of an access unit in
// Annex-B form, or nil if it carries none.
func ExtractParameterSets(codec Codec, data []byte) []byte {
	var out []byte
	for _, nalu := range SplitNALUnits(data) {
		var keep bool
		if codec == CodecHEVC {
			switch hevcNALType(nalu) {
			case hevcNALVPS, hevcNALSPS, hevcNALPPS:
				keep = true
			}
		} else {
			switch h264NALType(nalu) {
			case h264NALSPS, h264NALPPS:
				keep = true
			}
		}
		if keep {
			out = append(out, startCode...)
			out = append(out, nalu...)
		}
	}
	return out
}

func isVCL(codec Codec, nalu []byte) bool {
	if codec == CodecHEVC {
		return len(nalu) > 0 && hevcNALType(nalu) < hevcNALVPS
	}
	t := h264NALType(nalu)
	return t >= 1 && t <= 5
}

func isIDR(codec Codec, nalu []byte) bool {
	if codec == CodecHEVC {
		t := hevcNALType(nalu)
		return t >= 16 && t <= 21
	}
	return h264NALType(nalu) == 5
}

// AccessUnit is one picture of an elementary stream in Annex-B form.
type AccessUnit struct {
	Data     []byte
	Keyframe bool
}

// SplitAccessUnits groups an Annex-B stream into access units, closing a
// unit after every VCL NAL. This matches single-slice encoder output.
// Parameter sets and other non-VCL units are attached to the following
// picture.
func SplitAccessUnits(codec Codec, data []byte) []AccessUnit {
	var (
		units []AccessUnit
		cur   AccessUnit
	)
	for _, nalu := range SplitNALUnits(data) {
		cur.Data = append(cur.Data, startCode...)
		cur.Data = append(cur.Data, nalu...)
		if isIDR(codec, nalu) {
			cur.Keyframe = true
		}
		if isVCL(codec, nalu) {
			units = append(units, cur)
			cur = AccessUnit{}
		}
	}
	if len(cur.Data) > 0 {
		units = append(units, cur)
	}
	return units
}
