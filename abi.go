package nvenc

import (
	"encoding/binary"
	"unsafe"
)

// Struct images exchanged with the runtime. Every NVENC parameter block is a
// fixed-size C struct padded with large reserved arrays; we build them as
// 8-byte aligned byte images and poke fields at their x64 offsets. Sizes are
// rounded up, the runtime only ever touches sizeof(T) bytes.
const (
	sizeOpenSessionEx    = 2048
	sizeCapsParam        = 256
	sizeConfig           = 8192
	sizePresetConfig     = 16384
	sizeInitializeParams = 2048
	sizeReconfigure      = 4096
	sizeCreateBitstream  = 1024
	sizeLockBitstream    = 2048
	sizeRegisterResource = 2048
	sizeMapInput         = 2048
	sizePicParams        = 4096
	sizeSequenceParam    = 2048
	sizeInputD3D12       = 2048
	functionListSlots    = 320
)

// NV_ENC_CONFIG offsets.
const (
	offCfgVersion        = 0
	offCfgProfileGUID    = 4
	offCfgGOPLength      = 20
	offCfgFrameIntervalP = 24
	offCfgFrameFieldMode = 32
	offCfgMVPrecision    = 36
	offCfgRC             = 40
	offCfgCodec          = 168

	offRCVersion     = offCfgRC + 0
	offRCMode        = offCfgRC + 4
	offRCConstQP     = offCfgRC + 8
	offRCAvgBitRate  = offCfgRC + 20
	offRCMaxBitRate  = offCfgRC + 24
	offRCFlags       = offCfgRC + 36
	offRCInitialQP   = offCfgRC + 64
	offRCMultiPass   = offCfgRC + 100
	rcFlagInitialQP  = 1 << 2
	rcFlagAQ         = 1 << 3
	rcFlagLookahead  = 1 << 5
	rcFlagTemporalAQ = 1 << 8

	offH264Level     = offCfgCodec + 4
	offH264IDRPeriod = offCfgCodec + 8
	offHEVCLevel     = offCfgCodec + 0
	offHEVCIDRPeriod = offCfgCodec + 20

	offPresetConfig = 8
)

// NV_ENC_INITIALIZE_PARAMS offsets; sizeof is 1808 for API 12.0.
const (
	offInitEncodeGUID   = 4
	offInitPresetGUID   = 20
	offInitWidth        = 36
	offInitHeight       = 40
	offInitDarWidth     = 44
	offInitDarHeight    = 48
	offInitFrameRateNum = 52
	offInitFrameRateDen = 56
	offInitAsync        = 60
	offInitPTD          = 64
	offInitConfig       = 88
	offInitMaxWidth     = 96
	offInitMaxHeight    = 100
	offInitTuning       = 136
	offInitBufferFormat = 140
	initParamsCSize     = 1808

	offReconfigInit  = 8
	offReconfigFlags = offReconfigInit + initParamsCSize
)

// blob is an 8-byte aligned struct image.
type blob []byte

func newBlob(size int) blob {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func (b blob) ptr() uintptr { return uintptr(unsafe.Pointer(&b[0])) }

func (b blob) u32(off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func (b blob) u64(off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }

func (b blob) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func (b blob) putU64(off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func (b blob) guid(off int) GUID { return guidFromBytes(b[off : off+16]) }

func (b blob) putGUID(off int, g GUID) {
	raw := g.Bytes()
	copy(b[off:off+16], raw[:])
}

func (b blob) setFlag(off int, mask uint32, on bool) {
	v := b.u32(off)
	if on {
		v |= mask
	} else {
		v &^= mask
	}
	b.putU32(off, v)
}

func (b blob) putQP(off int, qp QP) {
	b.putU32(off, qp.InterP)
	b.putU32(off+4, qp.InterB)
	b.putU32(off+8, qp.Intra)
}

func (b blob) qp(off int) QP {
	return QP{InterP: b.u32(off), InterB: b.u32(off + 4), Intra: b.u32(off + 8)}
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func rateControlFromNV(v uint32) RateControlMode {
	switch v {
	case 0:
		return RateControlConstQP
	case 1:
		return RateControlVBR
	default:
		return RateControlCBR
	}
}

func multipassFromNV(v uint32) MultipassMode {
	switch v {
	case 1:
		return MultipassQuarter
	case 2:
		return MultipassFull
	default:
		return MultipassDisabled
	}
}

// decodeEncodeConfig reads an NV_ENC_CONFIG image for codec.
func decodeEncodeConfig(img []byte, codec GUID) *EncodeConfig {
	b := blob(img)
	cfg := &EncodeConfig{
		Version:        b.u32(offCfgVersion),
		ProfileGUID:    b.guid(offCfgProfileGUID),
		GOPLength:      b.u32(offCfgGOPLength),
		FrameIntervalP: int32(b.u32(offCfgFrameIntervalP)),
		FrameFieldMode: b.u32(offCfgFrameFieldMode),
		MVPrecision:    b.u32(offCfgMVPrecision),
	}
	flags := b.u32(offRCFlags)
	cfg.RC = RCParams{
		Mode:              rateControlFromNV(b.u32(offRCMode)),
		ConstQP:           b.qp(offRCConstQP),
		AverageBitRate:    b.u32(offRCAvgBitRate),
		MaxBitRate:        b.u32(offRCMaxBitRate),
		EnableInitialRCQP: flags&rcFlagInitialQP != 0,
		InitialRCQP:       b.qp(offRCInitialQP),
		EnableAQ:          flags&rcFlagAQ != 0,
		EnableLookahead:   flags&rcFlagLookahead != 0,
		EnableTemporalAQ:  flags&rcFlagTemporalAQ != 0,
		MultiPass:         multipassFromNV(b.u32(offRCMultiPass)),
	}
	if codec == CodecHEVCGUID {
		cfg.Level = b.u32(offHEVCLevel)
		cfg.IDRPeriod = b.u32(offHEVCIDRPeriod)
	} else {
		cfg.Level = b.u32(offH264Level)
		cfg.IDRPeriod = b.u32(offH264IDRPeriod)
	}
	n := len(img)
	if n > sizeConfig {
		n = sizeConfig
	}
	cfg.raw = append([]byte(nil), img[:n]...)
	return cfg
}

// encodeEncodeConfig renders cfg over its preset image.
func encodeEncodeConfig(cfg *EncodeConfig, codec GUID) blob {
	b := newBlob(sizeConfig)
	if cfg.raw != nil {
		copy(b, cfg.raw)
	}
	b.putU32(offCfgVersion, cfg.Version)
	b.putGUID(offCfgProfileGUID, cfg.ProfileGUID)
	b.putU32(offCfgGOPLength, cfg.GOPLength)
	b.putU32(offCfgFrameIntervalP, uint32(cfg.FrameIntervalP))
	b.putU32(offCfgFrameFieldMode, cfg.FrameFieldMode)
	b.putU32(offCfgMVPrecision, cfg.MVPrecision)

	if b.u32(offRCVersion) == 0 {
		b.putU32(offRCVersion, verRCParams)
	}
	b.putU32(offRCMode, cfg.RC.Mode.nv())
	b.putQP(offRCConstQP, cfg.RC.ConstQP)
	b.putU32(offRCAvgBitRate, cfg.RC.AverageBitRate)
	b.putU32(offRCMaxBitRate, cfg.RC.MaxBitRate)
	b.setFlag(offRCFlags, rcFlagInitialQP, cfg.RC.EnableInitialRCQP)
	b.setFlag(offRCFlags, rcFlagAQ, cfg.RC.EnableAQ)
	b.setFlag(offRCFlags, rcFlagLookahead, cfg.RC.EnableLookahead)
	b.setFlag(offRCFlags, rcFlagTemporalAQ, cfg.RC.EnableTemporalAQ)
	b.putQP(offRCInitialQP, cfg.RC.InitialRCQP)
	b.putU32(offRCMultiPass, cfg.RC.MultiPass.nv())

	if codec == CodecHEVCGUID {
		b.putU32(offHEVCLevel, cfg.Level)
		b.putU32(offHEVCIDRPeriod, cfg.IDRPeriod)
	} else {
		b.putU32(offH264Level, cfg.Level)
		b.putU32(offH264IDRPeriod, cfg.IDRPeriod)
	}
	return b
}

// encodeInitializeParams writes p into dst, which must hold initParamsCSize
// bytes. cfgPtr is the address of the rendered NV_ENC_CONFIG.
func encodeInitializeParams(dst blob, p *InitializeParams, cfgPtr uintptr) {
	dst.putU32(0, p.Version)
	dst.putGUID(offInitEncodeGUID, p.EncodeGUID)
	dst.putGUID(offInitPresetGUID, p.PresetGUID)
	dst.putU32(offInitWidth, p.Width)
	dst.putU32(offInitHeight, p.Height)
	dst.putU32(offInitDarWidth, p.DarWidth)
	dst.putU32(offInitDarHeight, p.DarHeight)
	dst.putU32(offInitFrameRateNum, p.FrameRateNum)
	dst.putU32(offInitFrameRateDen, p.FrameRateDen)
	dst.putU32(offInitAsync, b2u(p.EnableEncodeAsync))
	dst.putU32(offInitPTD, b2u(p.EnablePTD))
	dst.putU64(offInitConfig, uint64(cfgPtr))
	dst.putU32(offInitMaxWidth, p.MaxEncodeWidth)
	dst.putU32(offInitMaxHeight, p.MaxEncodeHeight)
	dst.putU32(offInitTuning, uint32(p.TuningInfo))
	dst.putU32(offInitBufferFormat, uint32(p.BufferFormat))
}

// encodeReconfigureParams writes the reconfigure block around an already
// rendered config.
func encodeReconfigureParams(dst blob, p *ReconfigureParams, cfgPtr uintptr) {
	dst.putU32(0, p.Version)
	encodeInitializeParams(dst[offReconfigInit:], &p.ReInitParams, cfgPtr)
	var flags uint32
	if p.ResetEncoder {
		flags |= 1
	}
	if p.ForceIDR {
		flags |= 2
	}
	dst.putU32(offReconfigFlags, flags)
}

// NV_ENC_LOCK_BITSTREAM offsets.
const (
	offLockFlags       = 4
	offLockOutput      = 8
	offLockFrameIdx    = 24
	offLockSize        = 36
	offLockTimeStamp   = 40
	offLockDataPtr     = 56
	offLockPictureType = 64
)

// NV_ENC_REGISTER_RESOURCE offsets.
const (
	offRegType       = 4
	offRegWidth      = 8
	offRegHeight     = 12
	offRegPitch      = 16
	offRegResource   = 24
	offRegRegistered = 32
	offRegFormat     = 40
	offRegUsage      = 44
)

// NV_ENC_MAP_INPUT_RESOURCE offsets.
const (
	offMapRegistered = 16
	offMapMapped     = 24
	offMapFormat     = 32
)

// NV_ENC_PIC_PARAMS offsets.
const (
	offPicWidth     = 4
	offPicHeight    = 8
	offPicPitch     = 12
	offPicFlags     = 16
	offPicFrameIdx  = 20
	offPicTimeStamp = 24
	offPicInput     = 40
	offPicOutput    = 48
	offPicFormat    = 64
	offPicStruct    = 68
	offPicType      = 72
)

func encodePicParams(p *PicParams) blob {
	b := newBlob(sizePicParams)
	b.putU32(0, p.Version)
	b.putU32(offPicWidth, p.InputWidth)
	b.putU32(offPicHeight, p.InputHeight)
	b.putU32(offPicPitch, p.InputPitch)
	b.putU32(offPicFlags, p.EncodePicFlags)
	b.putU32(offPicFrameIdx, p.FrameIdx)
	b.putU64(offPicTimeStamp, p.InputTimeStamp)
	b.putU64(offPicInput, uint64(p.InputBuffer))
	b.putU64(offPicOutput, uint64(p.OutputBitstream))
	b.putU32(offPicFormat, uint32(p.BufferFormat))
	b.putU32(offPicStruct, p.PictureStruct)
	b.putU32(offPicType, uint32(p.PictureType))
	return b
}

func encodeRegisterResource(p *RegisterResourceParams) blob {
	b := newBlob(sizeRegisterResource)
	b.putU32(0, p.Version)
	b.putU32(offRegType, uint32(p.ResourceType))
	b.putU32(offRegWidth, p.Width)
	b.putU32(offRegHeight, p.Height)
	b.putU32(offRegPitch, p.Pitch)
	b.putU64(offRegResource, uint64(p.Resource))
	b.putU32(offRegFormat, uint32(p.BufferFormat))
	b.putU32(offRegUsage, p.Usage)
	return b
}

// NV_ENC_INPUT_RESOURCE_D3D12 and NV_ENC_FENCE_POINT_D3D12 offsets.
const (
	offD3D12InputBuffer = 8
	offD3D12Fence       = 16
	offFenceVersion     = offD3D12Fence + 0
	offFencePtr         = offD3D12Fence + 8
	offFenceWaitValue   = offD3D12Fence + 16
	offFenceSignalValue = offD3D12Fence + 24
	offFenceFlags       = offD3D12Fence + 32
)

const (
	fenceFlagWait   = 1 << 0
	fenceFlagSignal = 1 << 1
)

// encodeInputResourceD3D12 builds the image passed as pInputBuffer in native
// D3D12 mode.
func encodeInputResourceD3D12(d *InputResourceD3D12) blob {
	b := newBlob(sizeInputD3D12)
	b.putU32(0, d.Version)
	b.putU64(offD3D12InputBuffer, uint64(d.InputBuffer))
	fp := d.FencePoint
	b.putU32(offFenceVersion, fp.Version)
	b.putU64(offFencePtr, uint64(fp.Fence))
	b.putU64(offFenceWaitValue, fp.WaitValue)
	b.putU64(offFenceSignalValue, fp.SignalValue)
	b.setFlag(offFenceFlags, fenceFlagWait, fp.Wait)
	b.setFlag(offFenceFlags, fenceFlagSignal, fp.Signal)
	return b
}
