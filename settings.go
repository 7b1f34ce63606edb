package nvenc

import (
	"fmt"
	"math"
	"strings"
)

// BitrateMode is the capture-facing rate control choice.
type BitrateMode int

const (
	BitrateConstant BitrateMode = iota
	BitrateVariable
	BitrateLossless
)

func (m BitrateMode) String() string {
	switch m {
	case BitrateConstant:
		return "cbr"
	case BitrateVariable:
		return "vbr"
	case BitrateLossless:
		return "lossless"
	default:
		return fmt.Sprintf("BitrateMode(%d)", int(m))
	}
}

func (m BitrateMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BitrateMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "cbr", "constant":
		*m = BitrateConstant
	case "vbr", "variable":
		*m = BitrateVariable
	case "lossless":
		*m = BitrateLossless
	default:
		return fmt.Errorf("unknown bitrate mode %q", text)
	}
	return nil
}

// rateControl maps m onto the session's rate control mode.
func (m BitrateMode) rateControl() RateControlMode {
	switch m {
	case BitrateVariable:
		return RateControlVBR
	case BitrateLossless:
		return RateControlConstQP
	default:
		return RateControlCBR
	}
}

// Quality groups the bitrate and GOP knobs of a capture.
type Quality struct {
	TargetBitrateKbps int32       `mapstructure:"target_bitrate_kbps" yaml:"target_bitrate_kbps"`
	MaxBitrateKbps    int32       `mapstructure:"max_bitrate_kbps" yaml:"max_bitrate_kbps"`
	GOPLength         uint32      `mapstructure:"gop_length" yaml:"gop_length"`
	RateControl       BitrateMode `mapstructure:"rate_control" yaml:"rate_control"`
	LowLatency        bool        `mapstructure:"low_latency" yaml:"low_latency"`
}

// Settings describes one capture handed to Encoder.Initialize.
type Settings struct {
	Codec        Codec        `mapstructure:"codec" yaml:"codec"`
	ColorFormat  BufferFormat `mapstructure:"color_format" yaml:"color_format"`
	Width        uint32       `mapstructure:"width" yaml:"width"`
	Height       uint32       `mapstructure:"height" yaml:"height"`
	FrameRate    float64      `mapstructure:"frame_rate" yaml:"frame_rate"`
	Quality      Quality      `mapstructure:"quality" yaml:"quality"`
	ZeroCopy     bool         `mapstructure:"zero_copy" yaml:"zero_copy"`
	D3D12Interop InteropMode  `mapstructure:"d3d12_interop" yaml:"d3d12_interop"`
	OutputName   string       `mapstructure:"output_name" yaml:"output_name"`
}

// DefaultSettings returns a 1080p60 low latency H.264 capture.
func DefaultSettings() Settings {
	return Settings{
		Codec:       CodecH264,
		ColorFormat: BufferFormatNV12,
		Width:       1920,
		Height:      1080,
		FrameRate:   60,
		Quality: Quality{
			TargetBitrateKbps: 20000,
			MaxBitrateKbps:    30000,
			GOPLength:         60,
			RateControl:       BitrateConstant,
			LowLatency:        true,
		},
		ZeroCopy:     true,
		D3D12Interop: InteropBridge,
		OutputName:   "capture",
	}
}

// OutputFileName returns the elementary stream file name for s.
func (s Settings) OutputFileName() string {
	name := s.OutputName
	if name == "" {
		name = "capture"
	}
	return name + s.Codec.FileExtension()
}

// Parameters derives the session parameters for s.
func (s Settings) Parameters() Parameters {
	p := DefaultParameters()
	p.Codec = s.Codec
	p.BufferFormat = s.ColorFormat
	if p.BufferFormat == BufferFormatUndefined {
		p.BufferFormat = BufferFormatNV12
	}
	p.Width = s.Width
	p.Height = s.Height
	p.Framerate = uint32(min(max(math.Round(s.FrameRate), 1), 120))
	p.TargetBitrate = s.Quality.TargetBitrateKbps * 1000
	p.MaxBitrate = max(s.Quality.MaxBitrateKbps*1000, p.TargetBitrate)
	p.RateControlMode = s.Quality.RateControl.rateControl()
	if s.Quality.LowLatency {
		p.MultipassMode = MultipassDisabled
	} else {
		p.MultipassMode = MultipassFull
	}
	p.GOPLength = s.Quality.GOPLength
	p.EnableAdaptiveQuantization = s.Quality.RateControl != BitrateLossless
	p.EnableLookahead = !s.Quality.LowLatency
	p.QPMin = 0
	if s.Quality.RateControl == BitrateLossless {
		p.QPMax = 0
	} else {
		p.QPMax = 51
	}
	return p
}
