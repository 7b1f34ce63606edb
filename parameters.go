package nvenc

import "fmt"

// Parameters is the complete configuration surface of a Session. It is
// passed by value; the session keeps its own copy.
type Parameters struct {
	Codec                      Codec           `mapstructure:"codec" yaml:"codec"`
	BufferFormat               BufferFormat    `mapstructure:"buffer_format" yaml:"buffer_format"`
	Width                      uint32          `mapstructure:"width" yaml:"width"`
	Height                     uint32          `mapstructure:"height" yaml:"height"`
	Framerate                  uint32          `mapstructure:"framerate" yaml:"framerate"`
	MaxBitrate                 int32           `mapstructure:"max_bitrate" yaml:"max_bitrate"`
	TargetBitrate              int32           `mapstructure:"target_bitrate" yaml:"target_bitrate"`
	QPMin                      int32           `mapstructure:"qp_min" yaml:"qp_min"`
	QPMax                      int32           `mapstructure:"qp_max" yaml:"qp_max"`
	RateControlMode            RateControlMode `mapstructure:"rate_control" yaml:"rate_control"`
	MultipassMode              MultipassMode   `mapstructure:"multipass" yaml:"multipass"`
	EnableLookahead            bool            `mapstructure:"lookahead" yaml:"lookahead"`
	EnableAdaptiveQuantization bool            `mapstructure:"adaptive_quantization" yaml:"adaptive_quantization"`
	EnableIntraRefresh         bool            `mapstructure:"intra_refresh" yaml:"intra_refresh"`
	IntraRefreshOnSceneChange  bool            `mapstructure:"intra_refresh_on_scene_change" yaml:"intra_refresh_on_scene_change"`
	GOPLength                  uint32          `mapstructure:"gop_length" yaml:"gop_length"`
}

// DefaultParameters returns the zero configuration: H.264, NV12, no size,
// unset QP bounds, CBR with full-resolution multipass.
func DefaultParameters() Parameters {
	return Parameters{
		Codec:           CodecH264,
		BufferFormat:    BufferFormatNV12,
		QPMin:           -1,
		QPMax:           -1,
		RateControlMode: RateControlCBR,
		MultipassMode:   MultipassFull,
	}
}

// DebugString renders p on a single line for logs.
func (p Parameters) DebugString() string {
	return fmt.Sprintf("Codec=%s Format=%s %dx%d %d fps Bitrate=%d/%d QP=[%d,%d] RC=%d MP=%d AQ=%s LA=%s IR=%s IRScene=%s GOP=%d",
		p.Codec, p.BufferFormat,
		p.Width, p.Height, p.Framerate,
		p.TargetBitrate, p.MaxBitrate,
		p.QPMin, p.QPMax,
		int32(p.RateControlMode), int32(p.MultipassMode),
		onOff(p.EnableAdaptiveQuantization),
		onOff(p.EnableLookahead),
		onOff(p.EnableIntraRefresh),
		onOff(p.IntraRefreshOnSceneChange),
		p.GOPLength)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
