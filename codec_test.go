package nvenc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_String(t *testing.T) {
	tests := []struct {
		codec Codec
		want  string
	}{
		{CodecH264, "H.264"},
		{CodecHEVC, "HEVC"},
		{Codec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("Codec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodec_MimeTypeAndExtension(t *testing.T) {
	tests := []struct {
		codec Codec
		mime  string
		ext   string
	}{
		{CodecH264, "video/H264", ".h264"},
		{CodecHEVC, "video/H265", ".h265"},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			assert.Equal(t, tt.mime, tt.codec.MimeType())
			assert.Equal(t, tt.ext, tt.codec.FileExtension())
			assert.Equal(t, uint32(90000), tt.codec.ClockRate())
		})
	}
}

func TestCodec_GUID(t *testing.T) {
	assert.Equal(t, CodecH264GUID, CodecH264.GUID())
	assert.Equal(t, CodecHEVCGUID, CodecHEVC.GUID())
	assert.NotEqual(t, CodecH264.GUID(), CodecHEVC.GUID())
}

func TestCodec_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"h264", CodecH264, false},
		{"H.264", CodecH264, false},
		{"avc", CodecH264, false},
		{" hevc ", CodecHEVC, false},
		{"h265", CodecHEVC, false},
		{"vp9", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var c Codec
			err := c.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)
		})
	}
}

func TestBufferFormat_Text(t *testing.T) {
	var f BufferFormat
	require.NoError(t, f.UnmarshalText([]byte("ARGB")))
	assert.Equal(t, BufferFormatBGRA, f)

	b, err := BufferFormatP010.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "p010", string(b))

	_, err = BufferFormatUndefined.MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Unknown", BufferFormat(0x42).String())
}

func TestRateControlMode_Wire(t *testing.T) {
	tests := []struct {
		mode RateControlMode
		nv   uint32
	}{
		{RateControlConstQP, 0x0},
		{RateControlVBR, 0x1},
		{RateControlCBR, 0x2},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.nv, tt.mode.nv())
		})
	}
}

func TestMultipassMode_Wire(t *testing.T) {
	assert.Equal(t, uint32(0), MultipassDisabled.nv())
	assert.Equal(t, uint32(1), MultipassQuarter.nv())
	assert.Equal(t, uint32(2), MultipassFull.nv())

	var m MultipassMode
	require.NoError(t, m.UnmarshalText([]byte("off")))
	assert.Equal(t, MultipassDisabled, m)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusSuccess, "NV_ENC_SUCCESS"},
		{StatusInvalidParam, "NV_ENC_ERR_INVALID_PARAM"},
		{StatusNeedMoreInput, "NV_ENC_ERR_NEED_MORE_INPUT"},
		{StatusResourceNotMapped, "NV_ENC_ERR_RESOURCE_NOT_MAPPED"},
		{Status(99), "NVENC_STATUS_99"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestStatus_Rejected(t *testing.T) {
	for st := StatusSuccess; st <= StatusResourceNotMapped; st++ {
		want := st == StatusInvalidParam || st == StatusInvalidEncoderDevice
		assert.Equal(t, want, st.Rejected(), st.String())
	}
	assert.True(t, StatusSuccess.OK())
	assert.False(t, StatusGeneric.OK())
}

func TestStatusError(t *testing.T) {
	err := statusErrorf("nvEncOpenEncodeSessionEx", StatusInvalidDevice, "open failed: %s", StatusInvalidDevice)
	assert.EqualError(t, err, "open failed: NV_ENC_ERR_INVALID_DEVICE")
	assert.True(t, errors.Is(err, ErrDeviceRejected))

	wrapped := fmt.Errorf("session: %w", err)
	st, ok := StatusOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, StatusInvalidDevice, st)

	generic := &StatusError{Op: "nvEncLockBitstream", Status: StatusGeneric}
	assert.EqualError(t, generic, "nvEncLockBitstream failed: NV_ENC_ERR_GENERIC")
	assert.False(t, errors.Is(generic, ErrDeviceRejected))

	_, ok = StatusOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestError_Kinds(t *testing.T) {
	cause := errors.New("dlopen failed")
	err := wrapError(ErrUnavailable, cause, "Unable to load %s.", "runtime")
	assert.EqualError(t, err, "Unable to load runtime.")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)

	assert.ErrorIs(t, missingExport("nvEncLockBitstream"), ErrMissingExport)
	assert.EqualError(t, missingExport("nvEncLockBitstream"), "Required NVENC export 'nvEncLockBitstream' is missing.")
	assert.ErrorIs(t, stateError("not open"), ErrInvalidState)
}

func TestParameters_DebugString(t *testing.T) {
	p := DefaultParameters()
	p.Width, p.Height, p.Framerate = 1280, 720, 30
	p.TargetBitrate, p.MaxBitrate = 4_000_000, 6_000_000
	p.EnableAdaptiveQuantization = true
	p.GOPLength = 60

	want := "Codec=H.264 Format=NV12 1280x720 30 fps Bitrate=4000000/6000000 QP=[-1,-1] RC=0 MP=2 AQ=on LA=off IR=off IRScene=off GOP=60"
	assert.Equal(t, want, p.DebugString())
}
