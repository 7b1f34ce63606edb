package nvenc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRecorder struct {
	samples []media.Sample
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	r.samples = append(r.samples, s)
	return nil
}

func TestWebRTCSink(t *testing.T) {
	rec := &sampleRecorder{}
	sink := NewWebRTCSink(rec, time.Second/30)

	config := []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68}
	idr := []byte{0, 0, 0, 1, 0x65, 0x88}
	p := []byte{0, 0, 0, 1, 0x41, 0x9A}

	require.NoError(t, sink.WriteCodecConfig(config))
	require.NoError(t, sink.WritePacket(Packet{Data: idr, Keyframe: true, Timestamp: 100_000}))
	require.NoError(t, sink.WritePacket(Packet{Data: p, Timestamp: 120_000}))
	require.NoError(t, sink.WritePacket(Packet{Data: p, Timestamp: 120_000}))
	require.NoError(t, sink.WritePacket(Packet{Timestamp: 200_000}))

	require.Len(t, rec.samples, 3)
	assert.Equal(t, append(append([]byte{}, config...), idr...), rec.samples[0].Data)
	assert.Equal(t, time.Second/30, rec.samples[0].Duration)
	assert.Equal(t, p, rec.samples[1].Data)
	assert.Equal(t, 20*time.Millisecond, rec.samples[1].Duration)
	assert.Equal(t, time.Second/30, rec.samples[2].Duration, "stalled clock falls back to frame duration")

	require.NoError(t, sink.Close())
	require.NoError(t, sink.WritePacket(Packet{Data: idr, Keyframe: true, Timestamp: 300_000}))
	assert.Equal(t, idr, rec.samples[3].Data, "config is dropped on close")
}

func TestWebRTCSink_DefaultFrameDuration(t *testing.T) {
	rec := &sampleRecorder{}
	sink := NewWebRTCSink(rec, 0)
	require.NoError(t, sink.WritePacket(Packet{Data: []byte{1}}))
	assert.Equal(t, time.Second/60, rec.samples[0].Duration)
}

func TestNewVideoTrack(t *testing.T) {
	tests := []struct {
		codec Codec
		mime  string
	}{
		{CodecH264, webrtc.MimeTypeH264},
		{CodecHEVC, webrtc.MimeTypeH265},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			track, err := NewVideoTrack(tt.codec, "video", "nvenc")
			require.NoError(t, err)
			assert.Equal(t, tt.mime, track.Codec().MimeType)
			assert.Equal(t, uint32(90000), track.Codec().ClockRate)
			assert.Equal(t, "video", track.ID())
			assert.Equal(t, "nvenc", track.StreamID())
		})
	}
}
