package nvenc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleWriter is the part of a local WebRTC track the sink writes to.
// *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// NewVideoTrack creates a sample track for codec.
func NewVideoTrack(codec Codec, id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	mime := webrtc.MimeTypeH264
	if codec == CodecHEVC {
		mime = webrtc.MimeTypeH265
	}
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  mime,
		ClockRate: rtpClockPerSec,
	}, id, streamID)
}

// WebRTCSink writes packets as media samples. Each keyframe carries the
// parameter sets in-band so late joiners can decode.
type WebRTCSink struct {
	mu            sync.Mutex
	track         SampleWriter
	frameDuration time.Duration
	config        []byte
	lastTimestamp uint64
	haveLast      bool
}

// NewWebRTCSink creates a sink. frameDuration is used for the first sample
// and whenever timestamps do not advance.
func NewWebRTCSink(track SampleWriter, frameDuration time.Duration) *WebRTCSink {
	if frameDuration <= 0 {
		frameDuration = time.Second / 60
	}
	return &WebRTCSink{track: track, frameDuration: frameDuration}
}

func (s *WebRTCSink) WriteCodecConfig(config []byte) error {
	s.mu.Lock()
	s.config = append([]byte(nil), config...)
	s.mu.Unlock()
	return nil
}

func (s *WebRTCSink) WritePacket(pkt Packet) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	duration := s.frameDuration
	if s.haveLast && pkt.Timestamp > s.lastTimestamp {
		duration = time.Duration(pkt.Timestamp-s.lastTimestamp) * time.Microsecond
	}
	s.lastTimestamp = pkt.Timestamp
	s.haveLast = true

	data := pkt.Data
	if pkt.Keyframe && len(s.config) > 0 {
		data = append(append([]byte(nil), s.config...), pkt.Data...)
	}
	return s.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (s *WebRTCSink) Flush() error { return nil }

// Close forgets stream state; the track is owned by the caller.
func (s *WebRTCSink) Close() error {
	s.mu.Lock()
	s.haveLast = false
	s.config = nil
	s.mu.Unlock()
	return nil
}
