package nvenc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	flvCodecAVC        = 7
	flvFrameKey        = 1
	flvFrameInter      = 2
	avcPacketSeqHeader = 0
	avcPacketNALU      = 1
	rtmpVideoChunkID   = 6
	rtmpChunkSize      = 128
)

// RTMPStream is the publishing side of an RTMP stream.
type RTMPStream interface {
	Write(chunkStreamID int, timestamp uint32, msg rtmpmsg.Message) error
	Close() error
}

// RTMPSink publishes H.264 packets as FLV AVC video tags.
type RTMPSink struct {
	mu         sync.Mutex
	stream     RTMPStream
	conn       *rtmp.ClientConn
	sentHeader bool
	sps, pps   []byte
	baseTS     uint64
	haveBase   bool
}

// NewRTMPSink wraps an already publishing stream.
func NewRTMPSink(stream RTMPStream) *RTMPSink {
	return &RTMPSink{stream: stream}
}

// DialRTMP connects to rawURL (rtmp://host[:port]/app/stream) and starts
// publishing.
func DialRTMP(rawURL string) (*RTMPSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return nil, fmt.Errorf("unsupported rtmp scheme %q", u.Scheme)
	}
	path := strings.Trim(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return nil, fmt.Errorf("rtmp url %q must be rtmp://host/app/stream", rawURL)
	}
	app, name := path[:idx], path[idx+1:]
	host := u.Host
	if u.Port() == "" {
		host += ":1935"
	}

	conn, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("dial rtmp %s: %w", host, err)
	}
	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:   app,
			Type:  "nonprivate",
			TCURL: fmt.Sprintf("rtmp://%s/%s", host, app),
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := conn.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: "live",
	}); err != nil {
		stream.Close()
		conn.Close()
		return nil, fmt.Errorf("rtmp publish: %w", err)
	}
	s := NewRTMPSink(stream)
	s.conn = conn
	return s, nil
}

// WriteCodecConfig extracts SPS and PPS for the AVC sequence header.
func (s *RTMPSink) WriteCodecConfig(config []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absorbParameterSets(config)
	return nil
}

func (s *RTMPSink) absorbParameterSets(data []byte) bool {
	changed := false
	for _, nalu := range SplitNALUnits(data) {
		switch h264NALType(nalu) {
		case h264NALSPS:
			if !bytes.Equal(s.sps, nalu) {
				s.sps = append([]byte(nil), nalu...)
				changed = true
			}
		case h264NALPPS:
			if !bytes.Equal(s.pps, nalu) {
				s.pps = append([]byte(nil), nalu...)
				changed = true
			}
		}
	}
	return changed
}

// WritePacket sends one access unit. Timestamps are rebased so the stream
// starts at zero.
func (s *RTMPSink) WritePacket(pkt Packet) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return errors.New("rtmp sink is closed")
	}
	if !s.haveBase {
		s.baseTS = pkt.Timestamp
		s.haveBase = true
	}
	ts := uint32(0)
	if pkt.Timestamp > s.baseTS {
		ts = uint32((pkt.Timestamp - s.baseTS) / 1000)
	}

	if s.absorbParameterSets(pkt.Data) {
		s.sentHeader = false
	}
	if !s.sentHeader {
		if len(s.sps) == 0 || len(s.pps) == 0 {
			// Nothing decodable can be sent before the parameter sets.
			return nil
		}
		if err := s.writeTag(ts, flvFrameKey, avcPacketSeqHeader, avcDecoderConfig(s.sps, s.pps)); err != nil {
			return err
		}
		s.sentHeader = true
	}

	body := annexBToAVCC(pkt.Data)
	if len(body) == 0 {
		return nil
	}
	frame := byte(flvFrameInter)
	if pkt.Keyframe {
		frame = flvFrameKey
	}
	return s.writeTag(ts, frame, avcPacketNALU, body)
}

func (s *RTMPSink) writeTag(ts uint32, frameType, packetType byte, body []byte) error {
	buf := make([]byte, 5, 5+len(body))
	buf[0] = frameType<<4 | flvCodecAVC
	buf[1] = packetType
	buf = append(buf, body...)
	return s.stream.Write(rtmpVideoChunkID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(buf)})
}

func (s *RTMPSink) Flush() error { return nil }

// Close ends the stream and the connection.
func (s *RTMPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.stream != nil {
		err = s.stream.Close()
		s.stream = nil
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
		s.conn = nil
	}
	return err
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord.
func avcDecoderConfig(sps, pps []byte) []byte {
	var profile [3]byte
	copy(profile[:], sps[min(1, len(sps)):])
	out := []byte{1, profile[0], profile[1], profile[2], 0xFF, 0xE1}
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...)
}

// annexBToAVCC converts an access unit to 4-byte length-prefixed NAL units,
// dropping parameter sets and access unit delimiters.
func annexBToAVCC(data []byte) []byte {
	var out []byte
	for _, nalu := range SplitNALUnits(data) {
		switch h264NALType(nalu) {
		case h264NALSPS, h264NALPPS, h264NALAUD:
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}
