package nvenc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
)

const (
	rtpHeaderSize  = 12
	defaultRTPMTU  = 1200
	rtpClockPerSec = 90000
)

// Packetizer splits Annex-B access units into RTP packets. H.264 uses FU-A
// fragmentation, HEVC uses FU (type 49).
type Packetizer struct {
	mu          sync.Mutex
	codec       Codec
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
}

// NewPacketizer creates a packetizer. mtu <= 0 selects 1200.
func NewPacketizer(codec Codec, ssrc uint32, payloadType uint8, mtu int) *Packetizer {
	if mtu <= 0 {
		mtu = defaultRTPMTU
	}
	return &Packetizer{
		codec:       codec,
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Codec returns the codec being packetized.
func (p *Packetizer) Codec() Codec { return p.codec }

// SSRC returns the synchronisation source.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packetize converts one access unit. The marker bit is set on the last
// packet.
func (p *Packetizer) Packetize(data []byte, timestamp uint32) []*rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	units := SplitNALUnits(data)
	var packets []*rtp.Packet
	for i, nalu := range units {
		last := i == len(units)-1
		if len(nalu) <= p.mtu-rtpHeaderSize {
			packets = append(packets, p.packet(nalu, timestamp, last))
			continue
		}
		if p.codec == CodecHEVC {
			packets = append(packets, p.fragmentHEVC(nalu, timestamp, last)...)
		} else {
			packets = append(packets, p.fragmentH264(nalu, timestamp, last)...)
		}
	}
	return packets
}

func (p *Packetizer) packet(payload []byte, timestamp uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragment splits body into chunks, each prefixed by header(start, end).
func (p *Packetizer) fragment(body []byte, overhead int, header func(start, end bool) []byte, timestamp uint32, lastUnit bool) []*rtp.Packet {
	maxPayload := p.mtu - rtpHeaderSize - overhead
	var packets []*rtp.Packet
	for offset := 0; offset < len(body); {
		end := min(offset+maxPayload, len(body))
		isStart, isEnd := offset == 0, end == len(body)
		hdr := header(isStart, isEnd)
		payload := make([]byte, len(hdr)+end-offset)
		copy(payload, hdr)
		copy(payload[len(hdr):], body[offset:end])
		packets = append(packets, p.packet(payload, timestamp, isEnd && lastUnit))
		offset = end
	}
	return packets
}

func fuFlags(start, end bool) byte {
	var b byte
	if start {
		b |= 0x80
	}
	if end {
		b |= 0x40
	}
	return b
}

func (p *Packetizer) fragmentH264(nalu []byte, timestamp uint32, lastUnit bool) []*rtp.Packet {
	nalType := nalu[0] & 0x1F
	indicator := nalu[0]&0x60 | h264NALFUA
	return p.fragment(nalu[1:], 2, func(start, end bool) []byte {
		return []byte{indicator, fuFlags(start, end) | nalType}
	}, timestamp, lastUnit)
}

func (p *Packetizer) fragmentHEVC(nalu []byte, timestamp uint32, lastUnit bool) []*rtp.Packet {
	if len(nalu) < 3 {
		return []*rtp.Packet{p.packet(nalu, timestamp, lastUnit)}
	}
	nalType := hevcNALType(nalu)
	// PayloadHdr keeps F, LayerId and TID; Type becomes 49.
	hdr0 := nalu[0]&0x81 | hevcNALFU<<1
	hdr1 := nalu[1]
	return p.fragment(nalu[2:], 3, func(start, end bool) []byte {
		return []byte{hdr0, hdr1, fuFlags(start, end) | nalType}
	}, timestamp, lastUnit)
}

// RTPSink packetizes packets and writes the marshalled datagrams to w,
// typically a connected UDP socket. Parameter sets are sent ahead of every
// keyframe.
type RTPSink struct {
	mu         sync.Mutex
	w          io.Writer
	packetizer *Packetizer
	config     []byte
}

// NewRTPSink creates a sink writing to w.
func NewRTPSink(w io.Writer, packetizer *Packetizer) *RTPSink {
	return &RTPSink{w: w, packetizer: packetizer}
}

// RTPTimestamp converts a microsecond timestamp to the 90 kHz RTP clock.
func RTPTimestamp(us uint64) uint32 {
	return uint32(us * rtpClockPerSec / 1_000_000)
}

func (s *RTPSink) WriteCodecConfig(config []byte) error {
	s.mu.Lock()
	s.config = append([]byte(nil), config...)
	s.mu.Unlock()
	return nil
}

func (s *RTPSink) WritePacket(pkt Packet) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return errors.New("rtp sink is closed")
	}
	data := pkt.Data
	if pkt.Keyframe && len(s.config) > 0 {
		data = append(append([]byte(nil), s.config...), pkt.Data...)
	}
	for _, p := range s.packetizer.Packetize(data, RTPTimestamp(pkt.Timestamp)) {
		raw, err := p.Marshal()
		if err != nil {
			return err
		}
		if _, err := s.w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *RTPSink) Flush() error { return nil }

// Close closes the writer if it is an io.Closer.
func (s *RTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.w
	s.w = nil
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
