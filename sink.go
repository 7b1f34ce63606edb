package nvenc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// PacketSink consumes encoded output. WriteCodecConfig is called with the
// Annex-B codec configuration before the first packet of a stream.
type PacketSink interface {
	WriteCodecConfig(config []byte) error
	WritePacket(pkt Packet) error
	Flush() error
	Close() error
}

// FileSink writes an elementary Annex-B stream to disk.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// NewFileSink creates (or truncates) path, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &FileSink{path: path, file: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// Path returns the output file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("file sink %s is closed", s.path)
	}
	_, err := s.w.Write(data)
	return err
}

// WriteCodecConfig writes the parameter sets.
func (s *FileSink) WriteCodecConfig(config []byte) error {
	if len(config) == 0 {
		return nil
	}
	return s.write(config)
}

// WritePacket appends the packet payload.
func (s *FileSink) WritePacket(pkt Packet) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	return s.write(pkt.Data)
}

// Flush pushes buffered bytes to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

// Close flushes and closes the file. Safe to call repeatedly.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var result *multierror.Error
	if err := s.w.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.file = nil
	s.w = nil
	return result.ErrorOrNil()
}

// MultiSink fans output out to several sinks. Every sink sees every call;
// failures are aggregated.
type MultiSink struct {
	sinks []PacketSink
}

// NewMultiSink combines sinks, skipping nils.
func NewMultiSink(sinks ...PacketSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add appends a sink.
func (m *MultiSink) Add(s PacketSink) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) each(fn func(PacketSink) error) error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *MultiSink) WriteCodecConfig(config []byte) error {
	return m.each(func(s PacketSink) error { return s.WriteCodecConfig(config) })
}

func (m *MultiSink) WritePacket(pkt Packet) error {
	return m.each(func(s PacketSink) error { return s.WritePacket(pkt) })
}

func (m *MultiSink) Flush() error {
	return m.each(func(s PacketSink) error { return s.Flush() })
}

func (m *MultiSink) Close() error {
	return m.each(func(s PacketSink) error { return s.Close() })
}
