package nvenc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	err     error
	configs [][]byte
	packets []Packet
	flushes int
	closes  int
}

func (s *recordingSink) WriteCodecConfig(config []byte) error {
	s.configs = append(s.configs, config)
	return s.err
}

func (s *recordingSink) WritePacket(pkt Packet) error {
	s.packets = append(s.packets, pkt)
	return s.err
}

func (s *recordingSink) Flush() error {
	s.flushes++
	return s.err
}

func (s *recordingSink) Close() error {
	s.closes++
	return s.err
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.h264")
	fs, err := NewFileSink(path)
	require.NoError(t, err)
	assert.Equal(t, path, fs.Path())

	config := []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68}
	require.NoError(t, fs.WriteCodecConfig(config))
	require.NoError(t, fs.WriteCodecConfig(nil))
	require.NoError(t, fs.WritePacket(Packet{Data: []byte{0, 0, 0, 1, 0x65}}))
	require.NoError(t, fs.WritePacket(Packet{}))
	require.NoError(t, fs.WritePacket(Packet{Data: []byte{0, 0, 0, 1, 0x41}}))
	require.NoError(t, fs.Flush())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want := append(append([]byte{}, config...), 0, 0, 0, 1, 0x65, 0, 0, 0, 1, 0x41)
	assert.Equal(t, want, got)

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Flush())
	assert.Error(t, fs.WritePacket(Packet{Data: []byte{1}}))
}

func TestFileSink_CreateFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := NewFileSink(filepath.Join(blocker, "out.h264"))
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	bad1 := &recordingSink{err: errors.New("disk full")}
	bad2 := &recordingSink{err: errors.New("connection reset")}

	m := NewMultiSink(ok, nil, bad1)
	m.Add(nil)
	m.Add(bad2)
	assert.Equal(t, 3, m.Len())

	pkt := Packet{Data: []byte{1, 2}, Keyframe: true, Timestamp: 7}
	err := m.WritePacket(pkt)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.ErrorIs(t, err, bad1.err)
	assert.ErrorIs(t, err, bad2.err)

	for _, s := range []*recordingSink{ok, bad1, bad2} {
		assert.Equal(t, []Packet{pkt}, s.packets)
	}

	require.Error(t, m.Close())
	assert.Equal(t, 1, ok.closes)
	assert.Equal(t, 1, bad2.closes)

	healthy := NewMultiSink(&recordingSink{})
	assert.NoError(t, healthy.WriteCodecConfig([]byte{1}))
	assert.NoError(t, healthy.Flush())
	assert.NoError(t, NewMultiSink().WritePacket(pkt))
}
