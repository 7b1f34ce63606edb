package nvenc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var h264Caps = Capabilities{
	Supports10Bit:   true,
	SupportsBFrames: true,
	MaxWidth:        4096,
	MaxHeight:       4096,
}

func h264OnlyProber(calls *atomic.Int32) CodecProber {
	return func(codec Codec) (Capabilities, error) {
		calls.Add(1)
		if codec != CodecH264 {
			return Capabilities{}, errors.New("unsupported")
		}
		return h264Caps, nil
	}
}

func TestCapabilityCache_Query(t *testing.T) {
	var calls atomic.Int32
	c := NewCapabilityCache(WithProber(h264OnlyProber(&calls)))

	caps, ok := c.Query(CodecH264)
	require.True(t, ok)
	assert.Equal(t, h264Caps, caps)
	assert.True(t, c.IsCodecSupported(CodecH264))
	assert.False(t, c.IsCodecSupported(CodecHEVC))
	assert.Equal(t, Capabilities{}, c.CachedCapabilities(CodecHEVC))
	assert.True(t, c.Succeeded())
	assert.Equal(t, int32(len(Codecs)), calls.Load())
}

func TestCapabilityCache_NothingSupported(t *testing.T) {
	c := NewCapabilityCache(WithProber(func(Codec) (Capabilities, error) {
		return Capabilities{}, ErrUnavailable
	}))
	assert.False(t, c.Succeeded())
	assert.False(t, c.IsCodecSupported(CodecH264))
}

func TestCapabilityCache_SingleProbeUnderContention(t *testing.T) {
	var calls atomic.Int32
	slow := func(codec Codec) (Capabilities, error) {
		time.Sleep(10 * time.Millisecond)
		return h264OnlyProber(&calls)(codec)
	}
	c := NewCapabilityCache(WithProber(slow))

	const workers = 16
	var wg sync.WaitGroup
	results := make([]bool, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.IsCodecSupported(CodecH264)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(len(Codecs)), calls.Load())
	for i, ok := range results {
		assert.True(t, ok, "worker %d", i)
	}
}

func TestCapabilityCache_Timeout(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls atomic.Int32
	c := NewCapabilityCache(
		WithCapsLogger(zap.New(core)),
		WithProbeTimeout(50*time.Millisecond),
		WithProber(func(codec Codec) (Capabilities, error) {
			calls.Add(1)
			<-release
			return h264Caps, nil
		}),
	)

	start := time.Now()
	_, ok := c.Query(CodecH264)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, c.Succeeded())
	assert.ErrorIs(t, c.Err(), ErrProbeTimeout)

	entries := logs.FilterMessage("NVENC capability probe timed out after 50ms.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "caps", entries[0].LoggerName)

	// A timed out generation is not retried until invalidated.
	assert.False(t, c.IsCodecSupported(CodecHEVC))
	assert.Equal(t, int32(1), calls.Load())

	c.InvalidateCache()
	assert.NoError(t, c.Err())
}

func TestCapabilityCache_InvalidateReprobes(t *testing.T) {
	var calls atomic.Int32
	supported := atomic.Bool{}
	c := NewCapabilityCache(WithProber(func(codec Codec) (Capabilities, error) {
		calls.Add(1)
		if !supported.Load() {
			return Capabilities{}, ErrUnavailable
		}
		return h264Caps, nil
	}))

	assert.False(t, c.IsCodecSupported(CodecH264))
	supported.Store(true)
	assert.False(t, c.IsCodecSupported(CodecH264), "results stay cached")

	c.InvalidateCache()
	assert.True(t, c.IsCodecSupported(CodecH264))
	assert.Equal(t, int32(2*len(Codecs)), calls.Load())
}

func TestCapabilityCache_InvalidateDuringProbe(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	c := NewCapabilityCache(WithProber(func(codec Codec) (Capabilities, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return h264OnlyProber(new(atomic.Int32))(codec)
	}))

	query := func() <-chan bool {
		out := make(chan bool, 1)
		go func() { out <- c.IsCodecSupported(CodecH264) }()
		return out
	}

	first := query()
	<-entered
	waiting := query()
	time.Sleep(20 * time.Millisecond)

	c.InvalidateCache()
	close(release)

	for name, ch := range map[string]<-chan bool{"first": first, "waiting": waiting} {
		select {
		case ok := <-ch:
			assert.True(t, ok, name)
		case <-time.After(time.Second):
			t.Fatalf("%s caller still blocked after the generation was invalidated", name)
		}
	}
	assert.Equal(t, int32(2*len(Codecs)), calls.Load())
}

func TestSessionProber(t *testing.T) {
	rt := newFakeRuntime()
	rt.caps = map[CapsParam]int32{
		CapsNumMaxBFrames:      4,
		CapsWidthMax:           8192,
		CapsHeightMax:          -1,
		CapsSupport10BitEncode: 1,
		CapsSupportTemporalAQ:  1,
	}
	dev := &fakeProbeDevice{}
	p := newSessionProber(rt.loader(), func() (ProbeDevice, error) { return dev, nil }, zap.NewNop())

	caps, err := p.probe(CodecHEVC)
	require.NoError(t, err)
	assert.Equal(t, Capabilities{
		Supports10Bit:                true,
		SupportsBFrames:              true,
		SupportsAdaptiveQuantization: true,
		MaxWidth:                     8192,
	}, caps)
	assert.Equal(t, 1, dev.closed)
	assert.Equal(t, 1, rt.count("destroy"))
	assert.Equal(t, []uintptr{0xDE1}, rt.devices)
}

func TestSessionProber_Failures(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		rt := newFakeRuntime()
		p := newSessionProber(rt.loader(), func() (ProbeDevice, error) {
			return nil, ErrUnavailable
		}, zap.NewNop())
		_, err := p.probe(CodecH264)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Zero(t, rt.count("open"))
	})

	t.Run("device rejected", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.openStatus = StatusUnsupportedDevice
		dev := &fakeProbeDevice{}
		p := newSessionProber(rt.loader(), func() (ProbeDevice, error) { return dev, nil }, zap.NewNop())
		_, err := p.probe(CodecH264)
		require.Error(t, err)
		assert.Equal(t, 1, dev.closed)
	})

	t.Run("caps export missing", func(t *testing.T) {
		s := NewSession()
		_, err := queryCaps(s, CodecH264, zap.NewNop())
		assert.ErrorIs(t, err, ErrMissingExport)
	})
}
