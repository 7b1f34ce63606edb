package nvenc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSeqParams = []byte{0x67, 0x42, 0x1F, 0, 0, 0, 1, 0x68, 0xCE}
	testIDR       = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}
)

func testSettings() Settings {
	s := DefaultSettings()
	s.Width = 1280
	s.Height = 720
	s.OutputName = "test"
	return s
}

func newTestEncoder(t *testing.T, f *probeFixture, sinks ...PacketSink) *Encoder {
	t.Helper()
	f.rt.seqParams = testSeqParams
	f.rt.lockData = testIDR
	f.rt.lockPicType = PictureTypeIDR
	return NewEncoder(WithHardwareProbe(f.probe()), WithSinks(sinks...))
}

func d3d11Frame(index uint32) (Frame, *fakeD3D11Device) {
	dev := &fakeD3D11Device{ptr: 0xD11}
	return Frame{
		Texture:   &fakeTexture{ptr: 0x7E, desc: TextureDesc{Width: 1280, Height: 720}},
		Device:    dev,
		Timestamp: time.Duration(index) * 16667 * time.Microsecond,
		Index:     index,
	}, dev
}

func TestEncoder_InitializeRequiresRuntime(t *testing.T) {
	l := NewLoader(WithOverridePath("missing"), WithOpenFunc(func(string) (*Library, error) {
		return nil, errors.New("not found")
	}))
	p := NewHardwareProbe(WithHardwareProbeLoader(l), WithDriverInfo(func() (DriverInfo, error) {
		return DriverInfo{}, ErrUnavailable
	}))
	e := NewEncoder(WithHardwareProbe(p), WithSinks(&recordingSink{}))

	err := e.Initialize(testSettings(), "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "NVENC runtime is unavailable.", e.LastError())
	assert.False(t, e.IsInitialized())
}

func TestEncoder_InitializeValidation(t *testing.T) {
	t.Run("unsupported format", func(t *testing.T) {
		e := newTestEncoder(t, newProbeFixture(), &recordingSink{})
		s := testSettings()
		s.ColorFormat = BufferFormatUndefined
		err := e.Initialize(s, "")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, e.LastError(), "is not supported by the GPU")
	})

	t.Run("no output", func(t *testing.T) {
		e := newTestEncoder(t, newProbeFixture())
		assert.ErrorIs(t, e.Initialize(testSettings(), ""), ErrInvalidState)
	})

	t.Run("enqueue before initialize", func(t *testing.T) {
		e := newTestEncoder(t, newProbeFixture())
		frame, _ := d3d11Frame(0)
		assert.ErrorIs(t, e.EnqueueFrame(frame), ErrInvalidState)
	})
}

func TestEncoder_D3D11Capture(t *testing.T) {
	f := newProbeFixture()
	sink := &recordingSink{}
	e := newTestEncoder(t, f, sink)
	dir := t.TempDir()

	require.NoError(t, e.Initialize(testSettings(), dir))
	assert.True(t, e.IsInitialized())
	assert.Equal(t, filepath.Join(dir, "test.h264"), e.OutputPath())
	assert.Equal(t, SupportsZeroCopy(), e.ZeroCopy())
	assert.NotEmpty(t, e.SessionID())

	frame, dev := d3d11Frame(3)
	frame.Keyframe = true
	require.NoError(t, e.EnqueueFrame(frame))

	second, _ := d3d11Frame(4)
	second.Device = dev
	f.rt.lockPicType = PictureTypeP
	require.NoError(t, e.EnqueueFrame(second))

	header := append([]byte{0, 0, 0, 1}, testSeqParams...)
	require.Len(t, sink.configs, 1)
	assert.Equal(t, header, sink.configs[0])
	require.Len(t, sink.packets, 2)
	assert.True(t, sink.packets[0].Keyframe)
	assert.False(t, sink.packets[1].Keyframe)

	require.Len(t, f.rt.pics, 2)
	pic := f.rt.pics[0]
	assert.Equal(t, uint32(3), pic.FrameIdx)
	assert.Equal(t, uint64(50_001), pic.InputTimeStamp)
	assert.Equal(t, PicFlagForceIntra, pic.EncodePicFlags&PicFlagForceIntra)
	assert.Equal(t, uint32(1280), pic.InputWidth)
	assert.Nil(t, pic.D3D12Input)
	assert.Zero(t, f.rt.pics[1].EncodePicFlags)
	assert.Equal(t, uintptr(0xD11), f.rt.devices[len(f.rt.devices)-1])

	assert.Equal(t, EncoderStats{
		FramesSubmitted:  2,
		PacketsWritten:   2,
		KeyframesWritten: 1,
		BytesWritten:     uint64(2 * len(testIDR)),
	}, e.Stats())

	require.NoError(t, e.Finalize())
	require.NoError(t, e.Finalize())
	assert.False(t, e.IsInitialized())
	assert.Equal(t, 1, dev.retained)
	assert.Equal(t, 1, dev.released)
	assert.Equal(t, 1, sink.closes)

	data, err := os.ReadFile(filepath.Join(dir, "test.h264"))
	require.NoError(t, err)
	want := append(append(append([]byte{}, header...), testIDR...), testIDR...)
	assert.Equal(t, want, data)
}

func TestEncoder_SessionSetupQueriesPresets(t *testing.T) {
	f := newProbeFixture()
	e := newTestEncoder(t, f, &recordingSink{})
	require.NoError(t, e.Initialize(testSettings(), ""))
	before := f.rt.count("preset")

	frame, _ := d3d11Frame(0)
	require.NoError(t, e.EnqueueFrame(frame))

	// One query validates the opened session, one selects the preset.
	assert.Equal(t, before+2, f.rt.count("preset"))
	assert.Equal(t, []GUID{PresetLowLatencyHQGUID, PresetLowLatencyHQGUID}, f.rt.presets[len(f.rt.presets)-2:])
}

func TestEncoder_SkipsUnusableFrames(t *testing.T) {
	f := newProbeFixture()
	e := newTestEncoder(t, f, &recordingSink{})
	require.NoError(t, e.Initialize(testSettings(), ""))
	opens := f.rt.count("open")

	frame, _ := d3d11Frame(0)
	frame.CPUFallback = true
	require.NoError(t, e.EnqueueFrame(frame))
	require.NoError(t, e.EnqueueFrame(Frame{}))

	ready := make(chan struct{})
	close(ready)
	waited, _ := d3d11Frame(1)
	waited.Ready = ready
	waited.CPUFallback = true
	require.NoError(t, e.EnqueueFrame(waited))

	assert.Equal(t, opens, f.rt.count("open"))
	assert.Empty(t, f.rt.pics)
}

func TestEncoder_D3D11Errors(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		e := newTestEncoder(t, newProbeFixture(), &recordingSink{})
		require.NoError(t, e.Initialize(testSettings(), ""))
		frame, _ := d3d11Frame(0)
		frame.Device = nil
		assert.ErrorIs(t, e.EnqueueFrame(frame), ErrInvalidState)
		assert.Equal(t, "Unable to retrieve D3D11 device from capture texture.", e.LastError())
	})

	t.Run("encode fails", func(t *testing.T) {
		f := newProbeFixture()
		e := newTestEncoder(t, f, &recordingSink{})
		require.NoError(t, e.Initialize(testSettings(), ""))
		f.rt.encodeStatus = StatusEncoderBusy
		frame, _ := d3d11Frame(0)
		err := e.EnqueueFrame(frame)
		st, ok := StatusOf(err)
		require.True(t, ok)
		assert.Equal(t, StatusEncoderBusy, st)
		assert.Equal(t, 1, f.rt.count("unmap"), "input is unmapped on failure")
	})

	t.Run("need more input", func(t *testing.T) {
		f := newProbeFixture()
		sink := &recordingSink{}
		e := newTestEncoder(t, f, sink)
		require.NoError(t, e.Initialize(testSettings(), ""))
		f.rt.encodeStatus = StatusNeedMoreInput
		frame, _ := d3d11Frame(0)
		require.NoError(t, e.EnqueueFrame(frame))
		assert.Empty(t, sink.packets)
		assert.Equal(t, uint64(1), e.Stats().FramesSubmitted)
	})

	t.Run("session setup fails", func(t *testing.T) {
		f := newProbeFixture()
		e := newTestEncoder(t, f, &recordingSink{})
		require.NoError(t, e.Initialize(testSettings(), ""))
		f.rt.initStatus = StatusInvalidParam
		destroys := f.rt.count("destroy")
		frame, _ := d3d11Frame(0)
		assert.ErrorIs(t, e.EnqueueFrame(frame), ErrUnavailable)
		assert.Equal(t, "Failed to initialise NVENC session.", e.LastError())
		assert.Equal(t, destroys+1, f.rt.count("destroy"))
	})
}

func TestEncoder_D3D12Native(t *testing.T) {
	f := newProbeFixture()
	sink := &recordingSink{}
	e := newTestEncoder(t, f, sink)
	s := testSettings()
	s.D3D12Interop = InteropNative
	require.NoError(t, e.Initialize(s, ""))

	dev := newFakeD3D12Device()
	frame := Frame{Resource: texture2D(0x600), Device12: dev}
	require.NoError(t, e.EnqueueFrame(frame))
	require.NoError(t, e.EnqueueFrame(frame))

	assert.Equal(t, InteropNative, e.InteropMode())
	assert.Equal(t, uintptr(0xD12), f.rt.devices[len(f.rt.devices)-1])
	require.Len(t, f.rt.pics, 2)
	require.NotNil(t, f.rt.pics[0].D3D12Input)
	assert.Equal(t, uint64(2), f.rt.pics[0].D3D12Input.FencePoint.SignalValue)
	assert.Equal(t, uint64(3), f.rt.pics[1].D3D12Input.FencePoint.SignalValue)
	assert.Equal(t, []uint64{2}, dev.fence.waits)
	assert.Len(t, sink.configs, 1)
	assert.Len(t, sink.packets, 2)

	require.NoError(t, e.Finalize())
	assert.Equal(t, 1, dev.fence.closed)
	assert.Equal(t, 1, dev.queue.closed)
}

func TestEncoder_D3D12Bridge(t *testing.T) {
	f := newProbeFixture()
	e := newTestEncoder(t, f, &recordingSink{})
	require.NoError(t, e.Initialize(testSettings(), ""))

	dev := newFakeD3D12Device()
	require.NoError(t, e.EnqueueFrame(Frame{Resource: texture2D(0x600), Device12: dev}))

	assert.Equal(t, InteropBridge, e.InteropMode())
	assert.Equal(t, uintptr(0xB11), f.rt.devices[len(f.rt.devices)-1])
	require.Len(t, f.rt.pics, 1)
	assert.Nil(t, f.rt.pics[0].D3D12Input)
	assert.Equal(t, 1, dev.bridge.acquired)
	assert.Equal(t, 1, dev.bridge.releases)

	require.NoError(t, e.Finalize())
	assert.Equal(t, 1, dev.bridge.closed)
}

func TestEncoder_D3D12NativeFallsBackToBridge(t *testing.T) {
	f := newProbeFixture()
	e := newTestEncoder(t, f, &recordingSink{})
	s := testSettings()
	s.D3D12Interop = InteropNative
	require.NoError(t, e.Initialize(s, ""))

	dev := newFakeD3D12Device()
	dev.fenceErr = errors.New("E_NOTIMPL")
	require.NoError(t, e.EnqueueFrame(Frame{Resource: texture2D(0x600), Device12: dev}))

	assert.Equal(t, InteropBridge, e.InteropMode())
	assert.NotNil(t, dev.bridge)
}

func TestEncoder_Reconfigure(t *testing.T) {
	f := newProbeFixture()
	e := newTestEncoder(t, f, &recordingSink{})
	require.NoError(t, e.Initialize(testSettings(), ""))

	s := testSettings()
	s.Quality.TargetBitrateKbps = 5000
	require.NoError(t, e.Reconfigure(s))
	assert.Equal(t, int32(5_000_000), e.Parameters().TargetBitrate)
	assert.Zero(t, f.rt.count("reconfigure"), "no session yet")

	frame, _ := d3d11Frame(0)
	require.NoError(t, e.EnqueueFrame(frame))
	assert.Equal(t, uint32(5_000_000), f.rt.init.EncodeConfig.RC.AverageBitRate)

	s.Quality.TargetBitrateKbps = 8000
	s.Quality.MaxBitrateKbps = 9000
	require.NoError(t, e.Reconfigure(s))
	require.NotNil(t, f.rt.reconfig)
	assert.Equal(t, uint32(8_000_000), f.rt.reconfig.ReInitParams.EncodeConfig.RC.AverageBitRate)
	assert.Equal(t, s, e.Settings())

	f.rt.reconfigStatus = StatusInvalidParam
	bad := s
	bad.Quality.TargetBitrateKbps = 1
	require.Error(t, e.Reconfigure(bad))
	assert.Equal(t, s, e.Settings())
	assert.NotEmpty(t, e.LastError())
}
