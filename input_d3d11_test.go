package nvenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestD3D11Input(t *testing.T, rt *fakeRuntime) (*D3D11Input, *fakeD3D11Device) {
	t.Helper()
	dev := &fakeD3D11Device{ptr: 0xD11}
	in := NewD3D11Input(nil)
	require.NoError(t, in.Initialise(dev, rt.openSession(testParameters())))
	return in, dev
}

func TestD3D11Input_Initialise(t *testing.T) {
	in := NewD3D11Input(nil)
	assert.ErrorIs(t, in.Initialise(nil, NewSession()), ErrInvalidState)
	assert.ErrorIs(t, in.Initialise(&fakeD3D11Device{}, NewSession()), ErrInvalidState)
	assert.ErrorIs(t, in.Initialise(&fakeD3D11Device{ptr: 1}, nil), ErrInvalidState)
	assert.False(t, in.IsInitialised())

	dev := &fakeD3D11Device{ptr: 1}
	require.NoError(t, in.Initialise(dev, NewSession()))
	require.NoError(t, in.Initialise(dev, NewSession()))
	assert.True(t, in.IsInitialised())
	assert.Equal(t, 1, dev.retained)
}

func TestD3D11Input_RegisterRequiresInitialisedSession(t *testing.T) {
	rt := newFakeRuntime()
	s := NewSession(WithSessionLoader(rt.loader()))
	require.NoError(t, s.Open(CodecH264, 0xD3D, DeviceTypeDirectX))

	in := NewD3D11Input(nil)
	require.NoError(t, in.Initialise(&fakeD3D11Device{ptr: 1}, s))
	err := in.RegisterResource(&fakeTexture{ptr: 0x7E})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, rt.count("register"))
}

func TestD3D11Input_MapAutoRegisters(t *testing.T) {
	rt := newFakeRuntime()
	in, _ := newTestD3D11Input(t, rt)
	tex := &fakeTexture{ptr: 0x7E, desc: TextureDesc{Width: 1280, Height: 720}}

	m1, err := in.MapResource(tex)
	require.NoError(t, err)
	m2, err := in.MapResource(tex)
	require.NoError(t, err)
	assert.NotEqual(t, m1, m2)

	require.Len(t, rt.regs, 1)
	reg := rt.regs[0]
	assert.Equal(t, ResourceTypeDirectX, reg.ResourceType)
	assert.Equal(t, uintptr(0x7E), reg.Resource)
	assert.Equal(t, uint32(1280), reg.Width)
	assert.Equal(t, uint32(720), reg.Height)
	assert.Equal(t, BufferFormatNV12, reg.BufferFormat)
	assert.Equal(t, 1, in.RegisteredCount())
	assert.Equal(t, 2, in.MappedCount())

	require.NoError(t, in.RegisterResource(tex))
	assert.Equal(t, 1, rt.count("register"))
}

func TestD3D11Input_UnmapUnknownIsIgnored(t *testing.T) {
	rt := newFakeRuntime()
	in, _ := newTestD3D11Input(t, rt)

	in.UnmapResource(0)
	in.UnmapResource(MappedInput(0xBAD))
	assert.Zero(t, rt.count("unmap"))
}

func TestD3D11Input_UnregisterReleasesMappings(t *testing.T) {
	rt := newFakeRuntime()
	in, _ := newTestD3D11Input(t, rt)
	tex := &fakeTexture{ptr: 0x7E}

	mapped, err := in.MapResource(tex)
	require.NoError(t, err)

	in.UnregisterResource(tex)
	assert.Equal(t, []MappedInput{mapped}, rt.unmapped)
	assert.Len(t, rt.unregs, 1)
	assert.Zero(t, in.MappedCount())
	assert.Zero(t, in.RegisteredCount())

	// The caller's own unmap after unregister is a no-op.
	in.UnmapResource(mapped)
	assert.Equal(t, 1, rt.count("unmap"))

	in.UnregisterResource(tex)
	assert.Equal(t, 1, rt.count("unregister"))
}

func TestD3D11Input_Shutdown(t *testing.T) {
	rt := newFakeRuntime()
	in, dev := newTestD3D11Input(t, rt)

	_, err := in.MapResource(&fakeTexture{ptr: 0x10})
	require.NoError(t, err)
	require.NoError(t, in.RegisterResource(&fakeTexture{ptr: 0x20}))

	in.Shutdown()
	in.Shutdown()
	assert.False(t, in.IsInitialised())
	assert.Equal(t, 1, rt.count("unmap"))
	assert.Equal(t, 2, rt.count("unregister"))
	assert.Equal(t, 1, dev.released)

	_, err = in.MapResource(&fakeTexture{ptr: 0x10})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestD3D11Input_RuntimeFailures(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.registerStatus = StatusResourceRegisterFailed
		in, _ := newTestD3D11Input(t, rt)
		_, err := in.MapResource(&fakeTexture{ptr: 0x10})
		st, ok := StatusOf(err)
		require.True(t, ok)
		assert.Equal(t, StatusResourceRegisterFailed, st)
		assert.Zero(t, in.RegisteredCount())
	})

	t.Run("map", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.mapStatus = StatusMapFailed
		in, _ := newTestD3D11Input(t, rt)
		_, err := in.MapResource(&fakeTexture{ptr: 0x10})
		require.Error(t, err)
		assert.Equal(t, 1, in.RegisteredCount())
		assert.Zero(t, in.MappedCount())
	})

	t.Run("nil texture", func(t *testing.T) {
		in, _ := newTestD3D11Input(t, newFakeRuntime())
		_, err := in.MapResource(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}
