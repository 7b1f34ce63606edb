package nvenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIVersion_EncodeDecode(t *testing.T) {
	tests := []APIVersion{
		{Major: 12, Minor: 0},
		{Major: 12, Minor: 2},
		{Major: 11, Minor: 1},
		{Major: 1, Minor: 0},
		{Major: 255, Minor: 255},
	}
	for _, v := range tests {
		t.Run(v.String(), func(t *testing.T) {
			assert.Equal(t, v, DecodeAPIVersion(v.Encode()))
		})
	}
	assert.Equal(t, uint32(0x0200000C), APIVersion{Major: 12, Minor: 2}.Encode())
}

func TestAPIVersion_Older(t *testing.T) {
	tests := []struct {
		a, b APIVersion
		want bool
	}{
		{APIVersion{11, 1}, APIVersion{12, 0}, true},
		{APIVersion{12, 0}, APIVersion{12, 1}, true},
		{APIVersion{12, 1}, APIVersion{12, 1}, false},
		{APIVersion{12, 2}, APIVersion{12, 1}, false},
		{APIVersion{13, 0}, APIVersion{12, 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.a.String()+"<"+tt.b.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Older(tt.b))
		})
	}
}

func TestDecodeRuntimeVersion(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		want APIVersion
	}{
		{"zero", 0, APIVersion{}},
		{"nibble packed", 0xC2, APIVersion{Major: 12, Minor: 2}},
		{"api packed", APIVersion{Major: 12, Minor: 1}.Encode(), APIVersion{Major: 12, Minor: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeRuntimeVersion(tt.raw))
		})
	}
	assert.True(t, DecodeRuntimeVersion(0).IsZero())
}

func TestPatchStructVersion(t *testing.T) {
	older := APIVersion{Major: 11, Minor: 1}.Encode()

	assert.Equal(t, uint32(0xF006000C), verPicParams)

	patched := PatchStructVersion(verPicParams, older)
	assert.Equal(t, uint32(0xF106000B), patched)
	assert.Equal(t, uint32(11), patched&0xFF)
	assert.Equal(t, verPicParams&0xF0000000, patched&0xF0000000)

	// Patching again with the same version is a no-op.
	assert.Equal(t, patched, PatchStructVersion(patched, older))
}

func TestGUID_ParseAndLayout(t *testing.T) {
	g, err := ParseGUID("{6BC82762-4E63-4CA4-AA85-1E50F321F6BF}")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x6BC82762), g.Data1)
	assert.Equal(t, uint16(0x4E63), g.Data2)
	assert.Equal(t, uint16(0x4CA4), g.Data3)
	assert.Equal(t, [8]byte{0xAA, 0x85, 0x1E, 0x50, 0xF3, 0x21, 0xF6, 0xBF}, g.Data4)
	assert.Equal(t, "{6BC82762-4E63-4CA4-AA85-1E50F321F6BF}", g.String())

	b := g.Bytes()
	assert.Equal(t, []byte{0x62, 0x27, 0xC8, 0x6B, 0x63, 0x4E, 0xA4, 0x4C}, b[:8])
	assert.Equal(t, g, guidFromBytes(b[:]))

	lo, hi := g.Words()
	assert.NotZero(t, lo)
	assert.NotZero(t, hi)

	_, err = ParseGUID("not-a-guid")
	assert.Error(t, err)
	assert.True(t, GUID{}.IsZero())
	assert.Panics(t, func() { MustParseGUID("nope") })
}
