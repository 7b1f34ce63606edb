package nvenc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

// foreignBytes returns n bytes outside the Go heap, standing in for
// driver-owned memory.
func foreignBytes(t *testing.T, n int) []byte {
	t.Helper()
	addr, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE) })
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
