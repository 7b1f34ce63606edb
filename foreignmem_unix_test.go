//go:build linux || darwin || freebsd || netbsd || openbsd

package nvenc

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// foreignBytes returns n bytes outside the Go heap, standing in for
// driver-owned memory.
func foreignBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf, err := syscall.Mmap(-1, 0, n, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Munmap(buf) })
	return buf
}
