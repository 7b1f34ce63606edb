//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !windows

package nvenc

import "testing"

func foreignBytes(t *testing.T, n int) []byte {
	t.Skip("no foreign memory allocator on this platform")
	return nil
}
