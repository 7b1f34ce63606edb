// Memory helpers shared by the purego runtime and NVML bindings.

package nvenc

import (
	"os"
	"path/filepath"
	"unsafe"
)

// maxDriverString bounds how far goStringFromPtr scans for a NUL.
const maxDriverString = 4096

// goStringFromPtr copies a driver-owned C string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < maxDriverString && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// bytesAt aliases n bytes of foreign memory. The slice is only valid while
// the owner keeps the memory mapped (for bitstreams: until unlock).
func bytesAt(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}

// cStringFromBuffer trims a fixed C buffer at its first NUL.
func cStringFromBuffer(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// findModuleRoot returns the nearest ancestor of the working directory
// holding a go.mod, so development checkouts find a bundled runtime.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
