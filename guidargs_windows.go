//go:build windows

package nvenc

import "unsafe"

// guidArgs passes a by-value GUID the x64 Windows way: aggregates larger
// than eight bytes go by reference to a caller-owned copy.
func guidArgs(g *GUID) []uintptr {
	return []uintptr{uintptr(unsafe.Pointer(g))}
}
