//go:build linux

package nvenc

// guidArgs spreads a by-value GUID over two integer registers (System V
// and AAPCS64 both pass 16-byte integer aggregates this way).
func guidArgs(g *GUID) []uintptr {
	lo, hi := g.Words()
	return []uintptr{lo, hi}
}
