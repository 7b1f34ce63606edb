// Package nvenc drives NVIDIA's NVENC hardware video encoder through the
// driver's nvEncodeAPI runtime, loaded at run time with purego (no cgo).
//
// Key pieces include:
//   - Loader: locates, loads and version-negotiates the runtime library
//   - Session: one encoder session with preset tuning and reconfiguration
//   - CapabilityCache: per-codec caps, probed once on a throwaway device
//   - D3D11Input/D3D12Input: texture registration and D3D12 fence interop
//   - Bitstream: output buffer ownership and packet extraction
//   - HardwareProbe: availability and failure reasons for UI surfaces
//   - Encoder: the capture-facing facade feeding PacketSinks
//
// # Architecture
//
//	Frame -> Encoder -> Input (register/map) -> Session.EncodePicture
//	      -> Bitstream.ExtractPacket -> AnnexB header -> PacketSink(s)
//
// PacketSinks write the Annex-B elementary stream to a file, packetize it
// as RTP, push it into a WebRTC track, or publish it over RTMP.
//
// # Runtime Library
//
// The runtime is nvEncodeAPI64.dll on Windows and libnvidia-encode.so.1 on
// Linux. SetRuntimeDirectoryOverride and SetLibraryOverridePath redirect
// the search; a runtime bundled next to the executable (lib/ or
// third_party/nvenc/) is honored when present.
//
// DirectX interop is Windows only. On Linux probing uses a CUDA context.
// Other platforms report the runtime as unavailable.
package nvenc
