package nvenc

import (
	"go.uber.org/zap"
)

// Packet is one encoded access unit.
type Packet struct {
	Data      []byte
	Keyframe  bool
	Timestamp uint64
}

// Bitstream owns a single output buffer of an encoder session.
type Bitstream struct {
	logger     *zap.Logger
	api        *API
	encoder    EncoderHandle
	apiVersion APIVersion
	buffer     OutputBuffer
	locked     bool
	current    LockedBitstream
}

// NewBitstream creates an uninitialised bitstream.
func NewBitstream(logger *zap.Logger) *Bitstream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bitstream{logger: logger.Named("bitstream"), apiVersion: BuildAPIVersion}
}

// Initialize creates the output buffer on s. size 0 lets the runtime pick.
func (b *Bitstream) Initialize(s *Session, size uint32) error {
	b.Release()
	if s == nil || s.Handle() == 0 || s.Functions() == nil {
		b.logger.Error("Cannot create NVENC bitstream buffer without a valid encoder handle.")
		return stateError("cannot create NVENC bitstream buffer without a valid encoder handle")
	}
	api := s.Functions()
	if api.CreateBitstreamBuffer == nil {
		b.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncCreateBitstreamBuffer"))
		return missingExport("NvEncCreateBitstreamBuffer")
	}
	buf, st := api.CreateBitstreamBuffer(s.Handle(), size)
	if !st.OK() {
		b.logger.Error("NvEncCreateBitstreamBuffer failed.", zap.Stringer("status", st))
		return statusErrorf("NvEncCreateBitstreamBuffer", st, "NvEncCreateBitstreamBuffer failed: %s", st)
	}
	b.api = api
	b.encoder = s.Handle()
	b.apiVersion = s.APIVersion()
	b.buffer = buf
	return nil
}

// Buffer returns the output buffer handle for picture submission.
func (b *Bitstream) Buffer() OutputBuffer { return b.buffer }

// IsLocked reports whether the buffer is currently locked.
func (b *Bitstream) IsLocked() bool { return b.locked }

// Lock blocks until the encoded output is ready and returns a view of it.
// The slice is only valid until Unlock.
func (b *Bitstream) Lock() ([]byte, error) {
	if b.locked {
		b.logger.Warn("Bitstream already locked.")
		return nil, stateError("bitstream already locked")
	}
	if b.buffer == 0 || b.api == nil {
		b.logger.Error("Cannot lock NVENC bitstream: buffer has not been initialised.")
		return nil, stateError("bitstream buffer has not been initialised")
	}
	if b.api.LockBitstream == nil {
		return nil, missingExport("NvEncLockBitstream")
	}
	params := LockParams{
		Version:         PatchStructVersion(verLockBitstream, b.apiVersion.Encode()),
		OutputBitstream: b.buffer,
	}
	locked, st := b.api.LockBitstream(b.encoder, &params)
	if !st.OK() {
		b.logger.Error("NvEncLockBitstream failed.", zap.Stringer("status", st))
		return nil, statusErrorf("NvEncLockBitstream", st, "NvEncLockBitstream failed: %s", st)
	}
	b.locked = true
	b.current = locked
	return locked.Data, nil
}

// Unlock releases a locked buffer. It is a no-op when not locked.
func (b *Bitstream) Unlock() {
	if !b.locked {
		return
	}
	if b.api != nil && b.api.UnlockBitstream != nil && b.buffer != 0 {
		if st := b.api.UnlockBitstream(b.encoder, b.buffer); !st.OK() {
			b.logger.Warn("NvEncUnlockBitstream returned "+st.String(), zap.Stringer("status", st))
		}
	}
	b.locked = false
	b.current = LockedBitstream{}
}

// ExtractPacket copies the locked output into a Packet. An empty lock
// yields an empty packet and no error.
func (b *Bitstream) ExtractPacket() (Packet, error) {
	if !b.locked {
		b.logger.Warn("Attempted to extract NVENC packet without a locked bitstream.")
		return Packet{}, stateError("bitstream is not locked")
	}
	if len(b.current.Data) == 0 {
		return Packet{}, nil
	}
	return Packet{
		Data:      append([]byte(nil), b.current.Data...),
		Keyframe:  b.current.PictureType.IsKey(),
		Timestamp: b.current.OutputTimeStamp,
	}, nil
}

// Release destroys the output buffer. Safe to call repeatedly.
func (b *Bitstream) Release() {
	if b.buffer != 0 && b.api != nil && b.api.DestroyBitstreamBuffer != nil {
		if st := b.api.DestroyBitstreamBuffer(b.encoder, b.buffer); !st.OK() {
			b.logger.Warn("NvEncDestroyBitstreamBuffer returned "+st.String(), zap.Stringer("status", st))
		}
	}
	b.api = nil
	b.encoder = 0
	b.buffer = 0
	b.locked = false
	b.current = LockedBitstream{}
	b.apiVersion = BuildAPIVersion
}
