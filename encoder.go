package nvenc

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Frame is one GPU picture handed to Encoder.EnqueueFrame. Exactly one of
// Texture (D3D11) or Resource (D3D12) is set, together with its device.
type Frame struct {
	Texture D3D11Texture
	Device  D3D11Device

	Resource D3D12Resource
	Device12 D3D12Device

	// Timestamp is the capture time; it is carried to the packet in
	// microseconds.
	Timestamp time.Duration
	Index     uint32
	Keyframe  bool

	// Ready, when non-nil, is closed once the GPU has finished writing
	// the picture.
	Ready <-chan struct{}
	// CPUFallback marks frames whose pixels only exist in system memory.
	CPUFallback bool
}

// EncoderStats counts the work an Encoder has done since Initialize.
type EncoderStats struct {
	FramesSubmitted  uint64
	PacketsWritten   uint64
	KeyframesWritten uint64
	BytesWritten     uint64
}

// Encoder drives one capture: it lazily opens a session on the first
// frame's device, feeds frames through the matching input bridge and
// writes the encoded stream to its sinks. Methods are safe for
// concurrent use.
type Encoder struct {
	mu     sync.Mutex
	logger *zap.Logger
	id     uuid.UUID
	probe  *HardwareProbe
	extra  []PacketSink

	session   *Session
	bitstream *Bitstream
	d3d11     *D3D11Input
	d3d12     *D3D12Input
	annexB    AnnexB
	sink      *MultiSink

	settings      Settings
	params        Parameters
	outputPath    string
	zeroCopy      bool
	interop       InteropMode
	initialized   bool
	headerWritten bool
	lastError     string
	stats         EncoderStats
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithEncoderLogger sets the logger.
func WithEncoderLogger(logger *zap.Logger) EncoderOption {
	return func(e *Encoder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHardwareProbe sets the probe used for availability checks and the
// loader sessions are opened through.
func WithHardwareProbe(p *HardwareProbe) EncoderOption {
	return func(e *Encoder) {
		if p != nil {
			e.probe = p
		}
	}
}

// WithSinks adds sinks that receive the stream next to the output file.
func WithSinks(sinks ...PacketSink) EncoderOption {
	return func(e *Encoder) {
		e.extra = append(e.extra, sinks...)
	}
}

// NewEncoder creates an idle encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{
		logger: zap.NewNop(),
		id:     uuid.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.probe == nil {
		e.probe = DefaultHardwareProbe()
	}
	e.logger = e.logger.Named("encoder").With(zap.String("session_id", e.id.String()))
	e.session = NewSession(WithSessionLoader(e.probe.Loader()), WithSessionLogger(e.logger))
	e.bitstream = NewBitstream(e.logger)
	e.d3d11 = NewD3D11Input(e.logger)
	e.d3d12 = NewD3D12Input(e.logger)
	return e
}

// SessionID identifies this encoder in logs.
func (e *Encoder) SessionID() string { return e.id.String() }

func (e *Encoder) failf(kind error, format string, args ...any) error {
	err := newError(kind, format, args...)
	e.lastError = err.Error()
	e.logger.Error(e.lastError)
	return err
}

// Initialize prepares a capture. The session itself is created when the
// first frame arrives, on that frame's device. With an empty outputDir
// no file is written and only the WithSinks sinks receive output.
func (e *Encoder) Initialize(settings Settings, outputDir string) error {
	if err := e.Finalize(); err != nil {
		e.logger.Warn("Previous capture did not shut down cleanly.", zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastError = ""
	e.annexB.Reset()
	e.headerWritten = false
	e.stats = EncoderStats{}
	e.settings = settings
	e.zeroCopy = settings.ZeroCopy
	e.interop = settings.D3D12Interop

	e.probe.ApplyRuntimeOverrides()
	if !e.probe.IsAvailable() {
		e.lastError = "NVENC runtime is unavailable."
		e.logger.Warn(e.lastError)
		return newError(ErrUnavailable, "%s", e.lastError)
	}
	if !e.probe.SupportsColorFormat(settings.ColorFormat) {
		return e.failf(ErrUnavailable, "Requested NVENC pixel format %s is not supported by the GPU.", settings.ColorFormat)
	}
	if e.zeroCopy && !SupportsZeroCopy() {
		e.logger.Warn("Zero-copy NVENC capture requested but the platform does not support it. Falling back to auto copy.")
		e.zeroCopy = false
	}

	e.params = settings.Parameters()

	sink := NewMultiSink(e.extra...)
	e.outputPath = ""
	if outputDir != "" {
		path := filepath.Join(outputDir, settings.OutputFileName())
		file, err := NewFileSink(path)
		if err != nil {
			e.lastError = "Unable to open NVENC output file at " + path + "."
			e.logger.Error(e.lastError, zap.Error(err))
			return wrapError(ErrUnavailable, err, "%s", e.lastError)
		}
		sink.Add(file)
		e.outputPath = path
	}
	if sink.Len() == 0 {
		return e.failf(ErrInvalidState, "No output directory or packet sink was configured.")
	}
	e.sink = sink
	e.initialized = true
	e.logger.Info("NVENC encoder primed, waiting for first frame to initialise session.",
		zap.Uint32("width", e.params.Width), zap.Uint32("height", e.params.Height),
		zap.Stringer("codec", e.params.Codec))
	return nil
}

// EnqueueFrame encodes frame synchronously. Frames that fell back to CPU
// memory or carry no texture are skipped.
func (e *Encoder) EnqueueFrame(frame Frame) error {
	e.mu.Lock()
	ready := e.initialized
	e.mu.Unlock()
	if !ready {
		return stateError("encoder is not initialised")
	}
	if frame.Ready != nil {
		<-frame.Ready
	}
	if frame.CPUFallback {
		e.logger.Warn("Skipping NVENC submission because frame used CPU fallback.")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return stateError("encoder is not initialised")
	}
	switch {
	case frame.Resource != nil:
		return e.encodeD3D12(frame)
	case frame.Texture != nil:
		return e.encodeD3D11(frame)
	default:
		return nil
	}
}

// openSession brings the session from empty to ready for frames on device.
func (e *Encoder) openSession(device uintptr) error {
	if err := e.session.Open(e.params.Codec, device, DeviceTypeDirectX); err != nil {
		e.lastError = "Failed to open NVENC session."
		e.logger.Error(e.lastError, zap.Error(err))
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	if err := e.session.Initialize(e.params); err != nil {
		e.lastError = "Failed to initialise NVENC session."
		e.logger.Error(e.lastError, zap.Error(err))
		e.session.Destroy()
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	if err := e.bitstream.Initialize(e.session, 0); err != nil {
		e.lastError = "Failed to create NVENC bitstream buffer."
		e.logger.Error(e.lastError, zap.Error(err))
		e.session.Destroy()
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	return nil
}

func (e *Encoder) encodeD3D11(frame Frame) error {
	tex := frame.Texture
	if tex.Pointer() == 0 {
		return e.failf(ErrInvalidState, "D3D11 texture was unavailable for NVENC capture.")
	}
	if !e.session.IsOpen() {
		if frame.Device == nil || frame.Device.Pointer() == 0 {
			return e.failf(ErrInvalidState, "Unable to retrieve D3D11 device from capture texture.")
		}
		if err := e.openSession(frame.Device.Pointer()); err != nil {
			return err
		}
		if err := e.d3d11.Initialise(frame.Device, e.session); err != nil {
			e.lastError = "Failed to initialise NVENC D3D11 input bridge."
			e.logger.Error(e.lastError, zap.Error(err))
			e.bitstream.Release()
			e.session.Destroy()
			return wrapError(ErrUnavailable, err, "%s", e.lastError)
		}
		if !e.writeHeader() {
			e.logger.Debug("NVENC did not supply Annex B headers prior to first frame.")
		}
		e.logger.Info("NVENC session initialised.", zap.Uint32("width", e.params.Width), zap.Uint32("height", e.params.Height))
	} else if !e.headerWritten {
		e.writeHeader()
	}

	if err := e.d3d11.RegisterResource(tex); err != nil {
		e.lastError = "Failed to register input texture with NVENC."
		e.logger.Error(e.lastError, zap.Error(err))
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	mapped, err := e.d3d11.MapResource(tex)
	if err != nil || mapped == 0 {
		e.lastError = "Failed to map input texture for NVENC encoding."
		e.logger.Error(e.lastError, zap.Error(err))
		return newError(ErrUnavailable, "%s", e.lastError)
	}
	defer e.d3d11.UnmapResource(mapped)
	return e.submit(mapped, nil, frame)
}

// ensureD3D12Input initialises the D3D12 input in the configured mode,
// falling back to the bridge when native interop cannot be set up.
func (e *Encoder) ensureD3D12Input(dev D3D12Device) error {
	if e.d3d12.IsInitialised() && e.d3d12.Mode() != e.interop {
		e.d3d12.Shutdown()
	}
	if e.d3d12.IsInitialised() {
		return nil
	}
	err := e.d3d12.Initialise(dev, e.interop)
	if err == nil {
		return nil
	}
	if e.interop == InteropNative {
		e.logger.Warn("Native D3D12 NVENC interop initialisation failed. Falling back to D3D11-on-12 bridge.", zap.Error(err))
		e.interop = InteropBridge
		if err = e.d3d12.Initialise(dev, InteropBridge); err == nil {
			return nil
		}
	}
	e.lastError = "Failed to initialise NVENC D3D12 interop."
	e.logger.Error(e.lastError, zap.Error(err))
	return wrapError(ErrUnavailable, err, "%s", e.lastError)
}

func (e *Encoder) encodeD3D12(frame Frame) error {
	res := frame.Resource
	if res.Pointer() == 0 {
		return e.failf(ErrInvalidState, "D3D12 resource was unavailable for NVENC capture.")
	}
	if frame.Device12 == nil || frame.Device12.Pointer() == 0 {
		return e.failf(ErrInvalidState, "Unable to retrieve D3D12 device from capture texture.")
	}
	if err := e.ensureD3D12Input(frame.Device12); err != nil {
		return err
	}

	bridge := e.d3d12.Mode() == InteropBridge
	var device uintptr
	if bridge {
		if dev := e.d3d12.BridgeDevice(); dev != nil {
			device = dev.Pointer()
		}
	} else {
		device = frame.Device12.Pointer()
	}
	if device == 0 {
		if bridge {
			return e.failf(ErrUnavailable, "D3D11-on-12 bridge device is unavailable for NVENC capture.")
		}
		return e.failf(ErrUnavailable, "D3D12 device was unavailable for NVENC capture.")
	}

	if !e.session.IsOpen() {
		if err := e.openSession(device); err != nil {
			return err
		}
		if err := e.d3d12.BindSession(e.session); err != nil {
			e.lastError = "Failed to bind NVENC session to D3D12 interop."
			e.logger.Error(e.lastError, zap.Error(err))
			return wrapError(ErrUnavailable, err, "%s", e.lastError)
		}
		if !e.writeHeader() {
			e.logger.Debug("NVENC did not provide Annex B headers before first D3D12 frame.")
		}
		e.logger.Info("NVENC session initialised.", zap.Stringer("interop", e.d3d12.Mode()),
			zap.Uint32("width", e.params.Width), zap.Uint32("height", e.params.Height))
	} else {
		if !e.d3d12.IsSessionBound() {
			if err := e.d3d12.BindSession(e.session); err != nil {
				e.lastError = "Failed to rebind NVENC session to D3D12 interop."
				e.logger.Error(e.lastError, zap.Error(err))
				return wrapError(ErrUnavailable, err, "%s", e.lastError)
			}
		}
		if !e.headerWritten {
			e.writeHeader()
		}
	}

	if err := e.d3d12.RegisterResource(res); err != nil {
		e.lastError = "Failed to register D3D12 resource with NVENC."
		e.logger.Error(e.lastError, zap.Error(err))
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	mapped, err := e.d3d12.MapResource(res)
	if err != nil || mapped == 0 {
		e.lastError = "Failed to map D3D12 resource for NVENC encoding."
		e.logger.Error(e.lastError, zap.Error(err))
		return newError(ErrUnavailable, "%s", e.lastError)
	}
	defer e.d3d12.UnmapResource(mapped)

	var desc *InputResourceD3D12
	if !bridge {
		d, err := e.d3d12.BuildInputDescriptor(mapped)
		if err != nil {
			e.lastError = "Failed to prepare D3D12 input descriptor for NVENC."
			e.logger.Error(e.lastError, zap.Error(err))
			return wrapError(ErrInvalidState, err, "%s", e.lastError)
		}
		desc = &d
	}
	return e.submit(mapped, desc, frame)
}

// submit encodes one mapped picture and forwards the output to the sinks.
func (e *Encoder) submit(input MappedInput, desc *InputResourceD3D12, frame Frame) error {
	api := e.session.Functions()
	if api == nil || api.EncodePicture == nil {
		e.lastError = "NVENC function table missing nvEncEncodePicture."
		e.logger.Error(e.lastError)
		return missingExport("NvEncEncodePicture")
	}
	pic := PicParams{
		Version:         PatchStructVersion(verPicParams, e.session.APIVersion().Encode()),
		PictureStruct:   picStructFrame,
		InputBuffer:     uintptr(input),
		BufferFormat:    e.session.BufferFormat(),
		InputWidth:      e.params.Width,
		InputHeight:     e.params.Height,
		OutputBitstream: e.bitstream.Buffer(),
		InputTimeStamp:  uint64(frame.Timestamp.Microseconds()),
		FrameIdx:        frame.Index,
		D3D12Input:      desc,
	}
	if frame.Keyframe {
		pic.EncodePicFlags |= PicFlagForceIntra
	}
	st := api.EncodePicture(e.session.Handle(), &pic)
	if st == StatusNeedMoreInput {
		e.stats.FramesSubmitted++
		return nil
	}
	if !st.OK() {
		err := statusErrorf("NvEncEncodePicture", st, "nvEncEncodePicture failed: %s", st)
		e.lastError = err.Error()
		e.logger.Error(e.lastError, zap.Stringer("status", st))
		return err
	}
	e.stats.FramesSubmitted++

	if _, err := e.bitstream.Lock(); err != nil {
		e.lastError = "Failed to lock NVENC bitstream."
		e.logger.Error(e.lastError, zap.Error(err))
		return wrapError(ErrUnavailable, err, "%s", e.lastError)
	}
	defer e.bitstream.Unlock()

	pkt, err := e.bitstream.ExtractPacket()
	if err != nil || len(pkt.Data) == 0 {
		return err
	}
	if err := e.sink.WritePacket(pkt); err != nil {
		e.logger.Warn("Failed to write NVENC packet.", zap.Error(err))
		return err
	}
	e.stats.PacketsWritten++
	e.stats.BytesWritten += uint64(len(pkt.Data))
	if pkt.Keyframe {
		e.stats.KeyframesWritten++
	}
	return nil
}

// writeHeader fetches the sequence headers once and hands them to the
// sinks. It reports whether the header has been written.
func (e *Encoder) writeHeader() bool {
	if e.headerWritten || !e.session.IsInitialized() {
		return e.headerWritten
	}
	data, err := e.session.SequenceParams()
	if err != nil || len(data) == 0 {
		return false
	}
	e.annexB.SetCodecConfig(data)
	header := e.annexB.CodecConfig()
	if len(header) == 0 || e.sink == nil {
		return false
	}
	if err := e.sink.WriteCodecConfig(header); err != nil {
		e.logger.Warn("Failed to write NVENC Annex B header.", zap.Error(err))
		return false
	}
	e.headerWritten = true
	e.logger.Debug("Wrote NVENC Annex B header.", zap.Int("bytes", len(header)))
	return true
}

// Reconfigure applies new rate control and size settings to a running
// session. The codec cannot change.
func (e *Encoder) Reconfigure(settings Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	params := settings.Parameters()
	if !e.session.IsInitialized() {
		e.settings = settings
		e.params = params
		return nil
	}
	if err := e.session.Reconfigure(params); err != nil {
		e.lastError = e.session.LastError()
		return err
	}
	e.settings = settings
	e.params = params
	return nil
}

// Finalize flushes and closes the sinks and tears the session down. It is
// safe to call repeatedly.
func (e *Encoder) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	if e.sink != nil {
		if err := e.sink.Flush(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := e.sink.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		e.sink = nil
	}
	e.bitstream.Release()
	e.d3d11.Shutdown()
	e.d3d12.Shutdown()
	e.session.Flush()
	e.session.Destroy()
	e.annexB.Reset()
	e.headerWritten = false
	e.initialized = false
	e.lastError = ""
	return result.ErrorOrNil()
}

// IsInitialized reports whether Initialize succeeded and Finalize has not
// run since.
func (e *Encoder) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// LastError returns the message of the most recent failure.
func (e *Encoder) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// OutputPath returns the elementary stream path, empty without a file sink.
func (e *Encoder) OutputPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputPath
}

// Parameters returns the session parameters derived from the settings.
func (e *Encoder) Parameters() Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// InteropMode returns the active D3D12 interop mode, which may have
// fallen back from native to bridge.
func (e *Encoder) InteropMode() InteropMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interop
}

// ZeroCopy reports whether zero-copy capture stayed enabled.
func (e *Encoder) ZeroCopy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.zeroCopy
}

// Settings returns the settings of the current capture.
func (e *Encoder) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Stats returns the running counters.
func (e *Encoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
