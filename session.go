package nvenc

import "go.uber.org/zap"

// Session owns one NVENC encoder instance bound to a caller-supplied device.
//
// Lifecycle: Open (which validates) -> Initialize -> [Reconfigure]* ->
// encode -> Flush -> Destroy. Destroy is always safe and leaves the Session
// reusable. A Session is not safe for concurrent use.
type Session struct {
	loader *Loader
	logger *zap.Logger

	open        bool
	initialized bool
	codec       Codec
	device      uintptr
	deviceType  DeviceType
	encoder     EncoderHandle
	api         *API
	apiVersion  APIVersion

	encodeConfig *EncodeConfig
	initParams   InitializeParams
	presetName   string
	params       Parameters
	lastError    string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionLoader sets the runtime loader; defaults to DefaultLoader.
func WithSessionLoader(loader *Loader) SessionOption {
	return func(s *Session) {
		if loader != nil {
			s.loader = loader
		}
	}
}

// NewSession creates an empty session.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		logger:     zap.NewNop(),
		apiVersion: BuildAPIVersion,
		params:     DefaultParameters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loader == nil {
		s.loader = DefaultLoader()
	}
	s.logger = s.logger.Named("session")
	return s
}

func (s *Session) fail(err error) error {
	s.lastError = err.Error()
	return err
}

// Open creates the encoder instance on device and validates that the
// runtime can produce a preset for codec. Opening an open session is a no-op.
func (s *Session) Open(codec Codec, device uintptr, deviceType DeviceType) error {
	s.lastError = ""
	if s.open {
		return nil
	}
	if device == 0 {
		s.logger.Error("Failed to open NVENC session: no encoder device was provided.")
		return s.fail(newError(ErrInvalidState, "no encoder device was provided"))
	}
	if err := s.loader.Load(); err != nil {
		s.logger.Warn("Failed to open NVENC session: runtime is unavailable.", zap.Stringer("codec", codec), zap.Error(err))
		return s.fail(wrapError(ErrUnavailable, err, "NVENC runtime is unavailable"))
	}
	lib := s.loader.Library()
	if lib == nil {
		return s.fail(newError(ErrUnavailable, "NVENC runtime is unavailable"))
	}

	version := s.negotiateVersion(lib)
	if version.Older(MinimumAPIVersion) {
		s.logger.Error("NVENC runtime API version is below the minimum supported version.",
			zap.Stringer("runtime", version), zap.Stringer("minimum", MinimumAPIVersion))
		return s.fail(newError(ErrUnavailable, "NVENC runtime API version is below the minimum supported version."))
	}

	api, st := lib.CreateInstance(version)
	if !st.OK() || api == nil {
		if st.OK() {
			st = StatusGeneric
		}
		s.logger.Error("NvEncodeAPICreateInstance failed.", zap.Stringer("status", st))
		return s.fail(statusErrorf("NvEncodeAPICreateInstance", st, "NvEncodeAPICreateInstance failed: %s", st))
	}
	if api.OpenEncodeSessionEx == nil {
		s.logger.Error("Required NVENC export is missing.", zap.String("export", "NvEncOpenEncodeSessionEx"))
		return s.fail(missingExport("NvEncOpenEncodeSessionEx"))
	}

	enc, st := api.OpenEncodeSessionEx(device, deviceType)
	if !st.OK() {
		s.logger.Error("NvEncOpenEncodeSessionEx failed.", zap.Stringer("status", st))
		return s.fail(statusErrorf("NvEncOpenEncodeSessionEx", st, "NvEncOpenEncodeSessionEx failed: %s", st))
	}

	s.api = api
	s.apiVersion = version
	s.encoder = enc
	s.device = device
	s.deviceType = deviceType
	s.codec = codec
	s.params.Codec = codec
	s.open = true

	if err := s.ValidatePresetConfiguration(codec, false); err != nil {
		s.logger.Error("NVENC session preset validation failed immediately after opening. Closing session.", zap.Error(err))
		s.Destroy()
		return s.fail(err)
	}
	s.logger.Debug("NVENC session opened.", zap.Stringer("codec", codec), zap.Stringer("api", version))
	return nil
}

// negotiateVersion starts from the compiled-in version and downgrades to
// the runtime's maximum when that is older.
func (s *Session) negotiateVersion(lib *Library) APIVersion {
	version := BuildAPIVersion
	if lib.GetMaxSupportedVersion == nil {
		s.logger.Debug("NVENC runtime does not export NvEncodeAPIGetMaxSupportedVersion.")
		return version
	}
	raw, st := lib.GetMaxSupportedVersion()
	if !st.OK() {
		s.logger.Debug("NvEncodeAPIGetMaxSupportedVersion failed.", zap.Stringer("status", st))
		return version
	}
	runtimeVersion := DecodeRuntimeVersion(raw)
	switch {
	case runtimeVersion.IsZero():
	case runtimeVersion.Older(version):
		s.logger.Info("NVENC runtime API version is lower than compile-time version. Downgrading.",
			zap.Stringer("runtime", runtimeVersion), zap.Stringer("build", version))
		version = runtimeVersion
	case version.Older(runtimeVersion):
		s.logger.Debug("NVENC runtime reports newer API version; using compile-time version.",
			zap.Stringer("runtime", runtimeVersion), zap.Stringer("build", version))
	}
	return version
}

// ValidatePresetConfiguration checks that the runtime can produce a
// LOW_LATENCY_HQ preset for codec. An INVALID_PARAM answer is tolerated:
// Initialize walks a ladder of alternates. With allowNullFallback a
// rejection is retried without the encoder handle.
func (s *Session) ValidatePresetConfiguration(codec Codec, allowNullFallback bool) error {
	s.lastError = ""
	if !s.open || s.encoder == 0 {
		s.logger.Warn("Cannot validate NVENC preset configuration: encoder is not open.")
		return s.fail(stateError("Cannot validate NVENC preset configuration – encoder is not open."))
	}
	if s.api.GetEncodePresetConfig == nil {
		return s.fail(missingExport("NvEncGetEncodePresetConfig"))
	}

	codecGUID := codec.GUID()
	query := func(enc EncoderHandle) Status {
		_, st := s.api.GetEncodePresetConfig(enc, codecGUID, PresetLowLatencyHQGUID)
		if st.OK() || s.api.GetEncodePresetConfigEx == nil {
			return st
		}
		for _, tuning := range validationTunings {
			if _, st = s.api.GetEncodePresetConfigEx(enc, codecGUID, PresetLowLatencyHQGUID, tuning); st.OK() {
				break
			}
		}
		return st
	}

	st := query(s.encoder)
	if !st.OK() && allowNullFallback && st.Rejected() {
		st = query(0)
	}
	switch {
	case st.OK():
		return nil
	case st == StatusInvalidParam:
		s.logger.Warn("NVENC preset NV_ENC_PRESET_LOW_LATENCY_HQ unavailable. Will attempt alternate presets during initialisation.",
			zap.Stringer("status", st))
		return nil
	case st == StatusInvalidEncoderDevice:
		s.logger.Warn("NvEncGetEncodePresetConfig validation failed for NV_ENC_PRESET_LOW_LATENCY_HQ preset.", zap.Stringer("status", st))
		return s.fail(statusErrorf("NvEncGetEncodePresetConfig", st,
			"NVENC runtime rejected the provided DirectX device (NV_ENC_ERR_INVALID_ENCODERDEVICE). (%s)", st))
	default:
		s.logger.Warn("NvEncGetEncodePresetConfig validation failed for NV_ENC_PRESET_LOW_LATENCY_HQ preset.", zap.Stringer("status", st))
		return s.fail(statusErrorf("NvEncGetEncodePresetConfig", st, "NvEncGetEncodePresetConfig validation failed: %s", st))
	}
}

// applyRateControl overlays the rate-control subset shared by Initialize
// and Reconfigure.
func applyRateControl(cfg *EncodeConfig, p Parameters) {
	cfg.RC.Mode = p.RateControlMode
	cfg.RC.AverageBitRate = uint32(p.TargetBitrate)
	cfg.RC.MaxBitRate = uint32(p.MaxBitrate)
	cfg.RC.EnableLookahead = p.EnableLookahead
	cfg.RC.EnableAQ = p.EnableAdaptiveQuantization
	cfg.RC.EnableTemporalAQ = p.EnableAdaptiveQuantization
	cfg.RC.MultiPass = p.MultipassMode
	cfg.GOPLength = gopLength(p.GOPLength)
}

func gopLength(gop uint32) uint32 {
	if gop == 0 {
		return InfiniteGOPLength
	}
	return gop
}

// Initialize negotiates a preset, overlays p and initialises the encoder.
// On failure the previously committed parameters are kept.
func (s *Session) Initialize(p Parameters) error {
	s.lastError = ""
	if !s.open || s.encoder == 0 {
		s.logger.Warn("Cannot initialise NVENC session: encoder is not open.")
		return s.fail(stateError("encoder session is not open"))
	}
	if p.Codec != s.codec {
		return s.fail(stateError("codec differs from the one the session was opened with"))
	}
	if s.api.GetEncodePresetConfig == nil {
		return s.fail(missingExport("NvEncGetEncodePresetConfig"))
	}
	if s.api.InitializeEncoder == nil {
		return s.fail(missingExport("NvEncInitializeEncoder"))
	}

	codecGUID := p.Codec.GUID()
	preset, presetCfg, index, st := s.negotiatePreset(codecGUID)
	if index < 0 {
		s.logger.Error("NvEncGetEncodePresetConfig failed for all attempted presets.", zap.Stringer("status", st))
		if st == StatusInvalidEncoderDevice {
			return s.fail(statusErrorf("NvEncGetEncodePresetConfig", st,
				"NVENC runtime rejected the provided DirectX device (NV_ENC_ERR_INVALID_ENCODERDEVICE). Ensure that a supported NVIDIA GPU and recent drivers are installed. (%s)", st))
		}
		return s.fail(statusErrorf("NvEncGetEncodePresetConfig", st, "NvEncGetEncodePresetConfig failed for all attempted presets: %s", st))
	}
	s.logger.Info("Selected preset configuration: "+preset.name(), zap.Stringer("tuning", preset.Tuning))
	if index > 0 {
		s.logger.Info("Using fallback NVENC preset.", zap.String("preset", preset.name()), zap.Int("attempts", index+1))
	}

	cfg := presetCfg.Clone()
	if cfg == nil {
		cfg = &EncodeConfig{}
	}
	cfg.Version = PatchStructVersion(verConfig, s.apiVersion.Encode())
	applyRateControl(cfg, p)
	cfg.RC.EnableInitialRCQP = p.QPMax >= 0 || p.QPMin >= 0
	if p.QPMax >= 0 {
		cfg.RC.ConstQP.InterB = uint32(p.QPMax)
		cfg.RC.ConstQP.InterP = uint32(p.QPMax)
	}
	if p.QPMin >= 0 {
		cfg.RC.ConstQP.Intra = uint32(p.QPMin)
	}
	cfg.FrameIntervalP = 1
	cfg.FrameFieldMode = frameFieldModeFrame
	cfg.MVPrecision = mvPrecisionQuarter
	if p.Codec == CodecH264 {
		cfg.ProfileGUID = ProfileH264HighGUID
	} else {
		cfg.ProfileGUID = ProfileHEVCMainGUID
	}
	cfg.IDRPeriod = cfg.GOPLength

	framerate := p.Framerate
	if framerate == 0 {
		framerate = 60
	}
	init := InitializeParams{
		Version:         PatchStructVersion(verInitializeParams, s.apiVersion.Encode()),
		EncodeGUID:      codecGUID,
		PresetGUID:      preset.GUID,
		TuningInfo:      preset.Tuning,
		Width:           p.Width,
		Height:          p.Height,
		DarWidth:        p.Width,
		DarHeight:       p.Height,
		FrameRateNum:    framerate,
		FrameRateDen:    1,
		EnablePTD:       true,
		MaxEncodeWidth:  p.Width,
		MaxEncodeHeight: p.Height,
		BufferFormat:    p.BufferFormat,
		EncodeConfig:    cfg,
	}

	if st := s.api.InitializeEncoder(s.encoder, &init); !st.OK() {
		err := statusErrorf("NvEncInitializeEncoder", st,
			"NvEncInitializeEncoder failed: %s (Codec=%s, Preset=%s, Profile=%s, Level=%s, API runtime=%s (0x%08x), API build=%s (0x%08x))",
			st, p.Codec, preset.name(), ProfileName(cfg.ProfileGUID), LevelName(cfg.Level),
			s.apiVersion, s.apiVersion.Encode(), BuildAPIVersion, BuildAPIVersion.Encode())
		s.logger.Error(err.Error(), zap.String("detail", s.runtimeDetail()))
		return s.fail(err)
	}

	s.encodeConfig = cfg
	s.initParams = init
	s.presetName = preset.name()
	s.params = p
	s.initialized = true
	s.logger.Info("Encoder initialised.", zap.String("parameters", p.DebugString()))
	return nil
}

// Reconfigure applies new rate control, GOP and size settings to a live
// encoder, forcing an IDR. QP bounds are not touched. Nothing is committed
// on failure.
func (s *Session) Reconfigure(p Parameters) error {
	s.lastError = ""
	if !s.initialized {
		s.logger.Warn("Cannot reconfigure NVENC session: encoder has not been initialised.")
		return s.fail(stateError("encoder has not been initialised"))
	}
	if p.Codec != s.codec {
		return s.fail(stateError("codec differs from the one the session was opened with"))
	}
	if s.api.ReconfigureEncoder == nil {
		return s.fail(missingExport("NvEncReconfigureEncoder"))
	}

	cfg := s.encodeConfig.Clone()
	applyRateControl(cfg, p)

	reinit := s.initParams
	reinit.Version = PatchStructVersion(verInitializeParams, s.apiVersion.Encode())
	reinit.Width = p.Width
	reinit.Height = p.Height
	reinit.DarWidth = p.Width
	reinit.DarHeight = p.Height
	reinit.MaxEncodeWidth = p.Width
	reinit.MaxEncodeHeight = p.Height
	reinit.EncodeConfig = cfg
	reinit.BufferFormat = s.initParams.BufferFormat

	params := ReconfigureParams{
		Version:      PatchStructVersion(verReconfigureParams, s.apiVersion.Encode()),
		ReInitParams: reinit,
		ResetEncoder: true,
		ForceIDR:     true,
	}
	if st := s.api.ReconfigureEncoder(s.encoder, &params); !st.OK() {
		s.logger.Error("NvEncReconfigureEncoder failed.", zap.Stringer("status", st), zap.String("detail", s.runtimeDetail()))
		return s.fail(statusErrorf("NvEncReconfigureEncoder", st, "NvEncReconfigureEncoder failed: %s", st))
	}

	s.encodeConfig = cfg
	s.initParams = reinit
	s.params = p
	s.logger.Debug("NVENC session reconfigured.", zap.String("parameters", p.DebugString()))
	return nil
}

// Flush drains queued pictures on runtimes that expose a flush entry point.
func (s *Session) Flush() {
	if !s.initialized || s.api.FlushEncoderQueue == nil {
		return
	}
	if st := s.api.FlushEncoderQueue(s.encoder); !st.OK() && st != StatusNeedMoreInput {
		s.logger.Warn("NvEncFlushEncoderQueue returned "+st.String(), zap.Stringer("status", st))
	}
}

// Destroy releases the encoder and resets the session to its empty state.
func (s *Session) Destroy() {
	if s.open && s.encoder != 0 && s.api != nil && s.api.DestroyEncoder != nil {
		if st := s.api.DestroyEncoder(s.encoder); !st.OK() {
			s.logger.Warn("NvEncDestroyEncoder returned "+st.String(), zap.Stringer("status", st))
		}
	}
	s.encoder = 0
	s.device = 0
	s.deviceType = 0
	s.api = nil
	s.open = false
	s.initialized = false
	s.encodeConfig = nil
	s.initParams = InitializeParams{}
	s.presetName = ""
	s.codec = CodecH264
	s.params = DefaultParameters()
	s.apiVersion = BuildAPIVersion
}

// SequenceParams returns the codec headers (SPS/PPS, plus VPS for HEVC).
func (s *Session) SequenceParams() ([]byte, error) {
	if !s.initialized || s.encoder == 0 {
		return nil, s.fail(stateError("encoder has not been initialised"))
	}
	if s.api.GetSequenceParams == nil {
		s.logger.Warn("NvEncGetSequenceParams is unavailable in this NVENC runtime.")
		return nil, s.fail(missingExport("NvEncGetSequenceParams"))
	}

	buf := make([]byte, 1024)
	size, st := s.api.GetSequenceParams(s.encoder, buf)
	if !st.OK() {
		s.logger.Warn("NvEncGetSequenceParams failed.", zap.Stringer("status", st))
		return nil, s.fail(statusErrorf("NvEncGetSequenceParams", st, "NvEncGetSequenceParams failed: %s", st))
	}
	if int(size) > len(buf) {
		buf = make([]byte, size)
		size, st = s.api.GetSequenceParams(s.encoder, buf)
		if !st.OK() {
			s.logger.Warn("NvEncGetSequenceParams failed on resized buffer.", zap.Stringer("status", st))
			return nil, s.fail(statusErrorf("NvEncGetSequenceParams", st, "NvEncGetSequenceParams failed on resized buffer: %s", st))
		}
		if int(size) > len(buf) {
			size = uint32(len(buf))
		}
	}
	if size == 0 {
		s.logger.Warn("NvEncGetSequenceParams returned an empty payload.")
		return nil, s.fail(newError(ErrUnavailable, "NvEncGetSequenceParams returned an empty payload"))
	}
	return buf[:size], nil
}

// IsOpen reports whether an encoder instance exists.
func (s *Session) IsOpen() bool { return s.open }

// IsInitialized reports whether Initialize has succeeded.
func (s *Session) IsInitialized() bool { return s.initialized }

// runtimeDetail asks the runtime why the last call on this session failed.
func (s *Session) runtimeDetail() string {
	if s.api == nil || s.api.GetLastErrorString == nil || s.encoder == 0 {
		return ""
	}
	return s.api.GetLastErrorString(s.encoder)
}

// LastError returns the message of the most recent failed operation.
func (s *Session) LastError() string { return s.lastError }

// APIVersion returns the negotiated API version.
func (s *Session) APIVersion() APIVersion { return s.apiVersion }

// Handle returns the runtime encoder handle.
func (s *Session) Handle() EncoderHandle { return s.encoder }

// Functions returns the session's function table, nil when closed.
func (s *Session) Functions() *API { return s.api }

// Codec returns the codec fixed at Open.
func (s *Session) Codec() Codec { return s.codec }

// Device returns the device handle and type the session was opened with.
func (s *Session) Device() (uintptr, DeviceType) { return s.device, s.deviceType }

// BufferFormat returns the input format the encoder was initialised with.
func (s *Session) BufferFormat() BufferFormat { return s.initParams.BufferFormat }

// CurrentParameters returns the last committed parameters.
func (s *Session) CurrentParameters() Parameters { return s.params }

// EncodeConfig returns a copy of the committed encode configuration.
func (s *Session) EncodeConfig() *EncodeConfig { return s.encodeConfig.Clone() }

// InitializeParams returns the committed initialisation parameters.
func (s *Session) InitializeParams() InitializeParams { return s.initParams }

// PresetName returns the preset the encoder was initialised with.
func (s *Session) PresetName() string { return s.presetName }
