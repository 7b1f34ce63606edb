package nvenc

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ProbeResult is the outcome of a full hardware probe. The failure reasons
// are empty when the matching feature is available.
type ProbeResult struct {
	DLLPresent      bool `yaml:"dll_present"`
	APIsReady       bool `yaml:"apis_ready"`
	SessionOpenable bool `yaml:"session_openable"`
	SupportsH264    bool `yaml:"supports_h264"`
	SupportsHEVC    bool `yaml:"supports_hevc"`
	SupportsNV12    bool `yaml:"supports_nv12"`
	SupportsP010    bool `yaml:"supports_p010"`
	SupportsBGRA    bool `yaml:"supports_bgra"`
	Supports10Bit   bool `yaml:"supports_10bit"`

	DLLFailureReason      string `yaml:"dll_failure_reason,omitempty"`
	APIFailureReason      string `yaml:"api_failure_reason,omitempty"`
	SessionFailureReason  string `yaml:"session_failure_reason,omitempty"`
	CodecFailureReason    string `yaml:"codec_failure_reason,omitempty"`
	NV12FailureReason     string `yaml:"nv12_failure_reason,omitempty"`
	P010FailureReason     string `yaml:"p010_failure_reason,omitempty"`
	BGRAFailureReason     string `yaml:"bgra_failure_reason,omitempty"`
	HardwareFailureReason string `yaml:"hardware_failure_reason,omitempty"`

	DriverVersion     string                 `yaml:"driver_version,omitempty"`
	AdapterName       string                 `yaml:"adapter_name,omitempty"`
	CodecCapabilities map[Codec]Capabilities `yaml:"codec_capabilities,omitempty"`
}

// HardwareAvailable reports whether the runtime loaded and a session opened.
func (r ProbeResult) HardwareAvailable() bool {
	return r.DLLPresent && r.APIsReady && r.SessionOpenable
}

// SupportsFormat reports whether a probe session accepted format.
func (r ProbeResult) SupportsFormat(format BufferFormat) bool {
	switch format {
	case BufferFormatNV12:
		return r.SupportsNV12
	case BufferFormatP010:
		return r.SupportsP010
	case BufferFormatBGRA:
		return r.SupportsBGRA
	default:
		return false
	}
}

// RuntimeStatus reports where the runtime is looked up.
type RuntimeStatus struct {
	RuntimeOverride string `yaml:"runtime_override"`
	BundledRuntime  string `yaml:"bundled_runtime"`
	SearchDirectory string `yaml:"search_directory"`
	LibraryOverride string `yaml:"library_override"`
	ResolvedLibrary string `yaml:"resolved_library"`
	LibraryExists   bool   `yaml:"library_exists"`
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func (s RuntimeStatus) String() string {
	missing := ""
	if !s.LibraryExists {
		missing = " (missing)"
	}
	return fmt.Sprintf("Runtime override: %s, bundled runtime: %s, active search dir: %s, DLL override: %s, resolved DLL: %s%s",
		orNone(s.RuntimeOverride), orNone(s.BundledRuntime), orNone(s.SearchDirectory),
		orNone(s.LibraryOverride), orNone(s.ResolvedLibrary), missing)
}

// DriverInfo describes the installed NVIDIA driver.
type DriverInfo struct {
	DriverVersion string
	AdapterName   string
}

// probeSize is the throwaway session geometry used by the probe.
const (
	probeWidth   = 256
	probeHeight  = 144
	probeFPS     = 60
	probeBitrate = 5_000_000
	probeMaxRate = 10_000_000
	probeGOP     = 60
)

// HardwareProbe runs and caches the full hardware probe and owns the
// runtime path overrides that feed it.
type HardwareProbe struct {
	runMu      sync.Mutex
	mu         sync.Mutex
	logger     *zap.Logger
	loader     *Loader
	caps       *CapabilityCache
	newDevice  ProbeDeviceFactory
	driverInfo func() (DriverInfo, error)
	exists     func(string) bool

	runtimeDirOverride string
	libraryOverride    string

	result ProbeResult
	valid  bool
}

// HardwareProbeOption configures a HardwareProbe.
type HardwareProbeOption func(*HardwareProbe)

// WithHardwareProbeLogger sets the logger.
func WithHardwareProbeLogger(logger *zap.Logger) HardwareProbeOption {
	return func(p *HardwareProbe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHardwareProbeLoader sets the runtime loader.
func WithHardwareProbeLoader(loader *Loader) HardwareProbeOption {
	return func(p *HardwareProbe) {
		if loader != nil {
			p.loader = loader
		}
	}
}

// WithCapabilityCache sets the per-codec capability cache.
func WithCapabilityCache(caps *CapabilityCache) HardwareProbeOption {
	return func(p *HardwareProbe) {
		if caps != nil {
			p.caps = caps
		}
	}
}

// WithProbeDeviceFactory sets how throwaway probe devices are created.
func WithProbeDeviceFactory(f ProbeDeviceFactory) HardwareProbeOption {
	return func(p *HardwareProbe) {
		if f != nil {
			p.newDevice = f
		}
	}
}

// WithDriverInfo replaces the driver query.
func WithDriverInfo(f func() (DriverInfo, error)) HardwareProbeOption {
	return func(p *HardwareProbe) {
		if f != nil {
			p.driverInfo = f
		}
	}
}

// NewHardwareProbe creates a probe. Without options it uses the default
// loader and capability cache.
func NewHardwareProbe(opts ...HardwareProbeOption) *HardwareProbe {
	p := &HardwareProbe{
		logger:     zap.NewNop(),
		newDevice:  newProbeDevice,
		driverInfo: QueryDriverInfo,
		exists:     fileExists,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("probe")
	switch {
	case p.caps != nil:
	case p.loader == nil:
		p.caps = DefaultCapabilityCache()
	default:
		p.caps = NewCapabilityCache(WithCapsLogger(p.logger),
			WithProber(newSessionProber(p.loader, p.newDevice, p.logger).probe))
	}
	if p.loader == nil {
		p.loader = DefaultLoader()
	}
	return p
}

var (
	defaultProbeOnce sync.Once
	defaultProbe     *HardwareProbe
)

// DefaultHardwareProbe returns the process probe.
func DefaultHardwareProbe() *HardwareProbe {
	defaultProbeOnce.Do(func() {
		defaultProbe = NewHardwareProbe()
	})
	return defaultProbe
}

// Loader returns the loader the probe configures.
func (p *HardwareProbe) Loader() *Loader { return p.loader }

// Capabilities returns the per-codec capability cache.
func (p *HardwareProbe) Capabilities() *CapabilityCache { return p.caps }

// SetRuntimeDirectoryOverride points runtime lookup at dir and drops all
// cached results.
func (p *HardwareProbe) SetRuntimeDirectoryOverride(dir string) {
	p.mu.Lock()
	p.runtimeDirOverride = dir
	p.mu.Unlock()
	p.Invalidate()
}

// SetLibraryOverridePath forces a specific runtime library and drops all
// cached results. A directory gets the default library name appended.
func (p *HardwareProbe) SetLibraryOverridePath(path string) {
	p.mu.Lock()
	p.libraryOverride = path
	p.mu.Unlock()
	p.Invalidate()
}

// Invalidate forgets the cached probe and capability results. A failed
// runtime load is forgotten too so new overrides take effect.
func (p *HardwareProbe) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.result = ProbeResult{}
	p.mu.Unlock()
	p.caps.InvalidateCache()
	if !p.loader.IsLoaded() {
		p.loader.Unload()
	}
}

func (p *HardwareProbe) overrides() (runtimeDir, library string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtimeDirOverride, p.libraryOverride
}

// resolvedRuntimeDirectory returns the runtime directory override; an
// override naming a file resolves to its directory.
func resolvedRuntimeDirectory(dir string) string {
	if dir == "" {
		return ""
	}
	if fileExists(dir) {
		return filepath.Dir(dir)
	}
	return dir
}

// ApplyRuntimeOverrides pushes the configured overrides, or the bundled
// runtime directory, into the loader.
func (p *HardwareProbe) ApplyRuntimeOverrides() {
	runtimeDir, library := p.overrides()
	searchDir := resolvedRuntimeDirectory(runtimeDir)
	if searchDir == "" {
		searchDir = FindBundledRuntimeDirectory()
	}
	if searchDir != "" {
		p.loader.SetSearchDirectory(searchDir)
	}
	if library != "" {
		p.loader.SetOverridePath(ResolveLibraryOverridePath(library))
	}
}

// RuntimeStatus reports the current runtime lookup configuration.
func (p *HardwareProbe) RuntimeStatus() RuntimeStatus {
	runtimeDir, library := p.overrides()
	resolved := p.loader.ResolvedPath()
	return RuntimeStatus{
		RuntimeOverride: resolvedRuntimeDirectory(runtimeDir),
		BundledRuntime:  FindBundledRuntimeDirectory(),
		SearchDirectory: p.loader.SearchDirectory(),
		LibraryOverride: ResolveLibraryOverridePath(library),
		ResolvedLibrary: resolved,
		LibraryExists:   p.exists(resolved),
	}
}

// LogRuntimeStatus applies the overrides and logs the lookup configuration.
func (p *HardwareProbe) LogRuntimeStatus() RuntimeStatus {
	p.ApplyRuntimeOverrides()
	status := p.RuntimeStatus()
	p.logger.Info("NVENC runtime configuration. " + status.String())
	if !status.LibraryExists {
		p.logger.Warn("Resolved NVENC runtime path does not exist. The encoder will be unavailable until the DLL is provided.",
			zap.String("path", status.ResolvedLibrary))
	}
	return status
}

// Result returns the cached probe, running it first if needed.
func (p *HardwareProbe) Result() ProbeResult {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	if p.valid {
		r := p.result
		p.mu.Unlock()
		return r
	}
	p.mu.Unlock()

	r := p.run()

	p.mu.Lock()
	p.result = r
	p.valid = true
	p.mu.Unlock()
	return r
}

// IsAvailable reports whether hardware encoding can be used.
func (p *HardwareProbe) IsAvailable() bool {
	return p.Result().HardwareAvailable()
}

// SupportsColorFormat reports whether the probe confirmed format.
func (p *HardwareProbe) SupportsColorFormat(format BufferFormat) bool {
	return p.Result().SupportsFormat(format)
}

func (p *HardwareProbe) run() ProbeResult {
	p.ApplyRuntimeOverrides()
	var r ProbeResult

	if info, err := p.driverInfo(); err == nil {
		r.DriverVersion = info.DriverVersion
		r.AdapterName = info.AdapterName
		p.logger.Info("NVIDIA driver detected.", zap.String("driver", info.DriverVersion), zap.String("adapter", info.AdapterName))
	} else {
		p.logger.Debug("NVENC probe could not determine NVIDIA driver version via NVML.", zap.Error(err))
	}

	status := p.RuntimeStatus()
	p.logger.Info("NVENC probe starting. " + status.String())
	if !status.LibraryExists {
		p.logger.Warn("Resolved NVENC runtime path does not exist. The encoder will be unavailable until the DLL is provided.",
			zap.String("path", status.ResolvedLibrary))
	}

	if err := p.loader.Load(); err != nil {
		if !errors.Is(err, ErrMissingExport) {
			r.DLLFailureReason = "Unable to load nvEncodeAPI runtime."
			p.logger.Warn("NVENC probe failed to load runtime: "+r.DLLFailureReason, zap.Error(err))
			return r
		}
		r.DLLPresent = true
		r.APIFailureReason = "Failed to resolve NVENC exports."
		p.logger.Warn("NVENC probe failed to resolve exports: "+r.APIFailureReason, zap.Error(err))
		return r
	}
	r.DLLPresent = true
	r.APIsReady = true
	p.logger.Info("NVENC probe loaded runtime module and resolved exports.")

	r.CodecCapabilities = make(map[Codec]Capabilities, len(Codecs))
	for _, codec := range Codecs {
		caps, ok := p.caps.Query(codec)
		r.CodecCapabilities[codec] = caps
		if ok {
			p.logger.Info("NVENC runtime capabilities.", zap.Stringer("codec", codec), zap.String("caps", caps.DebugString()))
			if codec == CodecHEVC {
				r.Supports10Bit = caps.Supports10Bit
			}
			continue
		}
		p.logger.Debug("NVENC capability probe reported codec as unsupported.", zap.Stringer("codec", codec), zap.Error(p.caps.Err()))
		switch {
		case codec == CodecHEVC && r.CodecFailureReason == "":
			r.CodecFailureReason = "NVENC runtime reported HEVC as unavailable."
		case codec == CodecH264 && r.SessionFailureReason == "":
			r.SessionFailureReason = "NVENC runtime reported H.264 as unavailable."
		}
	}

	if err := p.trySession(CodecH264, BufferFormatNV12); err != nil {
		r.SessionFailureReason = err.Error()
		r.NV12FailureReason = r.SessionFailureReason
		r.HardwareFailureReason = r.SessionFailureReason
		p.logger.Warn("NVENC probe could not open a session: " + r.SessionFailureReason)
		return r
	}
	r.SessionOpenable = true
	r.SupportsH264 = true
	r.SupportsNV12 = true
	r.SessionFailureReason = ""
	p.logger.Info("NVENC probe opened H.264/NV12 session successfully.")

	if err := p.trySession(CodecH264, BufferFormatBGRA); err != nil {
		r.BGRAFailureReason = err.Error()
		p.logger.Debug("NVENC probe BGRA session failed: " + r.BGRAFailureReason)
	} else {
		r.SupportsBGRA = true
		p.logger.Info("NVENC probe verified BGRA upload support.")
	}

	if err := p.trySession(CodecHEVC, BufferFormatNV12); err != nil {
		r.CodecFailureReason = err.Error()
		p.logger.Debug("NVENC probe HEVC session failed: " + r.CodecFailureReason)
	} else {
		r.SupportsHEVC = true
		r.CodecFailureReason = ""
		p.logger.Info("NVENC probe verified HEVC/NV12 support.")
	}

	if err := p.trySession(CodecHEVC, BufferFormatP010); err != nil {
		r.P010FailureReason = err.Error()
		p.logger.Debug("NVENC probe P010 session failed: " + r.P010FailureReason)
	} else {
		r.SupportsP010 = true
		p.logger.Info("NVENC probe verified HEVC/P010 support.")
	}

	r.Supports10Bit = r.Supports10Bit && r.SupportsP010
	p.logger.Info(fmt.Sprintf("NVENC probe completed. HEVC:%s NV12:%s P010:%s BGRA:%s 10bit:%s",
		yesNo(r.SupportsHEVC), yesNo(r.SupportsNV12), yesNo(r.SupportsP010), yesNo(r.SupportsBGRA), yesNo(r.Supports10Bit)))
	return r
}

// probeReason prefers the session's own error message over fallback.
func probeReason(s *Session, fallback string) error {
	if msg := s.LastError(); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

// trySession opens, initialises and allocates a bitstream for a tiny
// session on a throwaway device.
func (p *HardwareProbe) trySession(codec Codec, format BufferFormat) error {
	dev, err := p.newDevice()
	if err != nil {
		return fmt.Errorf("Unable to create a device for NVENC probe: %w", err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			p.logger.Warn("Failed to release NVENC probe device.", zap.Error(cerr))
		}
	}()

	session := NewSession(WithSessionLoader(p.loader), WithSessionLogger(p.logger))
	defer session.Destroy()

	if err := session.Open(codec, dev.Handle(), dev.Type()); err != nil {
		return probeReason(session, "Unable to open NVENC session for probe.")
	}
	if err := session.ValidatePresetConfiguration(codec, true); err != nil {
		return probeReason(session, "Failed to validate NVENC preset configuration during probe.")
	}

	params := DefaultParameters()
	params.Codec = codec
	params.BufferFormat = format
	params.Width = probeWidth
	params.Height = probeHeight
	params.Framerate = probeFPS
	params.TargetBitrate = probeBitrate
	params.MaxBitrate = probeMaxRate
	params.GOPLength = probeGOP
	params.RateControlMode = RateControlCBR
	params.MultipassMode = MultipassDisabled
	if err := session.Initialize(params); err != nil {
		return probeReason(session, "Failed to initialise NVENC session during probe.")
	}

	bitstream := NewBitstream(p.logger)
	defer bitstream.Release()
	if err := bitstream.Initialize(session, 0); err != nil {
		return errors.New("Failed to allocate NVENC bitstream during probe.")
	}
	return nil
}

// SupportsZeroCopy reports whether GPU textures can be handed to the
// encoder without a copy on this platform.
func SupportsZeroCopy() bool {
	return runtime.GOOS == "windows"
}

// IsAvailable reports whether the default probe found usable hardware.
func IsAvailable() bool { return DefaultHardwareProbe().IsAvailable() }

// QueryHardwareCapabilities returns the default probe result.
func QueryHardwareCapabilities() ProbeResult { return DefaultHardwareProbe().Result() }

// SupportsColorFormat reports whether the default probe confirmed format.
func SupportsColorFormat(format BufferFormat) bool {
	return DefaultHardwareProbe().SupportsColorFormat(format)
}

// SetRuntimeDirectoryOverride sets the runtime directory on the default probe.
func SetRuntimeDirectoryOverride(dir string) { DefaultHardwareProbe().SetRuntimeDirectoryOverride(dir) }

// SetLibraryOverridePath sets the runtime library on the default probe.
func SetLibraryOverridePath(path string) { DefaultHardwareProbe().SetLibraryOverridePath(path) }

// InvalidateCachedCapabilities drops the default probe and capability caches.
func InvalidateCachedCapabilities() { DefaultHardwareProbe().Invalidate() }

// LogRuntimeStatus logs the default runtime lookup configuration.
func LogRuntimeStatus() RuntimeStatus { return DefaultHardwareProbe().LogRuntimeStatus() }
