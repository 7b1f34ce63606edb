package nvenc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capabilities describes what the hardware encoder supports for one codec.
type Capabilities struct {
	Supports10Bit                bool   `yaml:"supports_10bit"`
	SupportsBFrames              bool   `yaml:"supports_bframes"`
	SupportsYUV444               bool   `yaml:"supports_yuv444"`
	SupportsLookahead            bool   `yaml:"supports_lookahead"`
	SupportsAdaptiveQuantization bool   `yaml:"supports_adaptive_quantization"`
	MaxWidth                     uint32 `yaml:"max_width"`
	MaxHeight                    uint32 `yaml:"max_height"`
}

// DebugString renders c on one line for logs.
func (c Capabilities) DebugString() string {
	return fmt.Sprintf("10bit=%s BFrames=%s YUV444=%s Lookahead=%s AQ=%s MaxResolution=%dx%d",
		yesNo(c.Supports10Bit), yesNo(c.SupportsBFrames), yesNo(c.SupportsYUV444),
		yesNo(c.SupportsLookahead), yesNo(c.SupportsAdaptiveQuantization), c.MaxWidth, c.MaxHeight)
}

// CodecProber probes one codec. An error means the codec is unsupported.
type CodecProber func(codec Codec) (Capabilities, error)

const (
	defaultProbeTimeout = 2500 * time.Millisecond
	probePollInterval   = time.Millisecond
)

type capsEntry struct {
	valid     bool
	supported bool
	caps      Capabilities
}

// CapabilityCache runs the capability probe once per generation and serves
// the results to any goroutine.
type CapabilityCache struct {
	mu        sync.Mutex
	probe     CodecProber
	codecs    []Codec
	timeout   time.Duration
	logger    *zap.Logger
	attempted bool
	finished  bool
	succeeded bool
	err       error
	gen       uint64
	table     map[Codec]capsEntry
}

// CapabilityCacheOption configures a CapabilityCache.
type CapabilityCacheOption func(*CapabilityCache)

// WithCapsLogger sets the logger.
func WithCapsLogger(logger *zap.Logger) CapabilityCacheOption {
	return func(c *CapabilityCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProber replaces the per-codec probe.
func WithProber(probe CodecProber) CapabilityCacheOption {
	return func(c *CapabilityCache) { c.probe = probe }
}

// WithProbeTimeout bounds how long callers wait for a probe generation.
func WithProbeTimeout(d time.Duration) CapabilityCacheOption {
	return func(c *CapabilityCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCapabilityCache creates a cache. Without WithProber it probes real
// hardware through the default loader.
func NewCapabilityCache(opts ...CapabilityCacheOption) *CapabilityCache {
	c := &CapabilityCache{
		codecs:  Codecs,
		timeout: defaultProbeTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("caps")
	if c.probe == nil {
		c.probe = newSessionProber(DefaultLoader(), newProbeDevice, c.logger).probe
	}
	return c
}

var (
	defaultCapsOnce sync.Once
	defaultCaps     *CapabilityCache
)

// DefaultCapabilityCache returns the process cache.
func DefaultCapabilityCache() *CapabilityCache {
	defaultCapsOnce.Do(func() {
		defaultCaps = NewCapabilityCache()
	})
	return defaultCaps
}

type probeResult struct {
	table     map[Codec]capsEntry
	succeeded bool
}

func (c *CapabilityCache) runProbe() probeResult {
	res := probeResult{table: make(map[Codec]capsEntry, len(c.codecs))}
	for _, codec := range c.codecs {
		caps, err := c.probe(codec)
		entry := capsEntry{valid: true, supported: err == nil}
		if err == nil {
			entry.caps = caps
			res.succeeded = true
			c.logger.Debug("Queried NVENC caps.", zap.Stringer("codec", codec), zap.String("caps", caps.DebugString()))
		} else {
			c.logger.Debug("NVENC capability query failed.", zap.Stringer("codec", codec), zap.Error(err))
		}
		res.table[codec] = entry
	}
	return res
}

// EnsureCapabilityCache runs the probe if no generation has been attempted
// and returns once the current generation has finished or timed out. A
// generation invalidated mid-probe is abandoned and the waiting callers
// start the next one.
func (c *CapabilityCache) EnsureCapabilityCache() {
	for {
		c.mu.Lock()
		if !c.attempted {
			c.attempted = true
			c.gen++
			gen := c.gen
			c.mu.Unlock()
			c.probeAndPublish(gen)
			continue
		}
		done := c.finished
		c.mu.Unlock()
		if done {
			return
		}
		time.Sleep(probePollInterval)
	}
}

func (c *CapabilityCache) probeAndPublish(gen uint64) {
	done := make(chan probeResult, 1)
	go func() { done <- c.runProbe() }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		c.mu.Lock()
		if c.gen == gen {
			c.table = res.table
			c.succeeded = res.succeeded
			c.err = nil
			c.finished = true
		}
		c.mu.Unlock()
	case <-timer.C:
		c.mu.Lock()
		if c.gen == gen {
			c.table = nil
			c.succeeded = false
			c.err = fmt.Errorf("%w after %dms", ErrProbeTimeout, c.timeout.Milliseconds())
			c.finished = true
			// Any result still in flight belongs to a dead generation.
			c.gen++
		}
		c.mu.Unlock()
		c.logger.Warn(fmt.Sprintf("NVENC capability probe timed out after %dms.", c.timeout.Milliseconds()))
	}
}

// Query returns the cached capabilities for codec and whether it is supported.
func (c *CapabilityCache) Query(codec Codec) (Capabilities, bool) {
	c.EnsureCapabilityCache()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.table[codec]
	if !ok || !entry.valid || !entry.supported {
		return Capabilities{}, false
	}
	return entry.caps, true
}

// IsCodecSupported reports whether codec probed successfully.
func (c *CapabilityCache) IsCodecSupported(codec Codec) bool {
	_, ok := c.Query(codec)
	return ok
}

// CachedCapabilities returns the capabilities for codec, or the zero value.
func (c *CapabilityCache) CachedCapabilities(codec Codec) Capabilities {
	caps, _ := c.Query(codec)
	return caps
}

// Succeeded reports whether the last finished probe found any supported codec.
func (c *CapabilityCache) Succeeded() bool {
	c.EnsureCapabilityCache()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded
}

// Err returns ErrProbeTimeout when the last generation timed out.
func (c *CapabilityCache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InvalidateCache forgets all results; the next query probes again.
func (c *CapabilityCache) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = nil
	c.err = nil
	c.attempted = false
	c.finished = false
	c.succeeded = false
	c.gen++
}

// ProbeDevice is a throwaway device an encoder session can be opened on.
type ProbeDevice interface {
	Handle() uintptr
	Type() DeviceType
	Close() error
}

// ProbeDeviceFactory creates a probe device.
type ProbeDeviceFactory func() (ProbeDevice, error)

// sessionProber opens a session per codec on a fresh device and reads the
// encoder caps.
type sessionProber struct {
	loader    *Loader
	newDevice ProbeDeviceFactory
	logger    *zap.Logger
}

func newSessionProber(loader *Loader, newDevice ProbeDeviceFactory, logger *zap.Logger) *sessionProber {
	return &sessionProber{loader: loader, newDevice: newDevice, logger: logger}
}

func (p *sessionProber) probe(codec Codec) (Capabilities, error) {
	if err := p.loader.Load(); err != nil {
		return Capabilities{}, err
	}
	dev, err := p.newDevice()
	if err != nil {
		p.logger.Warn("Unable to create a device for NVENC capability query.", zap.Error(err))
		return Capabilities{}, err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			p.logger.Warn("Failed to release NVENC probe device.", zap.Error(cerr))
		}
	}()

	session := NewSession(WithSessionLoader(p.loader), WithSessionLogger(p.logger))
	defer session.Destroy()

	if err := session.Open(codec, dev.Handle(), dev.Type()); err != nil {
		p.logger.Warn("NVENC capability query failed: unable to open session.", zap.Stringer("codec", codec), zap.Error(err))
		return Capabilities{}, err
	}
	if err := session.ValidatePresetConfiguration(codec, true); err != nil {
		p.logger.Warn("NVENC capability query failed: preset validation unsuccessful.", zap.Stringer("codec", codec), zap.Error(err))
		return Capabilities{}, err
	}
	return queryCaps(session, codec, p.logger)
}

// queryCaps reads the capability set of an open session. Individual query
// failures default to zero.
func queryCaps(s *Session, codec Codec, logger *zap.Logger) (Capabilities, error) {
	api := s.Functions()
	if api == nil || api.GetEncodeCaps == nil {
		return Capabilities{}, missingExport("NvEncGetEncodeCaps")
	}
	guid := codec.GUID()
	query := func(param CapsParam) int32 {
		v, st := api.GetEncodeCaps(s.Handle(), guid, param)
		if !st.OK() {
			logger.Debug("NvEncGetEncodeCaps failed.", zap.Int("param", int(param)), zap.Stringer("status", st))
			return 0
		}
		return v
	}
	dim := func(param CapsParam) uint32 {
		if v := query(param); v > 0 {
			return uint32(v)
		}
		return 0
	}
	return Capabilities{
		Supports10Bit:                query(CapsSupport10BitEncode) != 0,
		SupportsBFrames:              query(CapsNumMaxBFrames) > 0,
		SupportsYUV444:               query(CapsSupportYUV444Encode) != 0,
		SupportsLookahead:            query(CapsSupportLookahead) != 0,
		SupportsAdaptiveQuantization: query(CapsSupportTemporalAQ) != 0,
		MaxWidth:                     dim(CapsWidthMax),
		MaxHeight:                    dim(CapsHeightMax),
	}, nil
}
