package nvenc

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// OpenFunc opens a runtime module by path.
type OpenFunc func(path string) (*Library, error)

// Loader owns the process-wide runtime module. Load is idempotent; a failed
// attempt is remembered and not retried until Unload.
type Loader struct {
	mu           sync.Mutex
	open         OpenFunc
	logger       *zap.Logger
	overridePath string
	searchDir    string

	lib       *Library
	attempted bool
	loadErr   error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithOpenFunc replaces the platform module opener.
func WithOpenFunc(open OpenFunc) LoaderOption {
	return func(l *Loader) { l.open = open }
}

// WithOverridePath sets an explicit module path.
func WithOverridePath(path string) LoaderOption {
	return func(l *Loader) { l.overridePath = path }
}

// WithSearchDirectory sets the directory searched for the default module name.
func WithSearchDirectory(dir string) LoaderOption {
	return func(l *Loader) { l.searchDir = dir }
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		open:   openRuntimeLibrary,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("loader")
	return l
}

var (
	defaultLoaderOnce sync.Once
	defaultLoader     *Loader
)

// DefaultLoader returns the lazily created process loader.
func DefaultLoader() *Loader {
	defaultLoaderOnce.Do(func() {
		defaultLoader = NewLoader()
	})
	return defaultLoader
}

// SetOverridePath changes the explicit module path used by the next load.
func (l *Loader) SetOverridePath(path string) {
	l.mu.Lock()
	l.overridePath = path
	l.mu.Unlock()
}

// SetSearchDirectory changes the search directory used by the next load.
func (l *Loader) SetSearchDirectory(dir string) {
	l.mu.Lock()
	l.searchDir = dir
	l.mu.Unlock()
}

// OverridePath returns the configured override, falling back to NVENC_LIB_PATH.
func (l *Loader) OverridePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overrideLocked()
}

// SearchDirectory returns the configured directory, falling back to NVENC_SDK_LIB_PATH.
func (l *Loader) SearchDirectory() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.searchDirLocked()
}

func (l *Loader) overrideLocked() string {
	if l.overridePath != "" {
		return l.overridePath
	}
	return os.Getenv(EnvLibraryPath)
}

func (l *Loader) searchDirLocked() string {
	if l.searchDir != "" {
		return l.searchDir
	}
	return os.Getenv(EnvSearchDirPath)
}

// ResolvedPath returns the module path the next (or last) load uses.
func (l *Loader) ResolvedPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return resolveLibraryPath(l.overrideLocked(), l.searchDirLocked(), DefaultLibraryName(), fileExists)
}

// Load opens the runtime and resolves its entry points.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lib != nil {
		return nil
	}
	if l.attempted {
		return l.loadErr
	}
	l.attempted = true

	path := resolveLibraryPath(l.overrideLocked(), l.searchDirLocked(), DefaultLibraryName(), fileExists)
	if path == "" {
		l.loadErr = fmt.Errorf("%w: unable to determine NVENC runtime path", ErrUnavailable)
		l.logger.Warn("Unable to determine NVENC runtime path.")
		return l.loadErr
	}

	lib, err := l.open(path)
	if err != nil {
		l.loadErr = fmt.Errorf("%w: unable to load NVENC runtime module '%s': %w", ErrUnavailable, path, err)
		l.logger.Warn("Failed to load NVENC runtime module.", zap.String("path", path), zap.Error(err))
		return l.loadErr
	}
	if lib == nil || lib.CreateInstance == nil {
		if lib != nil {
			if cerr := lib.Close(); cerr != nil {
				l.logger.Warn("Failed to close NVENC runtime module.", zap.Error(cerr))
			}
		}
		l.loadErr = missingExport("NvEncodeAPICreateInstance")
		l.logger.Error("NVENC runtime is missing required exports.", zap.String("path", path))
		return l.loadErr
	}

	l.lib = lib
	l.loadErr = nil
	l.logger.Debug("Loaded NVENC runtime.", zap.String("path", path),
		zap.Bool("max_version_export", lib.GetMaxSupportedVersion != nil))
	return nil
}

// Unload releases the module and clears any remembered failure.
func (l *Loader) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lib != nil {
		if err := l.lib.Close(); err != nil {
			l.logger.Warn("Failed to release NVENC runtime module.", zap.Error(err))
		}
	}
	l.lib = nil
	l.attempted = false
	l.loadErr = nil
}

// IsLoaded reports whether the module is open.
func (l *Loader) IsLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lib != nil
}

// Library returns the loaded module, or nil.
func (l *Loader) Library() *Library {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lib
}
