package nvenc

import (
	"os"
	"path/filepath"
	"runtime"
)

// Environment overrides consulted when no explicit path was configured.
const (
	EnvLibraryPath   = "NVENC_LIB_PATH"
	EnvSearchDirPath = "NVENC_SDK_LIB_PATH"
)

// DefaultLibraryName returns the runtime module name for this platform.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "nvEncodeAPI64.dll"
	case "linux":
		return "libnvidia-encode.so.1"
	default:
		return ""
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// resolveLibraryPath picks the module to open: explicit override, then the
// search directory, then the Windows system directory copy, then the bare
// name for the platform loader to find.
func resolveLibraryPath(override, searchDir, name string, exists func(string) bool) string {
	if override != "" {
		return override
	}
	if name == "" {
		return ""
	}
	if searchDir != "" {
		return filepath.Join(filepath.Clean(searchDir), name)
	}
	if runtime.GOOS == "windows" {
		if root := os.Getenv("SystemRoot"); root != "" {
			candidate := filepath.Join(root, "System32", name)
			if exists(candidate) {
				return candidate
			}
		}
	}
	return name
}

// ResolveLibraryOverridePath expands a directory override to the module
// inside it; file paths are returned unchanged.
func ResolveLibraryOverridePath(path string) string {
	if path == "" {
		return ""
	}
	if dirExists(path) {
		return filepath.Join(path, DefaultLibraryName())
	}
	return path
}

// bundledRuntimeSubdirs are probed below every base directory, in order.
func bundledRuntimeSubdirs() []string {
	platform := runtime.GOOS + "_" + runtime.GOARCH
	return []string{
		"",
		"lib",
		filepath.Join("..", "lib"),
		filepath.Join("third_party", "nvenc", platform),
		filepath.Join("third_party", "nvenc"),
	}
}

// FindBundledRuntimeDirectory looks for a runtime shipped next to the
// executable (or, during development, under the module root) and returns
// its directory, or "" if none is present.
func FindBundledRuntimeDirectory() string {
	name := DefaultLibraryName()
	if name == "" {
		return ""
	}
	var bases []string
	if exe, err := os.Executable(); err == nil {
		bases = append(bases, filepath.Dir(exe))
	}
	if root := findModuleRoot(); root != "" {
		bases = append(bases, root)
	}
	return findRuntimeIn(bases, name, fileExists)
}

func findRuntimeIn(bases []string, name string, exists func(string) bool) string {
	for _, base := range bases {
		for _, sub := range bundledRuntimeSubdirs() {
			dir := filepath.Clean(filepath.Join(base, sub))
			if exists(filepath.Join(dir, name)) {
				return dir
			}
		}
	}
	return ""
}
