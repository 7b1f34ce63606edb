//go:build windows

package nvenc

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func dlOpen(path string) (uintptr, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_LIBRARY_SEARCH_DEFAULT_DIRS|windows.LOAD_LIBRARY_SEARCH_DLL_LOAD_DIR)
	if err != nil {
		// Bare module names are not absolute and are rejected by
		// LOAD_LIBRARY_SEARCH_DLL_LOAD_DIR; fall back to the default order.
		h, err = windows.LoadLibrary(path)
		if err != nil {
			return 0, fmt.Errorf("LoadLibrary %s: %w", path, err)
		}
	}
	return uintptr(h), nil
}

func dlSym(handle uintptr, name string) (uintptr, error) {
	return windows.GetProcAddress(windows.Handle(handle), name)
}

func dlClose(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}
