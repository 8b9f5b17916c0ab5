// Package workenv locates and prepares the launcher's on-disk work
// environments: data and cache roots, extracted runtime trees and the
// locks and markers that guard them.
package workenv

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "kiln"

// GetDataRoot returns the directory holding instances and runtimes.
func GetDataRoot() string {
	if dataDir := os.Getenv("KILN_DATA_DIR"); dataDir != "" {
		return dataDir
	}

	switch runtime.GOOS {
	case "darwin":
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "Library", "Application Support", AppName)
		}
	case "linux", "freebsd":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, AppName)
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".local", "share", AppName)
		}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	}

	return filepath.Join(os.TempDir(), AppName, "data")
}

// GetCacheRoot returns the directory holding the content store and the
// cached version documents.
func GetCacheRoot() string {
	if cacheDir := os.Getenv("KILN_CACHE_DIR"); cacheDir != "" {
		return cacheDir
	}

	switch runtime.GOOS {
	case "darwin":
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "Library", "Caches", AppName)
		}
	case "linux", "freebsd":
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			return filepath.Join(xdgCache, AppName)
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".cache", AppName)
		}
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, AppName, "cache")
		}
	}

	return filepath.Join(os.TempDir(), AppName, "cache")
}

// CreateWorkenv creates path and the listed subdirectories.
func CreateWorkenv(path string, dirs []DirectorySpec) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create workenv: %w", err)
	}

	for _, dir := range dirs {
		dirPath := filepath.Join(path, dir.Path)
		mode := dir.Mode
		if mode == 0 {
			mode = 0755
		}

		if err := os.MkdirAll(dirPath, os.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir.Path, err)
		}
	}

	return nil
}

// DirectorySpec specifies a directory to create
type DirectorySpec struct {
	Path string
	Mode uint32
}
