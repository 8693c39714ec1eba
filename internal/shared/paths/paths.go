// Package paths provides standardized filesystem paths for consistent access across the backend.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvDataDir overrides the data directory.
const EnvDataDir = "SIMLAB_DATA_DIR"

// Memory is the SQLite in-memory database name; it is never resolved.
const Memory = ":memory:"

// File names under the data directory
const (
	QuotaDBName = "quota.db"
)

// DataDir returns the directory holding durable state: $SIMLAB_DATA_DIR,
// else <user config dir>/simlab, else <tmp>/simlab.
func DataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "simlab")
	}
	return filepath.Join(os.TempDir(), "simlab")
}

// QuotaDB returns the default quota database path.
func QuotaDB() string {
	return filepath.Join(DataDir(), QuotaDBName)
}

// Resolve places a relative path under DataDir. Empty, absolute and
// in-memory paths are returned unchanged; a leading ~ expands to the home
// directory.
func Resolve(path string) string {
	switch {
	case path == "" || path == Memory:
		return path
	case path == "~" || strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
		return path
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	default:
		return filepath.Join(DataDir(), path)
	}
}
