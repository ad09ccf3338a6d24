// Package paths provides centralized path resolution for the bridge.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BaseDir returns the bridge session directory (~/.nexus/bridge).
// NEXUS_BRIDGE_DIR overrides it, which keeps multiple paired accounts
// apart (one bridge process per session directory).
func BaseDir() (string, error) {
	if dir := os.Getenv("NEXUS_BRIDGE_DIR"); dir != "" {
		return Expand(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".nexus", "bridge"), nil
}

// DataPath returns a path within the bridge session directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active bridge.json path.
// Priority: ./bridge.json (current dir) > <base>/bridge.json
// Returns ("", nil) if no config file exists - env-only setups are valid.
func ConfigPath() (string, error) {
	localPath := "bridge.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath("bridge.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs.
func DefaultConfigPath() (string, error) {
	return DataPath("bridge.json")
}

// Expand resolves a leading ~ to the user's home directory.
func Expand(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// EnsureDir creates a directory (and parents) with restricted permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
