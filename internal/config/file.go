package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nexus-assistant/wabridge/internal/paths"
)

// AtomicWriteJSON marshals data as JSON and writes it atomically.
// Uses temp file + rename pattern for crash safety.
func AtomicWriteJSON(path string, data interface{}, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return AtomicWrite(path, jsonData, perm)
}

// AtomicWrite writes data to path atomically using temp file + rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Save writes the config to the default location. Used by 'wabridge init'
// to seed a file the operator can edit.
func (c *Config) Save() (string, error) {
	path, err := paths.DefaultConfigPath()
	if err != nil {
		return "", err
	}
	if err := AtomicWriteJSON(path, c, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfig writes a default config file if none exists yet.
func InitConfig() (string, error) {
	existing, err := paths.ConfigPath()
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, fmt.Errorf("config already exists at %s", existing)
	}
	return defaults().Save()
}
