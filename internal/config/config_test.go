package config

import (
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	t.Setenv("NEXUS_BRIDGE_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:8765" {
		t.Errorf("unexpected default addr: %s", cfg.Server.Addr())
	}
	if cfg.PairingTimeoutMs != 30000 {
		t.Errorf("unexpected pairing timeout: %d", cfg.PairingTimeoutMs)
	}
	if cfg.ReconnectDelayMs != 5000 {
		t.Errorf("unexpected reconnect delay: %d", cfg.ReconnectDelayMs)
	}
	if cfg.Media.MaxBytes != 50*1024*1024 {
		t.Errorf("unexpected media cap: %d", cfg.Media.MaxBytes)
	}
	if cfg.Media.RetentionHours != 168 {
		t.Errorf("unexpected retention: %d", cfg.Media.RetentionHours)
	}
	if cfg.Media.Dir == "" {
		t.Error("media dir should default under the bridge dir")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NEXUS_BRIDGE_DIR", t.TempDir())
	t.Setenv("NEXUS_BRIDGE_PORT", "9100")
	t.Setenv("NEXUS_BRIDGE_SHARED_SECRET", "hunter2")
	t.Setenv("NEXUS_BRIDGE_MEDIA_MAX_BYTES", "1024")
	t.Setenv("NEXUS_BRIDGE_EXIT_AFTER_CONNECT", "true")
	t.Setenv("NEXUS_BRIDGE_QR_MODE", "image")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port override not applied: %d", cfg.Server.Port)
	}
	if cfg.Server.SharedSecret != "hunter2" {
		t.Errorf("secret override not applied")
	}
	if cfg.Media.MaxBytes != 1024 {
		t.Errorf("media cap override not applied: %d", cfg.Media.MaxBytes)
	}
	if !cfg.ExitAfterConnect {
		t.Error("exit-after-connect override not applied")
	}
	if cfg.QRMode != "image" {
		t.Errorf("qr mode override not applied: %s", cfg.QRMode)
	}
}

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NEXUS_BRIDGE_DIR", dir)

	path, err := InitConfig()
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("config written outside bridge dir: %s", path)
	}

	// Second init must refuse to clobber the existing file.
	if _, err := InitConfig(); err == nil {
		t.Error("expected error when config already exists")
	}
}
