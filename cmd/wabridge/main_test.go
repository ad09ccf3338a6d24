package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/nexus-assistant/wabridge/internal/config"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestUsageListsCommands(t *testing.T) {
	out := captureStdout(t, usage)
	for _, cmd := range []string{"init", "link", "unlink", "status", "version"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("usage output missing %q", cmd)
		}
	}
}

func TestInitWritesConfigAndReportsPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NEXUS_BRIDGE_DIR", dir)

	path, err := config.InitConfig()
	if err != nil {
		t.Fatal(err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("reported path %s not written: %v", path, statErr)
	}

	// A second init must refuse and name the existing file.
	if _, err := config.InitConfig(); err == nil {
		t.Error("expected error when config already exists")
	}
}
