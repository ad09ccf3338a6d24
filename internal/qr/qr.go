// Package qr renders pairing challenges. Terminal mode prints a scannable
// half-block code; image mode writes a PNG for headless deployments where
// the operator fetches the artifact out of band.
package qr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"

	. "github.com/nexus-assistant/wabridge/internal/logging"
)

// Modes selectable via NEXUS_BRIDGE_QR_MODE.
const (
	ModeTerminal = "terminal"
	ModeImage    = "image"
)

// Render displays or persists a pairing code and returns the artifact
// published over the boundary: the raw code in terminal mode, a file URL
// in image mode. imageDir is only used in image mode.
func Render(mode, code, imageDir string) (string, error) {
	switch mode {
	case ModeImage:
		return renderImage(code, imageDir)
	default:
		renderTerminal(code)
		return code, nil
	}
}

func renderTerminal(code string) {
	fmt.Println("Scan the QR code below with your WhatsApp app:")
	fmt.Println("  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Println()
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	fmt.Println()
}

func renderImage(code, imageDir string) (string, error) {
	dir := filepath.Join(imageDir, "qr")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create qr directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("pairing-%d.png", time.Now().UnixMilli()))
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return "", fmt.Errorf("failed to write qr image: %w", err)
	}

	L_info("qr: pairing image written", "path", path)
	return "file://" + path, nil
}
