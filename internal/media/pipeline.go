// Package media retrieves inbound attachments under a size cap and keeps
// the on-disk store inside a retention window.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/nexus-assistant/wabridge/internal/config"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/paths"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

// Downloader retrieves the plaintext bytes of a media message. Satisfied by
// *whatsmeow.Client; faked in tests.
type Downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// Node is one attachment to retrieve, with the metadata declared on the wire.
type Node struct {
	Kind         string // "image" or "document"
	Msg          whatsmeow.DownloadableMessage
	MimeType     string
	FileName     string
	Caption      string
	DeclaredSize uint64
}

// Pipeline owns the media directory. One per process.
type Pipeline struct {
	root          string
	maxBytes      int64
	retention     time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	lastSweep time.Time

	// now is swapped out in tests.
	now func() time.Time
}

// New creates the pipeline and its root directory.
func New(cfg config.MediaConfig) (*Pipeline, error) {
	dir, err := paths.Expand(cfg.Dir)
	if err != nil {
		return nil, err
	}
	dir = filepath.Clean(dir)
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}

	p := &Pipeline{
		root:          dir,
		maxBytes:      cfg.MaxBytes,
		retention:     time.Duration(cfg.RetentionHours) * time.Hour,
		sweepInterval: time.Duration(cfg.SweepIntervalMin) * time.Minute,
		now:           time.Now,
	}

	L_info("media: pipeline initialized",
		"dir", dir,
		"maxBytes", p.maxBytes,
		"retention", p.retention.String(),
	)
	return p, nil
}

// Root returns the media root directory.
func (p *Pipeline) Root() string {
	return p.root
}

// Download retrieves one attachment and persists it. It always returns a
// descriptor: oversized nodes come back "skipped", transfer or disk trouble
// comes back "failed". It never returns an error to the caller.
func (p *Pipeline) Download(ctx context.Context, dl Downloader, chatID, messageID string, node Node) protocol.MediaItem {
	item := protocol.MediaItem{
		Type:     node.Kind,
		MimeType: node.MimeType,
		FileName: node.FileName,
		Caption:  node.Caption,
	}

	if p.maxBytes > 0 && node.DeclaredSize > uint64(p.maxBytes) {
		L_debug("media: declared size over cap, skipping",
			"messageID", messageID, "declared", node.DeclaredSize, "cap", p.maxBytes)
		item.Status = protocol.MediaSkipped
		item.Size = int64(node.DeclaredSize)
		return item
	}

	data, err := dl.Download(ctx, node.Msg)
	if err != nil {
		L_warn("media: download failed", "messageID", messageID, "error", err)
		item.Status = protocol.MediaFailed
		item.Error = err.Error()
		return item
	}

	// Senders can under-declare; re-check what actually arrived.
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		L_debug("media: actual size over cap, skipping",
			"messageID", messageID, "size", len(data), "cap", p.maxBytes)
		item.Status = protocol.MediaSkipped
		item.Size = int64(len(data))
		return item
	}

	path, err := p.persist(data, chatID, messageID, node)
	if err != nil {
		L_warn("media: persist failed", "messageID", messageID, "error", err)
		item.Status = protocol.MediaFailed
		item.Error = err.Error()
		return item
	}

	sum := sha256.Sum256(data)
	item.Status = protocol.MediaDownloaded
	item.Size = int64(len(data))
	item.Path = path
	item.Checksum = hex.EncodeToString(sum[:])

	L_debug("media: downloaded", "messageID", messageID, "path", path, "size", len(data))
	return item
}

// persist writes data under <root>/whatsapp/<chat>/<UTC date>/.
func (p *Pipeline) persist(data []byte, chatID, messageID string, node Node) (string, error) {
	now := p.now().UTC()
	dir := filepath.Join(p.root, "whatsapp", sanitizeName(chatID), now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	base := "file"
	ext := extFor(node.Kind, node.MimeType)
	if node.FileName != "" {
		if e := filepath.Ext(node.FileName); e != "" {
			ext = strings.ToLower(e)
			base = strings.TrimSuffix(node.FileName, e)
		} else {
			base = node.FileName
		}
	}

	name := fmt.Sprintf("%d-%s-%s%s", now.UnixMilli(), sanitizeName(messageID), sanitizeName(base), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return path, nil
}

// extFor maps a declared MIME type to an extension when the sender didn't
// supply a usable file name.
func extFor(kind, mime string) string {
	m := strings.ToLower(mime)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	switch {
	case m == "image/png":
		return ".png"
	case m == "image/jpeg":
		return ".jpg"
	case m == "image/webp":
		return ".webp"
	case m == "image/gif":
		return ".gif"
	case m == "application/pdf":
		return ".pdf"
	case m == "text/csv":
		return ".csv"
	case strings.Contains(m, "spreadsheet"):
		return ".xlsx"
	case strings.Contains(m, "word"):
		return ".docx"
	case m == "application/json":
		return ".json"
	case m == "text/plain":
		return ".txt"
	case kind == "image":
		return ".bin"
	default:
		return ".dat"
	}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeName makes a wire identifier safe for path use.
func sanitizeName(s string) string {
	safe := unsafeNameChars.ReplaceAllString(s, "_")
	safe = strings.Trim(safe, ".")
	if safe == "" {
		return "unknown"
	}
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return safe
}

// MaybeCleanup sweeps files older than the retention window. Calls inside
// the sweep interval are no-ops, so callers can invoke it as often as they
// like. All I/O errors are swallowed; the sweep is best effort.
func (p *Pipeline) MaybeCleanup() {
	p.mu.Lock()
	now := p.now()
	if !p.lastSweep.IsZero() && now.Sub(p.lastSweep) < p.sweepInterval {
		p.mu.Unlock()
		return
	}
	p.lastSweep = now
	p.mu.Unlock()

	cutoff := now.Add(-p.retention)
	removed := 0

	_ = filepath.Walk(p.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
				L_trace("media: removed expired file", "path", path)
			}
		}
		return nil
	})

	p.pruneEmptyDirs()

	if removed > 0 {
		L_debug("media: retention sweep completed", "removed", removed)
	}
}

// pruneEmptyDirs removes directories left empty by the sweep, deepest first.
func (p *Pipeline) pruneEmptyDirs() {
	var dirs []string
	_ = filepath.Walk(p.root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != p.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
}
