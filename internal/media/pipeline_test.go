package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/nexus-assistant/wabridge/internal/config"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return f.data, f.err
}

func newTestPipeline(t *testing.T, maxBytes int64) *Pipeline {
	t.Helper()
	p, err := New(config.MediaConfig{
		Dir:              t.TempDir(),
		MaxBytes:         maxBytes,
		RetentionHours:   168,
		SweepIntervalMin: 60,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestDownloadSuccess(t *testing.T) {
	p := newTestPipeline(t, 1024)
	payload := []byte("pretend image bytes")
	dl := &fakeDownloader{data: payload}

	item := p.Download(context.Background(), dl, "123@s.whatsapp.net", "MSG1", Node{
		Kind:     "image",
		Msg:      &waE2E.ImageMessage{},
		MimeType: "image/jpeg",
		Caption:  "holiday",
	})

	if item.Status != protocol.MediaDownloaded {
		t.Fatalf("expected downloaded, got %s (%s)", item.Status, item.Error)
	}
	if item.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", item.Size, len(payload))
	}
	sum := sha256.Sum256(payload)
	if item.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: %s", item.Checksum)
	}
	if item.Caption != "holiday" {
		t.Errorf("caption not carried: %q", item.Caption)
	}

	// Layout: <root>/whatsapp/<chat>/<date>/<ts>-<id>-<base>.jpg
	if !strings.HasPrefix(item.Path, filepath.Join(p.Root(), "whatsapp", "123_s.whatsapp.net")) {
		t.Errorf("unexpected path: %s", item.Path)
	}
	if !strings.HasSuffix(item.Path, ".jpg") {
		t.Errorf("expected .jpg extension from mime: %s", item.Path)
	}
	data, err := os.ReadFile(item.Path)
	if err != nil || string(data) != string(payload) {
		t.Errorf("persisted bytes wrong: %v", err)
	}
}

func TestDownloadDeclaredSizeOverCap(t *testing.T) {
	p := newTestPipeline(t, 100)
	dl := &fakeDownloader{err: errors.New("must not be called")}

	item := p.Download(context.Background(), dl, "c", "m", Node{
		Kind:         "document",
		Msg:          &waE2E.DocumentMessage{},
		DeclaredSize: 101,
	})

	if item.Status != protocol.MediaSkipped {
		t.Fatalf("expected skipped, got %s", item.Status)
	}
	if item.Error != "" {
		t.Errorf("skip is not a failure, got error %q", item.Error)
	}
}

func TestDownloadActualSizeOverCap(t *testing.T) {
	p := newTestPipeline(t, 10)
	dl := &fakeDownloader{data: make([]byte, 11)}

	item := p.Download(context.Background(), dl, "c", "m", Node{
		Kind:         "image",
		Msg:          &waE2E.ImageMessage{},
		DeclaredSize: 5, // under-declared
	})

	if item.Status != protocol.MediaSkipped {
		t.Fatalf("expected post-hoc skip, got %s", item.Status)
	}
}

func TestDownloadFailure(t *testing.T) {
	p := newTestPipeline(t, 1024)
	dl := &fakeDownloader{err: errors.New("stream gone")}

	item := p.Download(context.Background(), dl, "c", "m", Node{
		Kind: "image",
		Msg:  &waE2E.ImageMessage{},
	})

	if item.Status != protocol.MediaFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if item.Error == "" {
		t.Error("failed descriptor should carry the error text")
	}
}

func TestFileNameWins(t *testing.T) {
	p := newTestPipeline(t, 1024)
	dl := &fakeDownloader{data: []byte("csv,data")}

	item := p.Download(context.Background(), dl, "c", "m", Node{
		Kind:     "document",
		Msg:      &waE2E.DocumentMessage{},
		MimeType: "application/pdf",
		FileName: "Report Q3.CSV",
	})

	if item.Status != protocol.MediaDownloaded {
		t.Fatalf("expected downloaded, got %s", item.Status)
	}
	if !strings.HasSuffix(item.Path, ".csv") {
		t.Errorf("declared file name extension should win over mime: %s", item.Path)
	}
	if !strings.Contains(filepath.Base(item.Path), "Report_Q3") {
		t.Errorf("base name not carried: %s", item.Path)
	}
}

func TestExtFor(t *testing.T) {
	cases := []struct {
		kind, mime, want string
	}{
		{"image", "image/png", ".png"},
		{"image", "image/jpeg", ".jpg"},
		{"image", "image/webp", ".webp"},
		{"image", "image/gif", ".gif"},
		{"document", "application/pdf", ".pdf"},
		{"document", "text/csv", ".csv"},
		{"document", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
		{"document", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx"},
		{"document", "application/json", ".json"},
		{"document", "text/plain", ".txt"},
		{"image", "image/x-exotic", ".bin"},
		{"document", "application/x-exotic", ".dat"},
	}
	for _, c := range cases {
		if got := extFor(c.kind, c.mime); got != c.want {
			t.Errorf("extFor(%s, %s) = %s, want %s", c.kind, c.mime, got, c.want)
		}
	}
}

func TestRetentionSweep(t *testing.T) {
	p := newTestPipeline(t, 1024)
	p.retention = 24 * time.Hour

	oldDir := filepath.Join(p.Root(), "whatsapp", "chat", "2020-01-01")
	if err := os.MkdirAll(oldDir, 0700); err != nil {
		t.Fatal(err)
	}
	oldFile := filepath.Join(oldDir, "stale.jpg")
	newFile := filepath.Join(p.Root(), "whatsapp", "fresh.jpg")
	for _, f := range []string{oldFile, newFile} {
		if err := os.WriteFile(f, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	ancient := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, ancient, ancient); err != nil {
		t.Fatal(err)
	}

	p.MaybeCleanup()

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale file survived the sweep")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("fresh file removed by the sweep")
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("emptied directory not pruned")
	}
}

func TestSweepThrottle(t *testing.T) {
	p := newTestPipeline(t, 1024)
	p.retention = 24 * time.Hour

	clock := time.Now()
	p.now = func() time.Time { return clock }

	p.MaybeCleanup() // records lastSweep

	stale := filepath.Join(p.Root(), "stale.dat")
	if err := os.WriteFile(stale, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	ancient := clock.Add(-48 * time.Hour)
	if err := os.Chtimes(stale, ancient, ancient); err != nil {
		t.Fatal(err)
	}

	// Within the interval: repeated calls must not sweep again.
	clock = clock.Add(30 * time.Minute)
	p.MaybeCleanup()
	p.MaybeCleanup()
	if _, err := os.Stat(stale); err != nil {
		t.Fatal("sweep ran inside the throttle interval")
	}

	// Past the interval: the sweep runs.
	clock = clock.Add(31 * time.Minute)
	p.MaybeCleanup()
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("sweep did not run after the interval elapsed")
	}
}
