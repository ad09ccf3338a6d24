package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/nexus-assistant/wabridge/internal/expiry"
	"github.com/nexus-assistant/wabridge/internal/identity"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

// transport is the slice of the WhatsApp client the dispatcher needs.
type transport interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// Dispatcher sends outbound requests from the core, one provider message per
// attachment plus an optional text message, and primes the echo and retry
// caches with every id it produces.
type Dispatcher struct {
	Echo  *expiry.Map[string, struct{}]
	Retry *expiry.Map[string, *waE2E.Message]
}

// Send delivers one outbound request and returns a receipt covering every
// provider message that was sent.
func (d *Dispatcher) Send(ctx context.Context, tr transport, req *protocol.OutboundMessage) (*protocol.DeliveryReceipt, error) {
	if tr == nil {
		return nil, ErrNotReady
	}
	if req.ChatID == "" {
		return nil, fmt.Errorf("outbound %s: missing chat_id", req.ID)
	}

	jid, err := parseChatJID(req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("outbound %s: %w", req.ID, err)
	}

	var ids []string
	captionUsed := false

	for i, att := range req.Attachments {
		caption := att.Caption
		if caption == "" && i == 0 && req.Text != "" {
			// The leading text rides as the first attachment's caption
			// instead of a separate message.
			caption = req.Text
			captionUsed = true
		}
		msg, err := d.buildAttachment(ctx, tr, att, caption)
		if err != nil {
			return nil, fmt.Errorf("outbound %s attachment %d: %w", req.ID, i, err)
		}
		id, err := d.sendOne(ctx, tr, jid, msg)
		if err != nil {
			return nil, fmt.Errorf("outbound %s attachment %d: %w", req.ID, i, err)
		}
		ids = append(ids, id)
	}

	if len(req.Attachments) == 0 || (req.Text != "" && !captionUsed) {
		msg := &waE2E.Message{Conversation: proto.String(req.Text)}
		id, err := d.sendOne(ctx, tr, jid, msg)
		if err != nil {
			return nil, fmt.Errorf("outbound %s: %w", req.ID, err)
		}
		ids = append(ids, id)
	}

	L_info("whatsapp: outbound delivered", "outbound_id", req.ID, "chat", req.ChatID, "messages", len(ids))
	return &protocol.DeliveryReceipt{
		OutboundID:         req.ID,
		ProviderMessageID:  ids[len(ids)-1],
		ProviderMessageIDs: ids,
		ChatID:             identity.Normalize(jid.String()),
		Timestamp:          time.Now().UTC(),
	}, nil
}

// sendOne sends a single provider message and primes both caches with its id.
func (d *Dispatcher) sendOne(ctx context.Context, tr transport, jid types.JID, msg *waE2E.Message) (string, error) {
	resp, err := tr.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	id := string(resp.ID)
	d.Echo.Set(id, struct{}{})
	d.Retry.Set(id, msg)
	return id, nil
}

// buildAttachment reads, uploads, and wraps one attachment file.
func (d *Dispatcher) buildAttachment(ctx context.Context, tr transport, att protocol.Attachment, caption string) (*waE2E.Message, error) {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", att.Path, err)
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	asImage := att.Type == "image" || (att.Type == "" && strings.HasPrefix(mimeType, "image/"))

	mediaType := whatsmeow.MediaDocument
	if asImage {
		mediaType = whatsmeow.MediaImage
	}

	resp, err := tr.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	fileLength := uint64(len(data))
	if asImage {
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}, nil
	}

	fileName := att.FileName
	if fileName == "" {
		fileName = filepath.Base(att.Path)
	}
	return &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		},
	}, nil
}

// parseChatJID accepts a full JID or a bare phone number.
func parseChatJID(chatID string) (types.JID, error) {
	if strings.Contains(chatID, "@") {
		jid, err := types.ParseJID(chatID)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid chat_id %q: %w", chatID, err)
		}
		// ParseJID is permissive about extra separators; reject anything
		// that did not split into a clean user@server pair.
		if jid.User == "" || jid.Server == "" || strings.Contains(jid.Server, "@") {
			return types.JID{}, fmt.Errorf("invalid chat_id %q", chatID)
		}
		return jid, nil
	}
	if chatID == "" {
		return types.JID{}, fmt.Errorf("empty chat_id")
	}
	return types.NewJID(chatID, types.DefaultUserServer), nil
}
