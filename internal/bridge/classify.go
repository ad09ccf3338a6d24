package bridge

import (
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nexus-assistant/wabridge/internal/expiry"
	"github.com/nexus-assistant/wabridge/internal/identity"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/media"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

// DropReason records why a message unit was not forwarded.
type DropReason string

const (
	DropNone        DropReason = ""
	DropBroadcast   DropReason = "broadcast"
	DropNoID        DropReason = "no_id"
	DropEcho        DropReason = "echo"
	DropEmpty       DropReason = "empty"
	DropNotSelfChat DropReason = "not_self_chat"
	DropNotFromMe   DropReason = "not_from_me"
)

// Policy holds classification knobs that are approximations rather than
// protocol facts.
type Policy struct {
	// TreatUnknownSenderAsSelf counts a message with no determinable sender
	// identity as from-me when it sits in a self-chat. Some protocol paths
	// deliver self-originated sync messages without sender addressing; the
	// flag exists because that inference can misfire.
	TreatUnknownSenderAsSelf bool
}

// DefaultPolicy matches the stock bridge behavior.
func DefaultPolicy() Policy {
	return Policy{TreatUnknownSenderAsSelf: true}
}

// Classifier turns raw transport message events into normalized envelopes,
// suppressing echoes and anything outside the account's self-chat.
type Classifier struct {
	IDs    *identity.Registry
	Echo   *expiry.Map[string, struct{}]
	Policy Policy
}

// Classify inspects one message unit. On forward it returns the envelope
// (without media descriptors) plus the attachment nodes still to download;
// otherwise the drop reason.
func (c *Classifier) Classify(evt *events.Message, received time.Time) (*protocol.InboundMessage, []media.Node, DropReason) {
	info := evt.Info

	if info.Chat.Server == types.BroadcastServer {
		return nil, nil, DropBroadcast
	}
	if info.ID == "" || info.Chat.IsEmpty() {
		return nil, nil, DropNoID
	}

	// A hit here is our own outbound send reflected back by multi-device
	// sync. Consume the entry so a later legitimate reuse of the id (after
	// expiry) is not suppressed.
	if _, ok := c.Echo.Take(string(info.ID)); ok {
		return nil, nil, DropEcho
	}

	msg := evt.Message
	if msg == nil {
		return nil, nil, DropEmpty
	}

	text := ""
	if t := msg.GetConversation(); t != "" {
		text = t
	} else if ext := msg.GetExtendedTextMessage(); ext != nil {
		text = ext.GetText()
	} else if img := msg.GetImageMessage(); img != nil {
		text = img.GetCaption()
	} else if doc := msg.GetDocumentMessage(); doc != nil {
		text = doc.GetCaption()
	}

	var nodes []media.Node
	if img := msg.GetImageMessage(); img != nil {
		nodes = append(nodes, media.Node{
			Kind:         "image",
			Msg:          img,
			MimeType:     img.GetMimetype(),
			Caption:      img.GetCaption(),
			DeclaredSize: img.GetFileLength(),
		})
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		nodes = append(nodes, media.Node{
			Kind:         "document",
			Msg:          doc,
			MimeType:     doc.GetMimetype(),
			FileName:     doc.GetFileName(),
			Caption:      doc.GetCaption(),
			DeclaredSize: doc.GetFileLength(),
		})
	}

	if text == "" && len(nodes) == 0 {
		return nil, nil, DropEmpty
	}

	selfChat := c.IDs.IsSelf(info.Chat.String()) ||
		(!info.RecipientAlt.IsEmpty() && c.IDs.IsSelf(info.RecipientAlt.String()))

	senders := senderIDs(info)

	// Self-originated traffic teaches us the account's alias namespaces
	// (LID addressing in particular) as they appear.
	if info.IsFromMe {
		for _, s := range senders {
			c.IDs.Register(s, "observed")
		}
	}

	senderSelf := false
	for _, s := range senders {
		if c.IDs.IsSelf(s) {
			senderSelf = true
			break
		}
	}

	fromMe := info.IsFromMe ||
		(selfChat && (senderSelf || (len(senders) == 0 && c.Policy.TreatUnknownSenderAsSelf)))

	if !selfChat {
		L_debug("classify: dropped", "id", info.ID, "reason", DropNotSelfChat)
		return nil, nil, DropNotSelfChat
	}
	if !fromMe {
		L_debug("classify: dropped", "id", info.ID, "reason", DropNotFromMe)
		return nil, nil, DropNotFromMe
	}

	ts := info.Timestamp
	if ts.IsZero() || ts.Unix() <= 0 {
		ts = received
	}

	return &protocol.InboundMessage{
		ID:         string(info.ID),
		ChatID:     identity.Normalize(info.Chat.String()),
		SenderID:   pickSender(info),
		IsSelfChat: true,
		IsFromMe:   true,
		Text:       text,
		Timestamp:  ts.UTC(),
	}, nodes, DropNone
}

// senderIDs returns the normalized, deduplicated sender identifiers.
func senderIDs(info types.MessageInfo) []string {
	var out []string
	for _, jid := range []types.JID{info.Sender, info.SenderAlt} {
		if jid.IsEmpty() {
			continue
		}
		n := identity.Normalize(jid.String())
		if n == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == n {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n)
		}
	}
	return out
}

// pickSender chooses the envelope sender id. The alternate participant is
// preferred because it carries the phone-number form under LID addressing.
func pickSender(info types.MessageInfo) string {
	for _, jid := range []types.JID{info.SenderAlt, info.Sender, info.RecipientAlt, info.Chat} {
		if jid.IsEmpty() {
			continue
		}
		if n := identity.Normalize(jid.String()); n != "" {
			return n
		}
	}
	return ""
}
