// Package protocol defines the JSON wire types shared with the nexus core.
// Field names are part of the contract; the core validates payloads against
// its own models, so snake_case keys here must not drift.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel is the only channel this bridge speaks.
const Channel = "whatsapp"

// Events published by the bridge.
const (
	EventReady            = "bridge.ready"
	EventQR               = "bridge.qr"
	EventConnected        = "bridge.connected"
	EventDisconnected     = "bridge.disconnected"
	EventConnectionUpdate = "bridge.connection_update"
	EventInboundMessage   = "bridge.inbound_message"
	EventDeliveryReceipt  = "bridge.delivery_receipt"
	EventError            = "bridge.error"
)

// Events consumed from the core.
const (
	EventOutboundMessage = "core.outbound_message"
	EventAck             = "core.ack"
)

// Envelope wraps every frame crossing the boundary.
type Envelope struct {
	Event     string    `json:"event"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	TraceID   string    `json:"trace_id"`
	Payload   any       `json:"payload"`
}

// NewEnvelope builds an envelope with generated ids and a UTC timestamp.
func NewEnvelope(event string, payload any) Envelope {
	return Envelope{
		Event:     event,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   Channel,
		TraceID:   uuid.NewString(),
		Payload:   payload,
	}
}

// RawEnvelope is the inbound-side view: the payload stays raw until the
// event name selects a concrete type.
type RawEnvelope struct {
	Event   string          `json:"event"`
	TraceID string          `json:"trace_id"`
	Payload json.RawMessage `json:"payload"`
}

// Media download status values.
const (
	MediaDownloaded = "downloaded"
	MediaSkipped    = "skipped"
	MediaFailed     = "failed"
)

// MediaItem describes one retrieved (or skipped) attachment.
type MediaItem struct {
	Type     string `json:"type"` // "image" or "document"
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Path     string `json:"path,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// InboundMessage is a normalized self-chat message forwarded to the core.
// The core stamps its own channel field, so none is sent here.
type InboundMessage struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	SenderID   string      `json:"sender_id"`
	IsSelfChat bool        `json:"is_self_chat"`
	IsFromMe   bool        `json:"is_from_me"`
	Text       string      `json:"text,omitempty"`
	Media      []MediaItem `json:"media,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Attachment is an outbound file reference; Path points into a filesystem
// both processes share.
type Attachment struct {
	Type     string `json:"type"` // "document" or "image"
	Path     string `json:"path"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// OutboundMessage is a send request from the core.
type OutboundMessage struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
}

// DeliveryReceipt reports provider ids for a completed send. One request
// may fan out into several provider messages; the last id is primary.
type DeliveryReceipt struct {
	OutboundID         string    `json:"outbound_id"`
	ProviderMessageID  string    `json:"provider_message_id"`
	ProviderMessageIDs []string  `json:"provider_message_ids"`
	ChatID             string    `json:"chat_id"`
	Timestamp          time.Time `json:"timestamp"`
}

// ConnectionUpdate mirrors transport connection transitions to the core.
type ConnectionUpdate struct {
	Connection         string `json:"connection"` // "connecting", "open", "close"
	HasQR              bool   `json:"has_qr"`
	StatusCode         int    `json:"status_code,omitempty"`
	LoggedOut          bool   `json:"logged_out"`
	ReconnectScheduled bool   `json:"reconnect_scheduled"`
	Timestamp          int64  `json:"timestamp"` // epoch ms
}

// ErrorPayload carries non-fatal bridge errors.
type ErrorPayload struct {
	Error string `json:"error"`
}

// StatusPayload is used by bridge.ready and bridge.connected.
type StatusPayload struct {
	Status string `json:"status"`
}

// QRPayload carries a pairing challenge artifact: the raw code in terminal
// mode, a file URL in image mode.
type QRPayload struct {
	QR string `json:"qr"`
}

// ReasonPayload is used by bridge.disconnected.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// Disconnect reasons.
const (
	ReasonLoggedOut        = "logged_out"
	ReasonConnectionClosed = "connection_closed"
)

// AckPayload is accepted from the core and ignored; older cores emit it
// per inbound message.
type AckPayload struct {
	InboundID string `json:"inbound_id"`
}
