package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/nexus-assistant/wabridge/internal/config"
	"github.com/nexus-assistant/wabridge/internal/expiry"
	"github.com/nexus-assistant/wabridge/internal/identity"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/media"
	"github.com/nexus-assistant/wabridge/internal/protocol"
	"github.com/nexus-assistant/wabridge/internal/qr"
)

const (
	echoCacheTTL  = 5 * time.Minute
	retryCacheTTL = 10 * time.Minute
)

// Publisher fans an envelope out to attached core clients. Implemented by
// the transport server; kept as an interface so the session never imports it.
type Publisher interface {
	Publish(env protocol.Envelope)
}

type nopPublisher struct{}

func (nopPublisher) Publish(protocol.Envelope) {}

// Session owns the WhatsApp connection lifecycle: connecting, pairing,
// reconnecting after drops, and routing message traffic both ways.
type Session struct {
	cfg   *config.Config
	ids   *identity.Registry
	media *media.Pipeline
	pub   Publisher
	store *sqlstore.Container

	echo  *expiry.Map[string, struct{}]
	retry *expiry.Map[string, *waE2E.Message]

	classifier *Classifier
	dispatcher *Dispatcher

	mu               sync.Mutex
	state            State
	attempt          uint64
	client           *whatsmeow.Client
	allowReconnect   bool
	reconnectPending bool
	watchdog         *time.Timer

	opened   chan struct{}
	openOnce sync.Once
}

// NewSession opens the device store and prepares a session. The connection
// itself is not started until Connect.
func NewSession(cfg *config.Config, pipeline *media.Pipeline) (*Session, error) {
	container, err := openContainer()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		ids:    identity.NewRegistry(),
		media:  pipeline,
		pub:    nopPublisher{},
		store:  container,
		echo:   expiry.NewMap[string, struct{}](echoCacheTTL),
		retry:  expiry.NewMap[string, *waE2E.Message](retryCacheTTL),
		state:  StateIdle,
		opened: make(chan struct{}),
	}
	s.classifier = &Classifier{IDs: s.ids, Echo: s.echo, Policy: DefaultPolicy()}
	s.dispatcher = &Dispatcher{Echo: s.echo, Retry: s.retry}
	return s, nil
}

// SetPublisher wires the transport server in. Must be called before Connect.
func (s *Session) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		p = nopPublisher{}
	}
	s.pub = p
}

// Opened is closed the first time the session reaches the open state.
func (s *Session) Opened() <-chan struct{} {
	return s.opened
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatusString summarizes the session for bridge.ready and status output.
func (s *Session) StatusString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Connect starts a connection attempt. Safe to call once; subsequent
// reconnects are scheduled internally.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowReconnect = true
	return s.connectLocked()
}

// connectLocked builds a fresh client and begins connecting. Caller holds mu.
func (s *Session) connectLocked() error {
	if s.state == StateLoggedOut {
		return ErrLoggedOut
	}

	s.attempt++
	attempt := s.attempt
	s.reconnectPending = false
	s.cancelWatchdogLocked()

	device, err := s.store.GetFirstDevice(context.Background())
	if err != nil {
		return fmt.Errorf("whatsapp: failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, &waLogger{module: "client"})
	client.EnableAutoReconnect = false
	client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
		msg, _ := s.retry.Get(string(id))
		return msg
	}
	client.AddEventHandler(func(raw any) {
		s.handleEvent(attempt, raw)
	})

	s.client = client
	s.state = StateConnecting

	if client.Store.ID == nil {
		// No paired device: connecting will trigger the pairing flow.
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("whatsapp: failed to open pairing channel: %w", err)
		}
		go s.consumeQR(attempt, qrChan)
	}

	L_info("whatsapp: connecting", "attempt", attempt)
	if err := client.Connect(); err != nil {
		s.state = StateReconnecting
		s.scheduleReconnectLocked()
		return fmt.Errorf("whatsapp: connect failed: %w", err)
	}
	return nil
}

// consumeQR drains pairing codes and renders each one as it rotates.
func (s *Session) consumeQR(attempt uint64, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.mu.Lock()
			if attempt != s.attempt {
				s.mu.Unlock()
				return
			}
			s.state = StatePendingPairing
			s.armWatchdogLocked(attempt)
			s.mu.Unlock()

			s.publishUpdate(protocol.ConnectionUpdate{
				Connection: "connecting",
				HasQR:      true,
				Timestamp:  nowMillis(),
			})
			artifact, err := qr.Render(s.cfg.QRMode, item.Code, s.cfg.Media.Dir)
			if err != nil {
				L_warn("whatsapp: failed to render pairing code", "error", err)
				artifact = item.Code
			}
			s.pub.Publish(protocol.NewEnvelope(protocol.EventQR, protocol.QRPayload{QR: artifact}))
			L_info("whatsapp: pairing code issued, scan to link")
		case "success":
			L_info("whatsapp: pairing complete")
		case "timeout":
			L_warn("whatsapp: pairing channel timed out")
		}
	}
}

// armWatchdogLocked starts the pairing deadline timer. Caller holds mu.
func (s *Session) armWatchdogLocked(attempt uint64) {
	s.cancelWatchdogLocked()
	timeout := time.Duration(s.cfg.PairingTimeoutMs) * time.Millisecond
	s.watchdog = time.AfterFunc(timeout, func() {
		s.onWatchdogFired(attempt)
	})
}

func (s *Session) cancelWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// onWatchdogFired tears down a pairing attempt that never completed and
// schedules a fresh one. An explicit disconnect emits no event, so the
// watchdog does its own close-and-reschedule.
func (s *Session) onWatchdogFired(attempt uint64) {
	s.mu.Lock()
	if attempt != s.attempt || s.state != StatePendingPairing {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.mu.Unlock()

	L_warn("whatsapp: pairing timed out, recycling connection")
	if err := forceClose(client); err != nil {
		s.pub.Publish(protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
			Error: fmt.Sprintf("recovery close failed: %v", err),
		}))
	}

	s.mu.Lock()
	if attempt == s.attempt && s.allowReconnect {
		s.state = StateReconnecting
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()
}

// forceClose disconnects a client, converting any panic from a torn-down
// socket into an error.
func forceClose(client *whatsmeow.Client) (err error) {
	if client == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("whatsapp: close panicked: %v", r)
		}
	}()
	client.Disconnect()
	return nil
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds mu.
func (s *Session) scheduleReconnectLocked() {
	if s.reconnectPending || !s.allowReconnect {
		return
	}
	s.reconnectPending = true
	delay := time.Duration(s.cfg.ReconnectDelayMs) * time.Millisecond
	attempt := s.attempt
	L_info("whatsapp: reconnect scheduled", "delay", delay)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if attempt != s.attempt || !s.allowReconnect {
			return
		}
		if err := s.connectLocked(); err != nil {
			L_error("whatsapp: reconnect failed", "error", err)
			s.pub.Publish(protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
				Error: fmt.Sprintf("reconnect failed: %v", err),
			}))
			s.state = StateReconnecting
			s.scheduleReconnectLocked()
		}
	})
}

// handleEvent routes transport events. The attempt tag keeps callbacks from
// a superseded client from corrupting current state.
func (s *Session) handleEvent(attempt uint64, raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		s.onOpen(attempt)
	case *events.Disconnected:
		s.onClosed(attempt, 0, false)
	case *events.LoggedOut:
		s.onClosed(attempt, int(evt.Reason), true)
	case *events.StreamReplaced:
		L_error("whatsapp: stream replaced by another client, halting")
		s.onClosed(attempt, 0, true)
	case *events.KeepAliveTimeout:
		L_warn("whatsapp: keepalive timeout")
	case *events.Message:
		s.handleMessage(attempt, evt)
	}
}

func (s *Session) onOpen(attempt uint64) {
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}
	s.cancelWatchdogLocked()
	s.state = StateOpen
	var jid, lid types.JID
	if s.client.Store.ID != nil {
		jid = *s.client.Store.ID
	}
	lid = s.client.Store.LID
	s.mu.Unlock()

	s.seedIdentity(jid, lid)

	L_info("whatsapp: session open", "jid", jid.String())
	s.pub.Publish(protocol.NewEnvelope(protocol.EventConnected, protocol.StatusPayload{Status: "open"}))
	s.publishUpdate(protocol.ConnectionUpdate{Connection: "open", Timestamp: nowMillis()})
	s.openOnce.Do(func() { close(s.opened) })
}

// seedIdentity registers the account's own addresses so inbound
// classification can recognize self-originated traffic immediately.
func (s *Session) seedIdentity(jid, lid types.JID) {
	if !jid.IsEmpty() {
		s.ids.Register(jid.String(), "device")
	}
	if !lid.IsEmpty() {
		s.ids.Register(lid.String(), "device")
	}
}

func (s *Session) onClosed(attempt uint64, statusCode int, loggedOut bool) {
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}
	s.cancelWatchdogLocked()

	if loggedOut {
		s.state = StateLoggedOut
		s.allowReconnect = false
		s.mu.Unlock()

		L_error("whatsapp: session terminated", "status_code", statusCode)
		s.pub.Publish(protocol.NewEnvelope(protocol.EventDisconnected, protocol.ReasonPayload{
			Reason: protocol.ReasonLoggedOut,
		}))
		s.publishUpdate(protocol.ConnectionUpdate{
			Connection: "close",
			StatusCode: statusCode,
			LoggedOut:  true,
			Timestamp:  nowMillis(),
		})
		return
	}

	s.state = StateReconnecting
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	L_warn("whatsapp: connection closed, reconnecting")
	s.pub.Publish(protocol.NewEnvelope(protocol.EventDisconnected, protocol.ReasonPayload{
		Reason: protocol.ReasonConnectionClosed,
	}))
	s.publishUpdate(protocol.ConnectionUpdate{
		Connection:         "close",
		ReconnectScheduled: true,
		Timestamp:          nowMillis(),
	})
}

// handleMessage classifies one inbound unit and forwards it if it belongs
// to the bridged self-chat.
func (s *Session) handleMessage(attempt uint64, evt *events.Message) {
	s.mu.Lock()
	current := attempt == s.attempt
	client := s.client
	s.mu.Unlock()
	if !current {
		return
	}

	inbound, nodes, reason := s.classifySafe(evt)
	if inbound == nil {
		if reason != DropNone && reason != DropNotSelfChat && reason != DropNotFromMe {
			L_debug("whatsapp: message dropped", "id", evt.Info.ID, "reason", reason)
		}
		return
	}

	for _, node := range nodes {
		item := s.media.Download(context.Background(), client, inbound.ChatID, inbound.ID, node)
		inbound.Media = append(inbound.Media, item)
	}

	L_info("whatsapp: inbound message", "id", inbound.ID, "chat", inbound.ChatID, "media", len(inbound.Media))
	s.pub.Publish(protocol.NewEnvelope(protocol.EventInboundMessage, inbound))
}

// classifySafe isolates classification panics so one malformed unit cannot
// take the event loop down.
func (s *Session) classifySafe(evt *events.Message) (inbound *protocol.InboundMessage, nodes []media.Node, reason DropReason) {
	defer func() {
		if r := recover(); r != nil {
			L_error("whatsapp: inbound processing panicked", "id", evt.Info.ID, "panic", r)
			s.pub.Publish(protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
				Error: fmt.Sprintf("inbound processing failed for message %s: %v", evt.Info.ID, r),
			}))
			inbound, nodes, reason = nil, nil, DropNone
		}
	}()
	return s.classifier.Classify(evt, time.Now())
}

// Send delivers an outbound request from the core and returns the receipt.
func (s *Session) Send(ctx context.Context, req *protocol.OutboundMessage) (*protocol.DeliveryReceipt, error) {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()

	if state == StateLoggedOut {
		return nil, ErrLoggedOut
	}
	if state != StateOpen || client == nil || !client.IsConnected() {
		return nil, ErrNotReady
	}
	return s.dispatcher.Send(ctx, client, req)
}

// SweepCaches evicts expired echo and retry entries.
func (s *Session) SweepCaches() {
	if n := s.echo.Sweep() + s.retry.Sweep(); n > 0 {
		L_trace("whatsapp: swept expired cache entries", "count", n)
	}
}

// Stop disconnects and disables reconnection. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateIdle && s.client == nil {
		s.mu.Unlock()
		return
	}
	s.allowReconnect = false
	s.attempt++
	s.cancelWatchdogLocked()
	client := s.client
	s.client = nil
	s.state = StateClosing
	s.mu.Unlock()

	L_info("whatsapp: stopping session")
	if err := forceClose(client); err != nil {
		L_warn("whatsapp: error during disconnect", "error", err)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Session) publishUpdate(u protocol.ConnectionUpdate) {
	s.pub.Publish(protocol.NewEnvelope(protocol.EventConnectionUpdate, u))
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
