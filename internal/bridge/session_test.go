package bridge

import (
	"context"
	"sync"
	"testing"

	"go.mau.fi/whatsmeow/types"

	"github.com/nexus-assistant/wabridge/internal/config"
	"github.com/nexus-assistant/wabridge/internal/media"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (p *capturePublisher) Publish(env protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *capturePublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.envs))
	for i, e := range p.envs {
		out[i] = e.Event
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *capturePublisher) {
	t.Helper()
	t.Setenv("NEXUS_BRIDGE_DIR", t.TempDir())

	cfg := config.Defaults()
	cfg.Media.Dir = t.TempDir()

	pipeline, err := media.New(cfg.Media)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSession(cfg, pipeline)
	if err != nil {
		t.Fatal(err)
	}
	pub := &capturePublisher{}
	s.SetPublisher(pub)
	return s, pub
}

func TestOnClosedStaleAttemptIgnored(t *testing.T) {
	s, pub := newTestSession(t)
	s.mu.Lock()
	s.attempt = 5
	s.state = StateOpen
	s.mu.Unlock()

	s.onClosed(4, 0, false)

	if got := s.State(); got != StateOpen {
		t.Errorf("state = %v, want unchanged StateOpen", got)
	}
	if len(pub.events()) != 0 {
		t.Errorf("stale close published %v", pub.events())
	}
}

func TestOnClosedSchedulesReconnect(t *testing.T) {
	s, pub := newTestSession(t)
	s.mu.Lock()
	s.attempt = 1
	s.state = StateOpen
	s.allowReconnect = true
	s.mu.Unlock()

	s.onClosed(1, 0, false)

	if got := s.State(); got != StateReconnecting {
		t.Errorf("state = %v, want StateReconnecting", got)
	}
	evs := pub.events()
	if len(evs) != 2 || evs[0] != protocol.EventDisconnected || evs[1] != protocol.EventConnectionUpdate {
		t.Errorf("published %v", evs)
	}
}

func TestOnClosedLoggedOutIsTerminal(t *testing.T) {
	s, pub := newTestSession(t)
	s.mu.Lock()
	s.attempt = 1
	s.state = StateOpen
	s.allowReconnect = true
	s.mu.Unlock()

	s.onClosed(1, 401, true)

	if got := s.State(); got != StateLoggedOut {
		t.Errorf("state = %v, want StateLoggedOut", got)
	}
	s.mu.Lock()
	allow := s.allowReconnect
	pending := s.reconnectPending
	s.mu.Unlock()
	if allow || pending {
		t.Errorf("reconnect still allowed/pending after logout")
	}

	found := false
	pub.mu.Lock()
	for _, env := range pub.envs {
		if env.Event == protocol.EventConnectionUpdate {
			u, ok := env.Payload.(protocol.ConnectionUpdate)
			if !ok {
				t.Fatalf("payload type %T", env.Payload)
			}
			if !u.LoggedOut || u.StatusCode != 401 {
				t.Errorf("update = %+v", u)
			}
			found = true
		}
	}
	pub.mu.Unlock()
	if !found {
		t.Error("no connection update published")
	}

	if err := s.Connect(); err != ErrLoggedOut {
		t.Errorf("Connect after logout = %v, want ErrLoggedOut", err)
	}
}

func TestWatchdogStaleAttemptIgnored(t *testing.T) {
	s, pub := newTestSession(t)
	s.mu.Lock()
	s.attempt = 5
	s.state = StatePendingPairing
	s.allowReconnect = true
	s.mu.Unlock()

	s.onWatchdogFired(4)

	if got := s.State(); got != StatePendingPairing {
		t.Errorf("state = %v, want unchanged StatePendingPairing", got)
	}
	s.mu.Lock()
	pending := s.reconnectPending
	s.mu.Unlock()
	if pending {
		t.Error("stale watchdog scheduled a reconnect")
	}
	if len(pub.events()) != 0 {
		t.Errorf("stale watchdog published %v", pub.events())
	}
}

func TestWatchdogAfterOpenIgnored(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.attempt = 3
	s.state = StateOpen
	s.allowReconnect = true
	s.mu.Unlock()

	// A watchdog racing the open transition must not recycle a live
	// connection.
	s.onWatchdogFired(3)

	if got := s.State(); got != StateOpen {
		t.Errorf("state = %v, want unchanged StateOpen", got)
	}
}

func TestWatchdogRecyclesPairing(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.attempt = 3
	s.state = StatePendingPairing
	s.allowReconnect = true
	s.mu.Unlock()

	s.onWatchdogFired(3)

	if got := s.State(); got != StateReconnecting {
		t.Errorf("state = %v, want StateReconnecting", got)
	}
	s.mu.Lock()
	pending := s.reconnectPending
	allow := s.allowReconnect
	s.mu.Unlock()
	if !pending {
		t.Error("no reconnect scheduled after pairing timeout")
	}
	if !allow {
		t.Error("watchdog must not flip the allow-reconnect flag")
	}

	s.Stop()
}

func TestStopIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	s.Stop()
	s.Stop()
	if got := s.State(); got != StateIdle {
		t.Errorf("state = %v, want StateIdle", got)
	}
}

func TestSeedIdentity(t *testing.T) {
	s, _ := newTestSession(t)

	jid := types.NewJID("27820001111", types.DefaultUserServer)
	lid := types.NewJID("99887766554433", "lid")
	s.seedIdentity(jid, lid)

	if !s.ids.IsSelf("27820001111@s.whatsapp.net") {
		t.Error("phone jid not registered")
	}
	if !s.ids.IsSelf("99887766554433@lid") {
		t.Error("lid alias not registered")
	}
	if s.ids.IsSelf("27829999999@s.whatsapp.net") {
		t.Error("foreign jid counted as self")
	}
}

func TestSendNotReady(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Send(context.Background(), &protocol.OutboundMessage{ID: "o1", ChatID: "123@s.whatsapp.net"})
	if err != ErrNotReady {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}
