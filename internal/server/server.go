// Package server exposes the bridge boundary: a WebSocket endpoint the
// assistant core attaches to for the event stream and outbound sends.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexus-assistant/wabridge/internal/config"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/protocol"
)

const (
	secretHeader = "x-nexus-secret"
	clientHeader = "x-nexus-client"

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// The endpoint binds to loopback and is gated by the shared secret;
	// browser origin checks do not apply to the core's client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Dispatcher handles outbound requests arriving over the boundary.
// Implemented by the bridge session.
type Dispatcher interface {
	Send(ctx context.Context, req *protocol.OutboundMessage) (*protocol.DeliveryReceipt, error)
}

// client is one attached core connection. Writes are serialized through mu;
// gorilla connections do not allow concurrent writers.
type client struct {
	conn *websocket.Conn
	name string
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Server is the WebSocket boundary server.
type Server struct {
	cfg        config.ServerConfig
	dispatcher Dispatcher
	status     func() string

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	running bool
}

// New creates a boundary server. status supplies the connection summary
// sent in bridge.ready when a client attaches.
func New(cfg config.ServerConfig, dispatcher Dispatcher, status func() string) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		status:     status,
		clients:    make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Start begins listening. Returns once the listener is accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	L_info("server: listening", "addr", s.cfg.Addr())
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("server: listener failed", "error", err)
			errCh <- err
		}
	}()

	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server: failed to listen on %s: %w", s.cfg.Addr(), err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes the listener and all attached clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Publish fans an envelope out to every attached client. Clients whose
// write fails are detached.
func (s *Server) Publish(env protocol.Envelope) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(env); err != nil {
			L_warn("server: write failed, detaching client", "client", c.name, "error", err)
			s.detach(c)
		}
	}
}

// ClientCount returns the number of attached core connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if present {
		_ = c.conn.Close()
		L_info("server: client detached", "client", c.name)
	}
}

// handleWS gates on the shared secret, upgrades, and runs the read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SharedSecret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.SharedSecret)) != 1 {
			L_warn("server: rejected attach with bad secret", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	name := r.Header.Get(clientHeader)
	if name == "" {
		name = r.RemoteAddr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("server: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, name: name}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	L_info("server: client attached", "client", name)

	status := "unknown"
	if s.status != nil {
		status = s.status()
	}
	if err := c.writeJSON(protocol.NewEnvelope(protocol.EventReady, protocol.StatusPayload{Status: status})); err != nil {
		s.detach(c)
		return
	}

	s.readLoop(c)
}

// readLoop dispatches inbound frames from one client until it disconnects.
func (s *Server) readLoop(c *client) {
	defer s.detach(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				L_warn("server: read failed", "client", c.name, "error", err)
			}
			return
		}

		var raw protocol.RawEnvelope
		if err := json.Unmarshal(data, &raw); err != nil {
			L_warn("server: malformed frame", "client", c.name, "error", err)
			s.sendError(c, "", fmt.Sprintf("malformed envelope: %v", err))
			continue
		}

		switch raw.Event {
		case protocol.EventOutboundMessage:
			s.handleOutbound(c, raw)
		case protocol.EventAck:
			// Receipt acknowledgements carry no action for the bridge.
			L_trace("server: ack received", "client", c.name)
		default:
			L_debug("server: ignoring unknown event", "client", c.name, "event", raw.Event)
		}
	}
}

func (s *Server) handleOutbound(c *client, raw protocol.RawEnvelope) {
	var req protocol.OutboundMessage
	if err := json.Unmarshal(raw.Payload, &req); err != nil {
		s.sendError(c, raw.TraceID, fmt.Sprintf("malformed outbound payload: %v", err))
		return
	}

	receipt, err := s.dispatcher.Send(context.Background(), &req)
	if err != nil {
		L_warn("server: outbound failed", "outbound_id", req.ID, "error", err)
		s.sendError(c, raw.TraceID, fmt.Sprintf("outbound %s: %v", req.ID, err))
		return
	}

	env := protocol.NewEnvelope(protocol.EventDeliveryReceipt, receipt)
	env.TraceID = raw.TraceID
	// The receipt goes to every attached client, not just the sender, so
	// a reconnecting core never misses a delivery it initiated.
	s.Publish(env)
}

func (s *Server) sendError(c *client, traceID, msg string) {
	env := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Error: msg})
	env.TraceID = traceID
	if err := c.writeJSON(env); err != nil {
		s.detach(c)
	}
}
