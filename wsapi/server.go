package wsapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/logging"
)

// Server is the WebSocket adapter (core spec §6): it upgrades HTTP
// connections at <prefix>/ws, subscribes each client to the Kit's event
// bus, and pushes `{type:"event", data, timestamp}` JSON text frames.
type Server struct {
	events eventbus.EventBus
	logger logging.Logger

	pingInterval time.Duration

	mu      sync.Mutex
	clients map[*conn]struct{}
}

// New builds a Server that forwards events from bus to connected clients.
func New(bus eventbus.EventBus, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Server{
		events:       bus,
		logger:       logger,
		pingInterval: 30 * time.Second,
		clients:      make(map[*conn]struct{}),
	}
}

// conn is one upgraded WebSocket connection. Frame writes arrive from three
// independent goroutines (the event-bus subscription callback, the 30s
// ping ticker, and the control-message reply path in readLoop); writeMu
// serializes them so two concurrent writeFrame calls can never interleave
// their header/payload syscalls on the wire.
type conn struct {
	raw    net.Conn
	userID string

	writeMu sync.Mutex

	mu       sync.Mutex
	patterns []*eventbus.Pattern // nil/empty means "subscribed to everything"

	cancel eventbus.CancelFunc
	done   chan struct{}
}

func (c *conn) writeFrameLocked(op opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.raw, op, payload)
}

func (c *conn) writeCloseLocked(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeClose(c.raw, code, reason)
}

type clientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

type serverMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServeHTTP upgrades the request per RFC 6455 and runs the connection's
// read loop until it closes. Requests without a userId query parameter are
// upgraded, then immediately closed with 1008 (core spec §6: "connections
// with unauthenticated userId are closed with 1008").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}
	clientKey := r.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websockets not supported", http.StatusInternalServerError)
		return
	}
	rawConn, rw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	if _, err := rw.Write(handshakeResponseBytes(clientKey)); err != nil {
		rawConn.Close()
		return
	}
	if err := rw.Flush(); err != nil {
		rawConn.Close()
		return
	}

	userID := r.URL.Query().Get("userId")
	c := &conn{raw: rawConn, userID: userID, done: make(chan struct{})}

	if userID == "" {
		_ = c.writeCloseLocked(closePolicyViolation, "userId required")
		rawConn.Close()
		return
	}

	s.register(c)
	defer s.unregister(c)

	go s.pingLoop(c)
	s.readLoop(c, rw)
}

func (s *Server) register(c *conn) {
	cancel, err := s.events.SubscribeWildcard("*", func(_ context.Context, event eventbus.Event) error {
		return s.push(c, event)
	})
	if err != nil {
		s.logger.Warn("wsapi: subscribe failed", "error", err)
		return
	}
	c.cancel = cancel

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	c.raw.Close()
}

// push delivers event to c if it passes the client's subscription filter.
func (s *Server) push(c *conn, event eventbus.Event) error {
	c.mu.Lock()
	patterns := c.patterns
	c.mu.Unlock()

	if len(patterns) > 0 {
		matched := false
		for _, p := range patterns {
			if p.Match(event.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
	}

	msg := serverMessage{Type: "event", Data: event, Timestamp: event.Timestamp}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeFrameLocked(opText, body)
}

func (s *Server) pingLoop(c *conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrameLocked(opPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *conn, rw *bufio.ReadWriter) {
	for {
		f, err := readFrame(c.raw)
		if err != nil {
			return
		}
		switch f.opcode {
		case opClose:
			_ = c.writeCloseLocked(closeNormal, "")
			return
		case opPing:
			if err := c.writeFrameLocked(opPong, f.payload); err != nil {
				return
			}
		case opPong:
			// liveness only; nothing to do.
		case opText:
			s.handleClientMessage(c, f.payload)
		default:
			_ = c.writeCloseLocked(closeProtocolError, "unsupported opcode")
			return
		}
	}
}

func (s *Server) handleClientMessage(c *conn, payload []byte) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		_ = c.writeCloseLocked(closeProtocolError, "invalid json")
		return
	}

	switch msg.Type {
	case "ping":
		body, _ := json.Marshal(serverMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
		_ = c.writeFrameLocked(opText, body)
	case "subscribe":
		patterns := make([]*eventbus.Pattern, 0, len(msg.Events))
		for _, raw := range msg.Events {
			p, err := eventbus.CompilePattern(raw)
			if err != nil {
				continue
			}
			patterns = append(patterns, p)
		}
		c.mu.Lock()
		c.patterns = patterns
		c.mu.Unlock()
	default:
		// Unknown client message types are ignored rather than treated as
		// a protocol violation, so forward-compatible clients don't get
		// disconnected for sending a message type this server doesn't
		// understand yet.
	}
}

// ConnectionCount returns the number of currently connected clients.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close closes every connected client, used during Kit shutdown (core spec
// §4.8 "close WebSocket clients").
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.writeCloseLocked(closeNormal, "server shutting down")
		c.raw.Close()
	}
}
