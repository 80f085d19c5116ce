package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"substitute-notifier/metrics"
	"substitute-notifier/pipeline"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
)

const (
	// pongQuietPeriod: an empty message is answered only when nothing was
	// sent to the client for this long.
	pongQuietPeriod = 30 * time.Second
	// maxSubscriptionBytes bounds the subscription value of a message.
	maxSubscriptionBytes = 1024
	maxMessageBytes      = 4 << 10
	writeTimeout         = 10 * time.Second
	sendBuffer           = 8
)

// Message types on the socket.
const (
	msgFingerprint  = "fingerprint"
	msgSubscribe    = "subscribe"
	msgUpdate       = "update"
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgError        = "error"
)

type message struct {
	Type         string          `json:"type"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	ID           string          `json:"id,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	lastSend time.Time
	closed   bool
}

// hub tracks connected sockets and fans fingerprint changes out to them.
type hub struct {
	pipeline Pipeline
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(p Pipeline, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger, allowOrigin func(string) bool) *hub {
	h := &hub{
		pipeline: p,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowOrigin(origin) || sameHost(r, origin)
		},
	}
	return h
}

func sameHost(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	conn.SetReadLimit(maxMessageBytes)

	h.add(c)
	done := make(chan struct{})
	go h.writeLoop(c, done)
	defer func() {
		h.remove(c)
		<-done
	}()

	h.logger.Debug("Websocket client connected", "client", c.id, "ip", clientIP(r))
	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("Websocket read ended", "client", c.id, "error", err)
			}
			return
		}
		h.handle(ctx, c, data)
	}
}

func (h *hub) handle(ctx context.Context, c *client, data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		if h.clock.Now().Sub(c.lastSent()) >= pongQuietPeriod {
			h.enqueue(c, []byte{})
		}
		return
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, message{Type: msgError, Error: "malformed message"})
		return
	}

	switch msg.Type {
	case msgFingerprint:
		if fp := h.pipeline.PeekFingerprint(ctx); fp != "" && fp != msg.Fingerprint {
			h.reply(c, message{Type: msgUpdate, Fingerprint: fp})
		}
	case msgSubscribe:
		h.subscribe(ctx, c, msg)
	default:
		h.logger.Debug("Unknown websocket message", "client", c.id, "type", msg.Type)
		h.reply(c, message{Type: msgError, Error: "unknown message type"})
	}
}

func (h *hub) subscribe(ctx context.Context, c *client, msg message) {
	if len(msg.Subscription) > maxSubscriptionBytes {
		h.reply(c, message{Type: msgError, Error: "subscription too large"})
		return
	}

	raw := bytes.TrimSpace(msg.Subscription)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if err := h.pipeline.Unregister(ctx, msg.ID); err != nil {
			h.logger.Info("Socket unsubscribe failed", "client", c.id, "error", err)
			h.reply(c, message{Type: msgError, Error: "invalid id"})
			return
		}
		h.reply(c, message{Type: msgUnsubscribed, ID: msg.ID})
		return
	}

	var reg pipeline.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		h.reply(c, message{Type: msgError, Error: "malformed subscription"})
		return
	}
	sub, err := h.pipeline.Register(ctx, &reg)
	if err != nil {
		if !pipeline.IsInvalidSubscriber(err) {
			h.logger.Error("Socket registration failed", "client", c.id, "error", err)
		}
		h.reply(c, message{Type: msgError, Error: "subscription rejected"})
		return
	}
	h.reply(c, message{Type: msgSubscribed, ID: sub.ID})
}

func (h *hub) reply(c *client, msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}
	h.enqueue(c, data)
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (h *hub) enqueue(c *client, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Websocket client too slow, disconnecting", "client", c.id)
		c.closed = true
		close(c.send)
	}
}

func (h *hub) writeLoop(c *client, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("Websocket close failed", "client", c.id, "error", err)
		}
	}()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Websocket write failed", "client", c.id, "error", err)
			return
		}
		c.mu.Lock()
		c.lastSend = h.clock.Now()
		c.mu.Unlock()
	}
}

func (c *client) lastSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSend
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

func (h *hub) remove(c *client) {
	c.close()
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

// broadcast tells every client about a new modification fingerprint.
func (h *hub) broadcast(fingerprint string) {
	data, err := json.Marshal(message{Type: msgUpdate, Fingerprint: fingerprint})
	if err != nil {
		h.logger.Error("Failed to encode websocket message", "error", err)
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.enqueue(c, data)
	}
	h.logger.Info("Fingerprint broadcast", "fingerprint", fingerprint, "clients", len(clients))
}

// closeAll disconnects every client, used on shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		if err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second)); err != nil {
			h.logger.Debug("Websocket close message failed", "client", c.id, "error", err)
		}
		c.close()
	}
}
