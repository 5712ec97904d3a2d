// Package render pushes processed frames to displays: browsers over
// websocket and a periodic console readout.
package render

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Message types sent to browser clients as JSON text frames. Frames are
// sent as binary JPEG messages right after their status.
const (
	TypeWelcome = "welcome"
	TypeStatus  = "status"
	TypeEvent   = "event"
)

// Message is a JSON text frame.
type Message struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	// JPEGQuality of streamed frames (1-100).
	JPEGQuality int
	// MinFrameInterval throttles image messages; status is sent every frame.
	MinFrameInterval time.Duration
}

// DefaultHubConfig streams at most 15 images per second.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		JPEGQuality:      70,
		MinFrameInterval: time.Second / 15,
	}
}

// HubStats are broadcast counters.
type HubStats struct {
	Clients      int    `json:"clients"`
	StatusSent   uint64 `json:"status_sent"`
	FramesSent   uint64 `json:"frames_sent"`
	EventsSent   uint64 `json:"events_sent"`
	SlowDrops    uint64 `json:"slow_drops"`
	EncodeErrors uint64 `json:"encode_errors"`
	Disconnected uint64 `json:"disconnected"`
}

type outbound struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan outbound
	addr string
}

// Hub is a pipeline.Sink broadcasting to websocket clients. A slow client
// loses messages instead of stalling the consumer goroutine.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	clients   map[*client]struct{}
	lastFrame time.Time
	closed    bool

	statusSent   atomic.Uint64
	framesSent   atomic.Uint64
	eventsSent   atomic.Uint64
	slowDrops    atomic.Uint64
	encodeErrors atomic.Uint64
	disconnected atomic.Uint64
}

// NewHub creates a Hub. Serve it with an http mux (see ServeHTTP).
func NewHub(cfg HubConfig, log *slog.Logger) *Hub {
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultHubConfig().JPEGQuality
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log.With("component", "ws-hub"),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan outbound, sendBuffer), addr: r.RemoteAddr}
	if data, err := json.Marshal(Message{Type: TypeWelcome, Timestamp: h.now().Unix()}); err == nil {
		c.send <- outbound{kind: websocket.TextMessage, data: data}
	}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.log.Info("websocket client connected", "remote", c.addr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.disconnected.Add(1)
	}
}

// readPump discards client input and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.log.Info("websocket client disconnected", "remote", c.addr)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "remote", c.addr, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Render implements pipeline.Sink.
func (h *Hub) Render(r *pipeline.FrameResult) {
	if r == nil || h.Clients() == 0 {
		return
	}

	status, err := json.Marshal(Message{
		Type:      TypeStatus,
		Seq:       r.Seq,
		Timestamp: r.Timestamp.UnixMilli(),
		Payload:   r.Status,
	})
	if err != nil {
		h.encodeErrors.Add(1)
		return
	}
	h.broadcast(outbound{kind: websocket.TextMessage, data: status})
	h.statusSent.Add(1)

	if r.Image == nil || !h.frameDue() {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, r.Image, &jpeg.Options{Quality: h.cfg.JPEGQuality}); err != nil {
		h.encodeErrors.Add(1)
		h.log.Debug("jpeg encode failed", "seq", r.Seq, "error", err)
		return
	}
	h.broadcast(outbound{kind: websocket.BinaryMessage, data: buf.Bytes()})
	h.framesSent.Add(1)
}

// PublishEvent forwards a domain event to every client.
func (h *Hub) PublishEvent(e pipeline.Event) {
	if h.Clients() == 0 {
		return
	}
	data, err := json.Marshal(Message{
		Type:      TypeEvent,
		Seq:       e.Seq,
		Timestamp: e.Time.UnixMilli(),
		Payload:   e,
	})
	if err != nil {
		h.encodeErrors.Add(1)
		return
	}
	h.broadcast(outbound{kind: websocket.TextMessage, data: data})
	h.eventsSent.Add(1)
}

func (h *Hub) frameDue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if !h.lastFrame.IsZero() && now.Sub(h.lastFrame) < h.cfg.MinFrameInterval {
		return false
	}
	h.lastFrame = now
	return true
}

func (h *Hub) broadcast(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.offer(c, msg)
	}
}

// offer is a non-blocking send. Callers hold h.mu.
func (h *Hub) offer(c *client, msg outbound) {
	select {
	case c.send <- msg:
	default:
		h.slowDrops.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:      h.Clients(),
		StatusSent:   h.statusSent.Load(),
		FramesSent:   h.framesSent.Load(),
		EventsSent:   h.eventsSent.Load(),
		SlowDrops:    h.slowDrops.Load(),
		EncodeErrors: h.encodeErrors.Load(),
		Disconnected: h.disconnected.Load(),
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
