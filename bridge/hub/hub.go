package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Wire is the subset of *websocket.Conn the hub uses.
type Wire interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is a registered client connection.
type Conn struct {
	id           string
	registeredAt time.Time
	ws           Wire

	// writeMu serializes all writes so broadcast pushes and request
	// replies never interleave mid-frame.
	writeMu sync.Mutex
}

func (c *Conn) ID() string {
	return c.id
}

// WriteText sends a single text frame.
func (c *Conn) WriteText(ctx context.Context, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, []byte(msg))
}

// WriteJSON marshals v and sends it as a text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// Hub is the connection registry and broadcaster.
type Hub struct {
	log          *zap.SugaredLogger
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

type Option func(h *Hub)

// WithWriteTimeout bounds each broadcast write to a single connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.writeTimeout = d
	}
}

func New(log *zap.SugaredLogger, opts ...Option) *Hub {
	h := &Hub{
		log:          log.Named("hub"),
		writeTimeout: 5 * time.Second,
		conns:        make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds a connection whose handshake has completed and returns its
// registry entry.
func (h *Hub) Register(ws Wire) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		registeredAt: time.Now(),
		ws:           ws,
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debugw("registered connection", "ID", c.id, "Total", n)
	return c
}

// Unregister removes a connection. Calling it for a connection that is
// already gone is a no-op.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if ok {
		h.log.Debugw("unregistered connection", "ID", c.id, "Total", n)
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast delivers msg to every connection registered at call time.
// A failed write never aborts delivery to the others; connections that
// fail are closed and unregistered after the iteration completes.
func (h *Hub) Broadcast(ctx context.Context, msg string) {
	h.mu.Lock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	var failed []*Conn
	for _, c := range snapshot {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := c.WriteText(writeCtx, msg)
		cancel()
		if err != nil {
			h.log.Debugf("broadcast to %s failed: %s", c.id, err)
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		c.ws.Close(websocket.StatusInternalError, "write failed")
		h.Unregister(c)
	}
}
