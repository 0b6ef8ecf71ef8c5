package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
)

// Conn is the transport side of a subscriber. WriteJSON is only called from
// the client's writer goroutine; Close may race with it and must unblock it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// DefaultSendBuffer is how many messages a subscriber may fall behind before
// it is dropped.
const DefaultSendBuffer = 64

// Client is a registered subscriber. Messages are queued on send and written
// by a dedicated goroutine, so a slow peer never stalls a broadcast.
type Client struct {
	ID     uuid.UUID
	conn   Conn
	filter func(key string) bool

	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) accepts(key string) bool {
	return c.filter == nil || c.filter(key)
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *Client) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop(r *Registry) {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			if err := c.conn.WriteJSON(v); err != nil {
				slog.Warn("realtime send failed, dropping client",
					"channel", r.channel, "client_id", c.ID, "error", err)
				r.drop(c)
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type ConnectOption func(*Client)

// WithFilter restricts delivery to messages whose key satisfies fn.
func WithFilter(fn func(key string) bool) ConnectOption {
	return func(c *Client) { c.filter = fn }
}

// WithKeyFilter restricts delivery to messages routed with key. An empty key accepts everything.
func WithKeyFilter(key string) ConnectOption {
	if key == "" {
		return func(*Client) {}
	}
	return WithFilter(func(k string) bool { return k == key })
}

// Registry tracks the live subscribers of one channel.
type Registry struct {
	channel    Channel
	metrics    *metrics.Metrics
	sendBuffer int

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

type RegistryOption func(*Registry)

// WithSendBuffer sets the per-subscriber queue length.
func WithSendBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.sendBuffer = n
		}
	}
}

func NewRegistry(ch Channel, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		channel:    ch,
		metrics:    m,
		sendBuffer: DefaultSendBuffer,
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Channel() Channel { return r.channel }

// Connect adds conn to the active set.
func (r *Registry) Connect(conn Conn, opts ...ConnectOption) *Client {
	c := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan any, r.sendBuffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writeLoop(r)

	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()

	r.metrics.SetConnections(string(r.channel), n)
	slog.Debug("realtime client connected", "channel", r.channel, "client_id", c.ID, "total", n)
	return c
}

// Disconnect removes c and closes its transport. Safe to call repeatedly.
func (r *Registry) Disconnect(c *Client) {
	r.remove(c)
}

// remove reports whether c was still registered.
func (r *Registry) remove(c *Client) bool {
	r.mu.Lock()
	_, present := r.clients[c]
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()

	c.close()
	if present {
		r.metrics.SetConnections(string(r.channel), n)
		slog.Debug("realtime client disconnected", "channel", r.channel, "client_id", c.ID, "remaining", n)
	}
	return present
}

// Len returns the number of active subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast queues v for every subscriber whose filter accepts key and
// returns the number queued. It never waits on a peer: a subscriber whose
// queue is full is disconnected, and one whose write fails is disconnected by
// its writer. The others still receive v.
func (r *Registry) Broadcast(key string, v any) int {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	queued := 0
	for _, c := range snapshot {
		if !c.accepts(key) {
			continue
		}
		if !c.enqueue(v) {
			slog.Warn("realtime client too slow, dropping",
				"channel", r.channel, "client_id", c.ID)
			r.drop(c)
			continue
		}
		queued++
	}

	r.metrics.MessagesSent(string(r.channel), queued)
	return queued
}

func (r *Registry) drop(c *Client) {
	if r.remove(c) {
		r.metrics.ConnectionDropped(string(r.channel))
	}
}

// Close disconnects every subscriber.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		r.Disconnect(c)
	}
}
