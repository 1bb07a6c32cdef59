package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"qamd/internal/domain"
	"qamd/internal/infra"

	"github.com/gorilla/websocket"
)

const clientWriteTimeout = 10 * time.Second

// clientConn is the write-side surface a client needs from its socket.
// *websocket.Conn satisfies it; tests substitute a recorder.
type clientConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one downstream connection: its subscription set plus the
// last-sent snapshot and version per instrument, which the diff engine
// compares against on every poll.
type Client struct {
	id   string
	conn clientConn

	mu           sync.Mutex
	subs         map[string]struct{}        // raw ids
	lastSent     map[string]domain.Snapshot // raw id -> last pushed snapshot
	lastVersions map[string]uint64          // raw id -> last pushed logical version

	// Outbound messages funnel through a single in-flight pump so writes
	// never interleave and callers never block on the socket.
	writeMu sync.Mutex
	queue   [][]byte
	writing bool

	closed atomic.Bool
}

func newClient(id string, conn clientConn) *Client {
	return &Client{
		id:           id,
		conn:         conn,
		subs:         make(map[string]struct{}),
		lastSent:     make(map[string]domain.Snapshot),
		lastVersions: make(map[string]uint64),
	}
}

// ID returns the client session identifier.
func (c *Client) ID() string { return c.id }

// AddSubscriptions merges raw ids into the client's set; subscribe_quote is
// additive, repeat requests keep earlier instruments.
func (c *Client) AddSubscriptions(rawIDs []string) {
	c.mu.Lock()
	for _, id := range rawIDs {
		c.subs[id] = struct{}{}
	}
	c.mu.Unlock()
}

// Subscriptions returns a copy of the client's raw-id set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// pollState copies the per-instrument diff baseline for one poll cycle.
// hasBaseline distinguishes the first poll (full frame) from later ones.
func (c *Client) pollState() (versions map[string]uint64, lastSent map[string]domain.Snapshot, hasBaseline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions = make(map[string]uint64, len(c.lastVersions))
	for k, v := range c.lastVersions {
		versions[k] = v
	}
	lastSent = make(map[string]domain.Snapshot, len(c.lastSent))
	for k, v := range c.lastSent {
		lastSent[k] = v
	}
	return versions, lastSent, len(c.lastSent) > 0
}

// commitPoll records what this poll cycle delivered so the next diff starts
// from it.
func (c *Client) commitPoll(updates []instrumentUpdate) {
	c.mu.Lock()
	for i := range updates {
		u := &updates[i]
		c.lastSent[u.rawID] = u.snap
		c.lastVersions[u.rawID] = u.version
	}
	c.mu.Unlock()
}

// Send enqueues a frame and ensures a pump goroutine is draining the queue.
func (c *Client) Send(msg []byte) {
	if c.closed.Load() {
		return
	}

	c.writeMu.Lock()
	c.queue = append(c.queue, msg)
	if c.writing {
		c.writeMu.Unlock()
		return
	}
	c.writing = true
	c.writeMu.Unlock()

	go c.writePump()
}

func (c *Client) writePump() {
	for {
		c.writeMu.Lock()
		if len(c.queue) == 0 || c.closed.Load() {
			c.writing = false
			c.queue = nil
			c.writeMu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.writeMu.Unlock()

		c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Warn("client write failed",
				slog.String("client", c.id), slog.Any("error", err))
			c.Close()
			return
		}
		infra.GlobalMetrics.RecordFrameSent()
	}
}

// Close marks the client dead and closes the socket. Idempotent.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()
}

// Closed reports whether the client has been shut down.
func (c *Client) Closed() bool { return c.closed.Load() }
