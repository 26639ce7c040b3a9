package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// defaultSendBuffer is the number of frames that can be queued per client.
	defaultSendBuffer = 64

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active     int   `json:"active"`
	MaxConns   int   `json:"max_conns"`
	Rejected   int64 `json:"rejected"`
	Evicted    int64 `json:"evicted"`
	IdleReaped int64 `json:"idle_reaped"`
}

// ConnManager tracks all active WebSocket connections. Each client gets
// a bounded send buffer drained by its own write pump. A client whose
// buffer fills up is evicted so one slow reader never stalls a broadcast.
type ConnManager struct {
	mu         sync.Mutex
	clients    map[*Client]*connEntry
	closed     bool
	maxConns   int
	idleTTL    time.Duration
	sendBuffer int
	stopIdle   context.CancelFunc

	rejected   atomic.Int64
	evicted    atomic.Int64
	idleReaped atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can go without sending a
// frame before it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:    make(map[*Client]*connEntry),
		sendBuffer: defaultSendBuffer,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed, evicted, or the
// manager shuts down. It is already cancelled if the manager is closed
// or at capacity, in which case the connection has been closed.
func (cm *ConnManager) Add(c *Client) context.Context {
	ctx, ok := cm.register(c)
	if ok {
		go cm.writePump(ctx, c)
	}
	return ctx
}

// register records the client without starting a write pump.
func (cm *ConnManager) register(c *Client) (context.Context, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	c.done = ctx.Done()

	cm.mu.Lock()
	closed := cm.closed
	full := cm.maxConns > 0 && len(cm.clients) >= cm.maxConns
	if !closed && !full {
		now := time.Now()
		c.send = make(chan []byte, cm.sendBuffer)
		cm.clients[c] = &connEntry{
			cancel:      cancel,
			connectedAt: now,
			lastActive:  now,
		}
	}
	cm.mu.Unlock()

	switch {
	case closed:
		cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ctx, false
	case full:
		cancel()
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return ctx, false
	}
	return ctx, true
}

// Remove stops a client's write pump. It is safe to call more than once.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Send queues data for delivery without blocking. If the client's
// buffer is full the client is evicted and Send returns false.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		cm.evict(c, "slow consumer")
		return false
	}
}

// evict removes a client and closes its connection with a policy violation.
func (cm *ConnManager) evict(c *Client, reason string) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	cm.evicted.Add(1)
	log.Printf("ws: evicting client %s: %s", c.ID, reason)
	go c.conn.Close(websocket.StatusPolicyViolation, reason)
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:     active,
		MaxConns:   maxConns,
		Rejected:   cm.rejected.Load(),
		Evicted:    cm.evicted.Load(),
		IdleReaped: cm.idleReaped.Load(),
	}
}

// Shutdown closes all connections with StatusGoingAway and refuses new ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range clients {
		entry.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		entry.cancel()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle connection for client %s", c.ID)
	}
}

// writePump drains the client's send channel, writing each frame to the
// WebSocket in order. It exits when ctx is cancelled or a write fails.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to client %s failed: %v", c.ID, err)
				cm.Remove(c)
				return
			}
		}
	}
}
