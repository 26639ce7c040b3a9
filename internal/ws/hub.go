package ws

import (
	"errors"
	"sync"

	"github.com/christopherjohns/relaydrop/internal/session"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ErrNotMember is returned when a connection sends an event for a
// session it has not joined.
var ErrNotMember = errors.New("not a member of this session")

// Client is one live WebSocket endpoint.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	done <-chan struct{}

	// code is the session this client belongs to. Guarded by Hub.mu.
	code string
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		conn: conn,
	}
}

// Hub maps connections to the broadcast group of the session they joined.
// A connection is in at most one group at a time.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*Client]struct{}
	registry *session.Registry
	conns    *ConnManager
}

// NewHub creates a Hub that validates joins against registry and
// delivers frames through conns.
func NewHub(registry *session.Registry, conns *ConnManager) *Hub {
	return &Hub{
		groups:   make(map[string]map[*Client]struct{}),
		registry: registry,
		conns:    conns,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Join validates code and password, then moves c into the session's
// group, replacing any prior membership. It returns the joined session
// and the code of the group c left, if any.
func (h *Hub) Join(c *Client, code, password string) (*session.Session, string, error) {
	s, err := h.registry.Join(code, password)
	if err != nil {
		return nil, "", err
	}

	h.mu.Lock()
	prev := c.code
	if prev != "" {
		h.removeLocked(c, prev)
	}
	if h.groups[code] == nil {
		h.groups[code] = make(map[*Client]struct{})
	}
	h.groups[code][c] = struct{}{}
	c.code = code
	h.mu.Unlock()

	if prev != "" {
		h.registry.Leave(prev)
	}
	return s, prev, nil
}

// Leave removes c from its group, if any, and returns the code it left.
func (h *Hub) Leave(c *Client) string {
	h.mu.Lock()
	code := c.code
	if code != "" {
		h.removeLocked(c, code)
		c.code = ""
	}
	h.mu.Unlock()

	if code != "" {
		h.registry.Leave(code)
	}
	return code
}

// removeLocked must be called while holding mu.
func (h *Hub) removeLocked(c *Client, code string) {
	if clients, ok := h.groups[code]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.groups, code)
		}
	}
}

// SessionOf returns the code of the session c belongs to, or "".
func (h *Hub) SessionOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.code
}

// IsMember reports whether c is currently in the group for code.
func (h *Hub) IsMember(c *Client, code string) bool {
	return code != "" && h.SessionOf(c) == code
}

// MembersOf returns the identities of the connections in a session.
func (h *Hub) MembersOf(code string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.groups[code]))
	for c := range h.groups[code] {
		ids = append(ids, c.ID)
	}
	return ids
}

// ClientCount returns the number of connections in a session.
func (h *Hub) ClientCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[code])
}

// Broadcast queues data for every member of a session except the given
// client, which may be nil. It returns the number of members the frame
// was queued for.
func (h *Hub) Broadcast(code string, data []byte, except *Client) int {
	h.mu.RLock()
	clients := h.groups[code]
	// Copy the set so we can release the lock before sending.
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if h.conns.Send(c, data) {
			sent++
		}
	}
	return sent
}

// SendTo queues data for a single client.
func (h *Hub) SendTo(c *Client, data []byte) bool {
	return h.conns.Send(c, data)
}
