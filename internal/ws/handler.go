package ws

import (
	"context"
	"log"
	"net/http"

	"nhooyr.io/websocket"
)

// Handler upgrades HTTP requests to WebSockets and runs each client's
// read loop.
type Handler struct {
	hub            *Hub
	relay          *Relay
	readLimit      int64
	originPatterns []string
}

// NewHandler creates a Handler. readLimit caps the size of a single
// inbound frame; 0 keeps the websocket library default.
// originPatterns lists the cross-origin hosts browsers may connect from;
// same-host origins are always accepted.
func NewHandler(hub *Hub, relay *Relay, readLimit int64, originPatterns ...string) *Handler {
	return &Handler{
		hub:            hub,
		relay:          relay,
		readLimit:      readLimit,
		originPatterns: originPatterns,
	}
}

// ServeHTTP upgrades the connection and relays the client's events
// until it disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	client := newClient(conn)
	connCtx := h.hub.ConnMgr().Add(client)
	if connCtx.Err() != nil {
		return
	}
	defer func() {
		h.relay.Disconnect(client)
		h.hub.ConnMgr().Remove(client)
	}()

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop reads frames until the connection closes or the connection
// manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.ConnMgr().TouchActivity(client)

		h.relay.Handle(client, data)
	}
}
