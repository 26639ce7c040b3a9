package message

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Type represents the kind of message.
type Type string

const (
	TypeChat   Type = "chat"
	TypeSystem Type = "system"
)

// Message is a chat line relayed within a session. The sender identity
// and timestamp are assigned by the server.
type Message struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"code"`
	From        string    `json:"from,omitempty"`
	Text        string    `json:"text"`
	Type        Type      `json:"type"`
	CreatedAt   time.Time `json:"timestamp"`
}

// NewID returns a lexically sortable message ID.
func NewID() string {
	return ulid.Make().String()
}
