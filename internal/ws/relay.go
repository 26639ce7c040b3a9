package ws

import (
	"log"
	"time"

	"github.com/christopherjohns/relaydrop/internal/message"
	"github.com/christopherjohns/relaydrop/internal/session"
)

const (
	joinedText = "a peer has joined"
	leftText   = "a peer has left"
)

// Relay handles the events of one connection and fans them out to the
// sender's session. Each connection's events are handled in arrival
// order by its read loop, so a sender's chunks reach every recipient
// in the order they were sent.
type Relay struct {
	hub          *Hub
	registry     *session.Registry
	history      message.MessageStore
	historyLimit int
	now          func() time.Time
}

// NewRelay creates a Relay. history may be nil to disable chat history.
func NewRelay(hub *Hub, registry *session.Registry, history message.MessageStore, historyLimit int) *Relay {
	return &Relay{
		hub:          hub,
		registry:     registry,
		history:      history,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Handle decodes one frame from c and applies it.
func (r *Relay) Handle(c *Client, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		r.reject(c, EventError, "", err)
		return
	}

	switch e := ev.(type) {
	case *JoinSession:
		r.join(c, e)
	case *SendMessage:
		r.chat(c, e)
	case *FileMeta:
		r.fileMeta(c, e)
	case *FileChunk:
		r.fileChunk(c, e)
	case *FileComplete:
		r.fileComplete(c, e)
	}
}

// Disconnect removes c from its session and tells the remaining members.
func (r *Relay) Disconnect(c *Client) {
	if code := r.hub.Leave(c); code != "" {
		r.announce(code, nil, leftText)
	}
}

func (r *Relay) join(c *Client, e *JoinSession) {
	s, prev, err := r.hub.Join(c, e.Code, e.Password)
	if err != nil {
		r.reject(c, EventError, "", err)
		return
	}

	if prev != "" && prev != s.Code {
		r.announce(prev, nil, leftText)
	}

	r.reply(c, EventSessionJoined, SessionJoinedPayload{
		Code:              s.Code,
		ID:                c.ID,
		CreatedAt:         s.CreatedAt,
		PasswordProtected: s.HasPassword(),
		Members:           r.hub.MembersOf(s.Code),
		Limits:            r.registry.Limits(),
	})
	r.sendHistory(c, s.Code)

	// The joiner already has its acknowledgement; only the others are told.
	if prev != s.Code {
		r.announce(s.Code, c, joinedText)
	}
}

// sendHistory sends recent chat to a joiner. An empty history is always
// sent so clients can rely on it as part of the join handshake.
func (r *Relay) sendHistory(c *Client, code string) {
	var recent []*message.Message
	if r.history != nil {
		recent = r.history.Recent(code, r.historyLimit)
	}
	if recent == nil {
		recent = []*message.Message{}
	}
	r.reply(c, EventHistory, recent)
}

func (r *Relay) chat(c *Client, e *SendMessage) {
	if !r.hub.IsMember(c, e.Code) {
		r.reject(c, EventError, "", ErrNotMember)
		return
	}

	msg := &message.Message{
		ID:          message.NewID(),
		SessionCode: e.Code,
		From:        c.ID,
		Text:        e.Text,
		Type:        message.TypeChat,
		CreatedAt:   r.now(),
	}
	if r.history != nil {
		r.history.Append(msg)
	}
	r.broadcast(e.Code, EventMessage, msg, nil)
}

func (r *Relay) fileMeta(c *Client, e *FileMeta) {
	if !r.registry.IsValid(e.Code) {
		r.reject(c, EventFileError, e.FileID, session.ErrSessionNotFound)
		return
	}
	if !r.hub.IsMember(c, e.Code) {
		r.reject(c, EventFileError, e.FileID, ErrNotMember)
		return
	}
	if err := r.registry.AdmitFile(e.Code, c.ID, e.FileID, *e.FileSize); err != nil {
		r.reject(c, EventFileError, e.FileID, err)
		return
	}

	r.broadcast(e.Code, EventFileMeta, FileMetaPayload{
		Code:      e.Code,
		FileID:    e.FileID,
		FileSize:  *e.FileSize,
		FileName:  e.FileName,
		MimeType:  e.MimeType,
		From:      c.ID,
		Timestamp: r.now(),
	}, nil)
}

// fileChunk relays a chunk of a file the sender opened with file-meta.
// Chunks for unknown sessions or files are dropped without a reply.
func (r *Relay) fileChunk(c *Client, e *FileChunk) {
	if !r.hub.IsMember(c, e.Code) || !r.registry.FileOpen(e.Code, c.ID, e.FileID) {
		log.Printf("ws: dropping chunk %d of file %q from client %s for session %s", *e.ChunkIndex, e.FileID, c.ID, e.Code)
		return
	}

	data, err := encodeChunk(FileChunkPayload{
		Code:       e.Code,
		FileID:     e.FileID,
		ChunkIndex: *e.ChunkIndex,
		Data:       e.Data,
	})
	if err != nil {
		log.Printf("ws: failed to marshal %s: %v", EventFileChunk, err)
		return
	}
	r.hub.Broadcast(e.Code, data, nil)
}

func (r *Relay) fileComplete(c *Client, e *FileComplete) {
	if !r.hub.IsMember(c, e.Code) || !r.registry.CompleteFile(e.Code, c.ID, e.FileID) {
		log.Printf("ws: dropping completion of file %q from client %s for session %s", e.FileID, c.ID, e.Code)
		return
	}

	r.broadcast(e.Code, EventFileComplete, FileCompletePayload{
		Code:      e.Code,
		FileID:    e.FileID,
		From:      c.ID,
		Timestamp: r.now(),
	}, nil)
}

// announce sends a system message to a session, skipping except.
func (r *Relay) announce(code string, except *Client, text string) {
	r.broadcast(code, EventSystemMessage, SystemPayload{Text: text, Timestamp: r.now()}, except)
}

func (r *Relay) broadcast(code, kind string, payload any, except *Client) {
	data, err := encode(kind, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s: %v", kind, err)
		return
	}
	r.hub.Broadcast(code, data, except)
}

func (r *Relay) reply(c *Client, kind string, payload any) {
	data, err := encode(kind, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s: %v", kind, err)
		return
	}
	r.hub.SendTo(c, data)
}

// reject reports err to c alone.
func (r *Relay) reject(c *Client, kind, fileID string, err error) {
	r.reply(c, kind, ErrorPayload{
		Reason:  errorReason(err),
		Message: err.Error(),
		FileID:  fileID,
	})
}
