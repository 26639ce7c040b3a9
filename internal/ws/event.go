package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christopherjohns/relaydrop/internal/capacity"
	"github.com/christopherjohns/relaydrop/internal/session"
)

// maxMessageLength is the longest chat text accepted, in characters.
const maxMessageLength = 2000

// ErrMalformedEvent is returned for frames that are not valid events or
// are missing a required field.
var ErrMalformedEvent = errors.New("malformed event")

// Client to server event kinds.
const (
	EventJoinSession  = "join-session"
	EventSendMessage  = "send-message"
	EventFileMeta     = "file-meta"
	EventFileChunk    = "file-chunk"
	EventFileComplete = "file-complete"
)

// Server to client event kinds. File events reuse the inbound names.
const (
	EventSessionJoined = "session-joined"
	EventHistory       = "history"
	EventSystemMessage = "system-message"
	EventMessage       = "message"
	EventFileError     = "file-error"
	EventError         = "error"
)

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one decoded client frame.
type Event interface {
	Kind() string
	validate() error
}

// JoinSession asks to join a session, replacing any current membership.
type JoinSession struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

func (*JoinSession) Kind() string { return EventJoinSession }

func (e *JoinSession) validate() error {
	return requireField("code", e.Code)
}

// SendMessage posts chat text to a session.
type SendMessage struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

func (*SendMessage) Kind() string { return EventSendMessage }

func (e *SendMessage) validate() error {
	if err := requireField("code", e.Code); err != nil {
		return err
	}
	e.Text = strings.TrimSpace(e.Text)
	if err := requireField("text", e.Text); err != nil {
		return err
	}
	if utf8.RuneCountInString(e.Text) > maxMessageLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrMalformedEvent, maxMessageLength)
	}
	return nil
}

// FileMeta announces a file before its chunks are sent.
type FileMeta struct {
	Code     string `json:"code"`
	FileID   string `json:"fileId"`
	FileSize *int64 `json:"fileSize"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func (*FileMeta) Kind() string { return EventFileMeta }

func (e *FileMeta) validate() error {
	if err := requireField("code", e.Code); err != nil {
		return err
	}
	if err := requireField("fileId", e.FileID); err != nil {
		return err
	}
	if e.FileSize == nil || *e.FileSize < 0 {
		return fmt.Errorf("%w: fileSize must be a non-negative integer", ErrMalformedEvent)
	}
	return nil
}

// FileChunk carries one opaque fragment of a file. Data is relayed as is.
type FileChunk struct {
	Code       string          `json:"code"`
	FileID     string          `json:"fileId"`
	ChunkIndex *int            `json:"chunkIndex"`
	Data       json.RawMessage `json:"data"`
}

func (*FileChunk) Kind() string { return EventFileChunk }

func (e *FileChunk) validate() error {
	if err := requireField("code", e.Code); err != nil {
		return err
	}
	if err := requireField("fileId", e.FileID); err != nil {
		return err
	}
	if e.ChunkIndex == nil || *e.ChunkIndex < 0 {
		return fmt.Errorf("%w: chunkIndex must be a non-negative integer", ErrMalformedEvent)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("%w: data is required", ErrMalformedEvent)
	}
	return nil
}

// FileComplete marks the end of a file's chunk stream.
type FileComplete struct {
	Code   string `json:"code"`
	FileID string `json:"fileId"`
}

func (*FileComplete) Kind() string { return EventFileComplete }

func (e *FileComplete) validate() error {
	if err := requireField("code", e.Code); err != nil {
		return err
	}
	return requireField("fileId", e.FileID)
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedEvent, name)
	}
	return nil
}

// DecodeEvent parses a client frame into its typed event and checks
// the required fields for that kind.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}

	var ev Event
	switch env.Type {
	case EventJoinSession:
		ev = &JoinSession{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventFileMeta:
		ev = &FileMeta{}
	case EventFileChunk:
		ev = &FileChunk{}
	case EventFileComplete:
		ev = &FileComplete{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: invalid %s payload", ErrMalformedEvent, env.Type)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// SessionJoinedPayload acknowledges a successful join to the joiner only.
type SessionJoinedPayload struct {
	Code              string          `json:"code"`
	ID                string          `json:"id"`
	CreatedAt         time.Time       `json:"createdAt"`
	PasswordProtected bool            `json:"passwordProtected"`
	Members           []string        `json:"members"`
	Limits            capacity.Limits `json:"limits"`
}

// SystemPayload is a server-generated notice for a session.
type SystemPayload struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// FileMetaPayload is a file-meta event annotated with sender and time.
type FileMetaPayload struct {
	Code      string    `json:"code"`
	FileID    string    `json:"fileId"`
	FileSize  int64     `json:"fileSize"`
	FileName  string    `json:"fileName,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// FileChunkPayload is relayed without annotation.
type FileChunkPayload struct {
	Code       string          `json:"code"`
	FileID     string          `json:"fileId"`
	ChunkIndex int             `json:"chunkIndex"`
	Data       json.RawMessage `json:"data"`
}

// FileCompletePayload is a file-complete event annotated with sender and time.
type FileCompletePayload struct {
	Code      string    `json:"code"`
	FileID    string    `json:"fileId"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected event to the connection that sent it.
// FileID is set for file-error events.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	FileID  string `json:"fileId,omitempty"`
}

// errorReason maps an error to its wire code.
func errorReason(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, session.ErrDuplicateFile):
		return "duplicate_file"
	case errors.Is(err, capacity.ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, capacity.ErrFileQuotaExceeded):
		return "file_quota_exceeded"
	case errors.Is(err, ErrNotMember):
		return "not_a_member"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	}
	return "internal_error"
}

// encode wraps a payload in an envelope of the given kind.
func encode(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Payload: data})
}

// chunkHeader is the annotated part of a file-chunk payload.
type chunkHeader struct {
	Code       string `json:"code"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// encodeChunk builds a file-chunk frame with p.Data spliced in exactly as
// the sender wrote it. json.Marshal would compact and HTML-escape it.
func encodeChunk(p FileChunkPayload) ([]byte, error) {
	head, err := json.Marshal(chunkHeader{Code: p.Code, FileID: p.FileID, ChunkIndex: p.ChunkIndex})
	if err != nil {
		return nil, err
	}
	data := []byte(p.Data)
	if len(data) == 0 {
		data = []byte("null")
	}

	var buf bytes.Buffer
	buf.Grow(len(head) + len(data) + 48)
	buf.WriteString(`{"type":"` + EventFileChunk + `","payload":`)
	buf.Write(head[:len(head)-1])
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteString("}}")
	return buf.Bytes(), nil
}
