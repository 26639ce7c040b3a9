package message

import "sync"

// MessageStore is the interface for chat history backends.
type MessageStore interface {
	Append(msg *Message)
	Recent(code string, n int) []*Message
	DeleteSession(code string)
	Count(code string) int
}

// Store keeps recent messages per session in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]*Message
	maxSize  int
}

// NewStore creates a message store that retains up to maxSize messages per session.
func NewStore(maxSize int) *Store {
	return &Store{
		sessions: make(map[string][]*Message),
		maxSize:  maxSize,
	}
}

// Append adds a message to the session's history. A store with
// maxSize <= 0 keeps nothing.
func (s *Store) Append(msg *Message) {
	if s.maxSize <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.sessions[msg.SessionCode], msg)
	if len(msgs) > s.maxSize {
		msgs = msgs[len(msgs)-s.maxSize:]
	}
	s.sessions[msg.SessionCode] = msgs
}

// Recent returns up to the last n messages of a session, oldest first.
func (s *Store) Recent(code string, n int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[code]
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	result := make([]*Message, len(msgs))
	copy(result, msgs)
	return result
}

// DeleteSession removes all stored messages for a session.
func (s *Store) DeleteSession(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
}

// Count returns the number of stored messages for a session.
func (s *Store) Count(code string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[code])
}
