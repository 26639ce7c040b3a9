// Package session holds the registry of active transfer sessions.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWrongPassword   = errors.New("wrong password")
	ErrDuplicateFile   = errors.New("file id already in use")
	ErrRegistryFull    = errors.New("session registry is full")
)

// file tracks one admitted transfer.
type file struct {
	owner     string
	completed bool
}

// Session is one transfer rendezvous point. Code and CreatedAt never
// change after creation; everything else is guarded by mu.
type Session struct {
	Code      string
	CreatedAt time.Time

	passwordHash []byte

	mu        sync.Mutex
	fileCount int
	files     map[string]*file
	members   int
	idleSince time.Time
	evicted   bool
}

func newSession(code string, hash []byte, now time.Time) *Session {
	return &Session{
		Code:         code,
		CreatedAt:    now,
		passwordHash: hash,
		files:        make(map[string]*file),
		idleSince:    now,
	}
}

// HasPassword reports whether joining requires a password.
func (s *Session) HasPassword() bool {
	return len(s.passwordHash) > 0
}

// FileCount returns the number of files admitted so far.
func (s *Session) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileCount
}

// Members returns the number of connections currently joined.
func (s *Session) Members() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members
}

// checkPassword compares against the stored hash. A session without a
// password accepts anything; a session with one rejects an empty value.
func (s *Session) checkPassword(password string) bool {
	if !s.HasPassword() {
		return true
	}
	if password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.passwordHash, passwordDigest(password)) == nil
}

// passwordDigest is what bcrypt sees: a hex SHA-256 of the password,
// which stays under bcrypt's 72-byte input limit for any length.
func passwordDigest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

// attach adds a member reference. It fails if the reaper evicted the
// session after it was looked up.
func (s *Session) attach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.members++
	return true
}

func (s *Session) detach(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == 0 {
		return
	}
	s.members--
	if s.members == 0 {
		s.idleSince = now
	}
}

// expire marks the session evicted if it has been empty longer than ttl.
func (s *Session) expire(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members > 0 || now.Sub(s.idleSince) <= ttl {
		return false
	}
	s.evicted = true
	return true
}
