package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/christopherjohns/relaydrop/internal/capacity"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCodeDigits is the width of generated session codes.
	DefaultCodeDigits = 6

	// DefaultIdleTTL is how long a session with no members survives.
	DefaultIdleTTL = 30 * time.Minute
)

// Registry owns the table of active sessions keyed by code.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	limits       capacity.Limits
	digits       int
	codeSpace    *big.Int
	maxSessions  int
	idleTTL      time.Duration
	passwordCost int
	onExpire     func(code string)
	now          func() time.Time
	stopReap     context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimits sets the tier limits applied to file admission.
func WithLimits(l capacity.Limits) Option {
	return func(r *Registry) {
		r.limits = l
	}
}

// WithCodeDigits sets the number of decimal digits in generated codes.
func WithCodeDigits(n int) Option {
	return func(r *Registry) {
		r.digits = n
	}
}

// WithMaxSessions caps the number of concurrently active sessions.
// A value of 0 uses half of the code space.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithIdleTTL sets how long an empty session is kept before eviction.
// A value of 0 disables the reaper.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithPasswordCost sets the bcrypt cost used to hash session passwords.
func WithPasswordCost(cost int) Option {
	return func(r *Registry) {
		r.passwordCost = cost
	}
}

// NewRegistry creates a Registry and starts its reaper.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		limits:       capacity.DefaultLimits(),
		digits:       DefaultCodeDigits,
		idleTTL:      DefaultIdleTTL,
		passwordCost: bcrypt.DefaultCost,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.codeSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.digits)), nil)
	// Keep at least half the space free so code generation terminates quickly.
	half := new(big.Int).Rsh(r.codeSpace, 1)
	if half.IsInt64() && (r.maxSessions <= 0 || int64(r.maxSessions) > half.Int64()) {
		r.maxSessions = int(half.Int64())
	}

	if r.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopReap = cancel
		go r.reapLoop(ctx)
	}
	return r
}

// OnExpire registers a callback invoked with the code of every evicted session.
func (r *Registry) OnExpire(fn func(code string)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Limits returns the tier limits the registry enforces.
func (r *Registry) Limits() capacity.Limits {
	return r.limits
}

// Create stores a new session and returns it. An empty password means
// the session is open to anyone holding the code.
func (r *Registry) Create(password string) (*Session, error) {
	var hash []byte
	if password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword(passwordDigest(password), r.passwordCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, ErrRegistryFull
	}
	code, err := r.uniqueCode()
	if err != nil {
		return nil, err
	}
	s := newSession(code, hash, r.now())
	r.sessions[code] = s
	return s, nil
}

// uniqueCode draws codes until one is not in use. Must be called while holding mu.
func (r *Registry) uniqueCode() (string, error) {
	for {
		n, err := rand.Int(rand.Reader, r.codeSpace)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := fmt.Sprintf("%0*d", r.digits, n)
		if _, taken := r.sessions[code]; !taken {
			return code, nil
		}
	}
}

// Get returns the session for code, or nil if there is none.
func (r *Registry) Get(code string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[code]
}

// IsValid reports whether a session with this code currently exists.
func (r *Registry) IsValid(code string) bool {
	return r.Get(code) != nil
}

// ValidateJoin checks that code names an active session and that the
// password matches when the session has one.
func (r *Registry) ValidateJoin(code, password string) (*Session, error) {
	s := r.Get(code)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if !s.checkPassword(password) {
		return nil, ErrWrongPassword
	}
	return s, nil
}

// Join validates like ValidateJoin and takes a member reference on the
// session, which keeps it from being reaped until Leave is called.
func (r *Registry) Join(code, password string) (*Session, error) {
	s, err := r.ValidateJoin(code, password)
	if err != nil {
		return nil, err
	}
	if !s.attach() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Leave releases a member reference taken by Join.
func (r *Registry) Leave(code string) {
	if s := r.Get(code); s != nil {
		s.detach(r.now())
	}
}

// AdmitFile runs the capacity check for a new file and, when it passes,
// records the file and increments the session's file count. The check
// and the increment happen under the same lock.
func (r *Registry) AdmitFile(code, owner, fileID string, size int64) error {
	s := r.Get(code)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return ErrSessionNotFound
	}
	if _, exists := s.files[fileID]; exists {
		return ErrDuplicateFile
	}
	if d := r.limits.Check(s.fileCount, size); d != capacity.Admit {
		return d.Err()
	}
	s.fileCount++
	s.files[fileID] = &file{owner: owner}
	return nil
}

// FileOpen reports whether owner has an admitted, not yet completed file
// with this id in the session.
func (r *Registry) FileOpen(code, owner, fileID string) bool {
	s := r.Get(code)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	return ok && f.owner == owner && !f.completed
}

// CompleteFile marks an open file completed. It returns false if the
// file was not open for this owner.
func (r *Registry) CompleteFile(code, owner, fileID string) bool {
	s := r.Get(code)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok || f.owner != owner || f.completed {
		return false
	}
	f.completed = true
	return true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the reaper.
func (r *Registry) Close() {
	if r.stopReap != nil {
		r.stopReap()
	}
}

// minReapInterval bounds how often the reaper runs for tiny TTLs.
const minReapInterval = time.Millisecond

// reapLoop periodically evicts sessions that have been empty for idleTTL.
func (r *Registry) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(max(r.idleTTL/2, minReapInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	now := r.now()

	r.mu.Lock()
	var expired []string
	for code, s := range r.sessions {
		if s.expire(now, r.idleTTL) {
			delete(r.sessions, code)
			expired = append(expired, code)
		}
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	for _, code := range expired {
		log.Printf("session: evicted idle session %s", code)
		if onExpire != nil {
			onExpire(code)
		}
	}
}
