// Package ratelimit throttles session creation and join attempts per
// client address.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter counts requests per key within a sliding window.
type Limiter struct {
	mu        sync.Mutex
	entries   map[string][]time.Time
	max       int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// New creates a Limiter allowing max requests per window for each key.
// A max of 0 or less disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if key has not exceeded the limit.
// If allowed, the request is recorded.
func (l *Limiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) > l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	timestamps := l.entries[key]
	// Remove expired entries
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[key] = valid
		return false
	}

	l.entries[key] = append(valid, now)
	return true
}

// sweep drops keys whose newest request is older than cutoff.
func (l *Limiter) sweep(cutoff time.Time) {
	for key, timestamps := range l.entries {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ClientIP returns the address a request came from. When trustProxy is
// set, the first X-Forwarded-For entry wins over the socket address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
