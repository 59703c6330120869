package session

import (
	"strings"
	"sync"
	"time"
)

// LoginLimiter tracks failed sign-in attempts per credential over a sliding
// window. Successful sign-in clears the window.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	max      int
	window   time.Duration
}

// NewLoginLimiter creates a limiter allowing max failures per window.
func NewLoginLimiter(max int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		attempts: make(map[string][]time.Time),
		max:      max,
		window:   window,
	}
}

func limiterKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// LockedOut reports whether the credential has exhausted its window.
func (l *LoginLimiter) LockedOut(email string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(email)
	l.cleanup(key, now)
	return len(l.attempts[key]) >= l.max
}

// RecordFailure adds one failed attempt for the credential.
func (l *LoginLimiter) RecordFailure(email string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(email)
	l.cleanup(key, now)
	l.attempts[key] = append(l.attempts[key], now)
}

// Clear forgets the credential's failures.
func (l *LoginLimiter) Clear(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, limiterKey(email))
}

// cleanup removes attempts older than the window.
// Must be called while holding l.mu.
func (l *LoginLimiter) cleanup(key string, now time.Time) {
	cutoff := now.Add(-l.window)
	stamps := l.attempts[key]
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	if i == len(stamps) {
		delete(l.attempts, key)
		return
	}
	l.attempts[key] = stamps[i:]
}
