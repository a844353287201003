// Package clock provides the hub's time and identity primitives: a
// monotonic clock expressed as float64 seconds, and time-ordered session
// IDs.
//
// All timestamps that order audio chunks, windows and state snapshots come
// from a single Clock instance so that comparisons across subsystems are
// meaningful. Wall-clock time is never used for ordering; it appears only
// in log output.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock yields monotonic timestamps in seconds. Implementations must be
// safe for concurrent use.
type Clock interface {
	// Now returns seconds elapsed on a monotonic scale. Successive calls
	// never observe a smaller value.
	Now() float64
}

// Monotonic is the production Clock. It measures elapsed time against a
// fixed origin captured at construction, so values are small, positive and
// immune to wall-clock adjustments.
type Monotonic struct {
	origin time.Time
}

// NewMonotonic returns a Clock anchored at the current instant.
func NewMonotonic() *Monotonic {
	return &Monotonic{origin: time.Now()}
}

// Now implements Clock.
func (m *Monotonic) Now() float64 {
	return time.Since(m.origin).Seconds()
}

// Manual is a hand-driven Clock for tests.
type Manual struct {
	mu  sync.Mutex
	now float64
}

// NewManual returns a Manual clock starting at t seconds.
func NewManual(t float64) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d seconds. Negative values are ignored.
func (m *Manual) Advance(d float64) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set jumps the clock to t seconds if t is ahead of the current value.
func (m *Manual) Set(t float64) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}

// NewSessionID returns a session identifier that sorts by creation time.
// UUIDv7 embeds a millisecond timestamp in its most significant bits, so
// lexical order matches creation order across the whole hub.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Entropy exhaustion is the only failure mode; fall back to v4
		// rather than propagate an error nobody can act on.
		return uuid.NewString()
	}
	return id.String()
}

// NewRequestID returns a short-lived correlation ID for a single operation.
func NewRequestID() string {
	return uuid.NewString()
}
