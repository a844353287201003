package audioqueue

import (
	"sync"

	"github.com/MrWong99/asrhub/internal/clock"
)

// Manager owns one Queue per session. Queues are created lazily on first
// use and destroyed when the session ends.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	clk    clock.Clock
	cfg    Config
	queues map[string]*Queue
}

// NewManager creates a Manager that stamps all queues with clk and applies
// cfg to each new queue.
func NewManager(clk clock.Clock, cfg Config) *Manager {
	return &Manager{
		clk:    clk,
		cfg:    cfg,
		queues: make(map[string]*Queue),
	}
}

// Get returns the session's queue, creating it if needed.
func (m *Manager) Get(sessionID string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[sessionID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sessionID]; ok {
		return q
	}
	q = New(m.clk, m.cfg)
	m.queues[sessionID] = q
	return q
}

// Lookup returns the session's queue without creating one.
func (m *Manager) Lookup(sessionID string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[sessionID]
	return q, ok
}

// Destroy closes and removes the session's queue. Unknown sessions are a
// no-op.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	delete(m.queues, sessionID)
	m.mu.Unlock()

	if ok {
		q.Close()
	}
}

// Close destroys every queue. The manager stays usable afterwards; this is
// a shutdown sweep, not a terminal state.
func (m *Manager) Close() error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	return nil
}

// Len reports how many session queues currently exist.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}
