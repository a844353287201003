// Package timer provides named per-session timers for the control machine:
// awake timeouts, recording and streaming watchdogs, llm/tts claim windows
// and the session idle sweep all run through one Service.
//
// Each (session, name) pair holds at most one running timer. Callbacks are
// delivered on a worker goroutine separate from the goroutine that armed
// the timer, so a callback can safely dispatch back into the store.
//
// All methods are safe for concurrent use.
package timer

import (
	"log/slog"
	"sync"
	"time"
)

// MaxDuration caps every timer; durations are clamped into [0, MaxDuration].
const MaxDuration = 24 * time.Hour

type key struct {
	session string
	name    string
}

type entry struct {
	timer    *time.Timer
	duration time.Duration // original duration, used by Reset without one
	deadline time.Time
	callback func()
}

// Service owns all timers in the process.
type Service struct {
	mu     sync.Mutex
	timers map[key]*entry
	jobs   chan func()
	stop   chan struct{}
	once   sync.Once
}

// NewService starts the callback worker and returns a ready Service.
func NewService() *Service {
	s := &Service{
		timers: make(map[key]*entry),
		jobs:   make(chan func(), 256),
		stop:   make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Service) worker() {
	for {
		select {
		case job := <-s.jobs:
			runCallback(job)
		case <-s.stop:
			return
		}
	}
}

// runCallback shields the worker from panicking callbacks.
func runCallback(job func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("timer callback panicked", "panic", r)
		}
	}()
	job()
}

// Start arms a timer unless one with the same (session, name) is already
// running. Reports whether a new timer was armed.
func (s *Service) Start(sessionID, name string, d time.Duration, callback func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, name}
	if _, running := s.timers[k]; running {
		return false
	}
	s.armLocked(k, clamp(d), callback)
	return true
}

// Reset cancels any running (session, name) timer and re-arms it. A
// non-positive d re-arms with the timer's original duration; when no timer
// exists, a positive d arms a fresh one and a non-positive d is a no-op.
// Reports whether a timer is running afterwards.
func (s *Service) Reset(sessionID, name string, d time.Duration, callback func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, name}
	e, ok := s.timers[k]
	if ok {
		e.timer.Stop()
		delete(s.timers, k)
		if d <= 0 {
			d = e.duration
		}
		if callback == nil {
			callback = e.callback
		}
	}
	if d <= 0 || callback == nil {
		return false
	}
	s.armLocked(k, clamp(d), callback)
	return true
}

// Cancel stops the timer if it is running. Idempotent.
func (s *Service) Cancel(sessionID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, name}
	if e, ok := s.timers[k]; ok {
		e.timer.Stop()
		delete(s.timers, k)
	}
}

// Remaining returns the time left on a running timer. The second return is
// false when no such timer is running.
func (s *Service) Remaining(sessionID, name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[key{sessionID, name}]
	if !ok {
		return 0, false
	}
	left := time.Until(e.deadline)
	if left < 0 {
		left = 0
	}
	return left, true
}

// CancelAll stops every timer belonging to the session and returns how many
// were running. Called on session destruction.
func (s *Service) CancelAll(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.timers {
		if k.session != sessionID {
			continue
		}
		e.timer.Stop()
		delete(s.timers, k)
		n++
	}
	return n
}

// Len reports the number of running timers across all sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops the callback worker. Running timers are not fired; callers
// are expected to have swept sessions with CancelAll first.
func (s *Service) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// armLocked creates the entry and schedules the fire. Must be called with
// s.mu held and d already clamped.
func (s *Service) armLocked(k key, d time.Duration, callback func()) {
	e := &entry{
		duration: d,
		deadline: time.Now().Add(d),
		callback: callback,
	}
	e.timer = time.AfterFunc(d, func() { s.fire(k, e) })
	s.timers[k] = e
}

// fire delivers the callback through the worker, unless the timer was
// canceled or replaced after the underlying time.Timer already fired.
func (s *Service) fire(k key, e *entry) {
	s.mu.Lock()
	current, ok := s.timers[k]
	if !ok || current != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	s.mu.Unlock()

	select {
	case s.jobs <- e.callback:
	case <-s.stop:
	default:
		// Worker backlog is full; run on a fresh goroutine rather than
		// delay other timers.
		go runCallback(e.callback)
	}
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDuration {
		return MaxDuration
	}
	return d
}
