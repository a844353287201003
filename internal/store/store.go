// Package store is the event-driven heart of the hub: a single place where
// every action is validated against the session's control machine, folded
// into an immutable state snapshot by a pure reducer, and fanned out to
// subscribers.
//
// Dispatch is serialized: one worker applies actions in arrival order, so
// per-session ordering is total and subscribers always observe matching
// (prev, next) snapshots. Subscribers must not block; anything slow belongs
// on the subscriber's own goroutines.
package store

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/asrhub/internal/clock"
)

// Transition is the control-machine outcome attached to an action during
// dispatch. Fired is false when the action does not transition the machine,
// either because it is not a trigger or because the machine rejected it.
type Transition struct {
	From  string
	To    string
	Fired bool
}

// Validator is consulted once per dispatched action, before the reducer.
// The effects layer implements it with the per-session control machines.
type Validator interface {
	Evaluate(a Action) Transition
}

// Subscriber receives every dispatched action with the state snapshots
// around it. Called on the dispatch worker in registration order.
type Subscriber func(a Action, tr Transition, prev, next *State)

// Store serializes dispatch and owns the state snapshot.
type Store struct {
	clk clock.Clock

	mu      sync.Mutex
	pending []Action
	wake    chan struct{}
	closed  bool

	stateMu   sync.RWMutex
	state     *State
	validator Validator
	subs      []Subscriber

	done chan struct{}
}

// New creates a store stamping actions with clk. Run must be called before
// dispatched actions are processed.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:   clk,
		wake:  make(chan struct{}, 1),
		state: NewState(),
		done:  make(chan struct{}),
	}
}

// SetValidator installs the control-machine authority. Must be called
// before Run.
func (s *Store) SetValidator(v Validator) {
	s.validator = v
}

// Subscribe registers a subscriber. Must be called before Run.
func (s *Store) Subscribe(sub Subscriber) {
	s.subs = append(s.subs, sub)
}

// Dispatch queues an action for processing. Actions without a timestamp are
// stamped on arrival, so ordering follows arrival even if processing lags.
// Dispatch never blocks and is safe from subscriber callbacks.
func (s *Store) Dispatch(a Action) {
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	if _, ok := a.Payload[KeyTimestamp]; !ok {
		a = a.With(KeyTimestamp, s.clk.Now())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Debug("action dropped, store closed", "type", a.Type, "session_id", a.SessionID())
		return
	}
	s.pending = append(s.pending, a)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes dispatched actions until Close is called and the queue is
// drained. It is the only goroutine that mutates state.
func (s *Store) Run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, a := range batch {
			s.apply(a)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}

// Close stops the worker after the queue drains. Safe to call once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	return nil
}

// Snapshot returns the current immutable state.
func (s *Store) Snapshot() *State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Store) apply(a Action) {
	tr := Transition{}
	if s.validator != nil {
		tr = s.validator.Evaluate(a)
	}

	prev := s.state
	next := Reduce(prev, a, tr)

	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()

	for _, sub := range s.subs {
		notify(sub, a, tr, prev, next)
	}
}

// notify shields the dispatch worker from panicking subscribers.
func notify(sub Subscriber, a Action, tr Transition, prev, next *State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("store subscriber panicked", "type", a.Type, "panic", r)
		}
	}()
	sub(a, tr, prev, next)
}
