// Package fcm implements the per-session finite control machine.
//
// A Machine holds the session's current state and answers one question:
// given this trigger, where does the session go? Common rules (reset,
// error handling, timeouts, reply-busy gating) are evaluated first in a
// fixed priority order; only when none of them claims the trigger does the
// session's strategy table apply. Anything left unmatched is rejected and
// leaves the state untouched, so dispatching an arbitrary action is always
// safe.
//
// Hooks run in a fixed order around each transition: exit hooks of the old
// state, then the state assignment, then enter hooks of the new state.
// Store subscribers observe the transition afterwards. Hook errors are
// logged and never abort a transition.
//
// All methods are safe for concurrent use; transitions are serialized by
// the machine's lock.
package fcm

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/asrhub/internal/store"
)

type hookKey struct {
	state State
	enter bool
}

// Machine is one session's control machine.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	strategy  Strategy
	cfg       Config
	state     State
	hooks     map[hookKey][]Hook
}

// New creates a machine in IDLE for the given session and strategy.
func New(sessionID string, strategy Strategy, cfg Config) *Machine {
	if cfg.ReturnAfterCapture != Listening {
		cfg.ReturnAfterCapture = Activated
	}
	return &Machine{
		sessionID: sessionID,
		strategy:  strategy,
		cfg:       cfg,
		state:     Idle,
		hooks:     make(map[hookKey][]Hook),
	}
}

// SessionID returns the session this machine belongs to.
func (m *Machine) SessionID() string { return m.sessionID }

// Strategy returns the machine's fixed strategy.
func (m *Machine) Strategy() Strategy { return m.strategy }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEnter registers a hook that runs after the machine enters state.
// Hooks run under the machine's lock and must not call back into it;
// dispatching actions or arming timers from a hook is fine.
func (m *Machine) OnEnter(state State, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey{state, true}
	m.hooks[k] = append(m.hooks[k], h)
}

// OnExit registers a hook that runs before the machine leaves state.
func (m *Machine) OnExit(state State, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey{state, false}
	m.hooks[k] = append(m.hooks[k], h)
}

// Handle evaluates a trigger against the common rules and the strategy
// table, firing hooks when a transition happens. On a self-transition both
// exit and enter hooks run, so time-based re-arming works.
func (m *Machine) Handle(t Trigger) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, fired := m.evaluate(t)
	if !fired {
		return Transition{From: from, To: from, Fired: false}
	}

	m.runHooks(hookKey{from, false}, from, to, t)
	m.state = to
	m.runHooks(hookKey{to, true}, from, to, t)

	return Transition{From: from, To: to, Fired: true}
}

// TriggerFromAction adapts a store action into a machine trigger.
func TriggerFromAction(a store.Action) Trigger {
	return Trigger{
		Type:      a.Type,
		Timer:     a.String(store.KeyTimer),
		Source:    a.String(store.KeySource),
		Target:    a.String(store.KeyTarget),
		VADSpeech: a.Bool(store.KeyVADSpeech),
	}
}

// evaluate resolves the target state. Must be called with m.mu held.
func (m *Machine) evaluate(t Trigger) (State, bool) {
	cur := m.state

	// Common rules, strictly in priority order.

	// 1. reset wins from every state.
	if t.Type == store.TypeReset {
		return Idle, true
	}

	// 2. error transitions and the recovery path.
	switch t.Type {
	case store.TypeError:
		if cur != Error {
			return Error, true
		}
		return cur, false
	case store.TypeRecover:
		if cur == Error {
			return Recovering, true
		}
		return cur, false
	}
	if cur == Error || cur == Recovering {
		// Nothing but reset/error/recover moves a faulted session.
		return cur, false
	}

	// 3. timeouts, discriminated by the timer that fired.
	if t.Type == store.TypeTimeout {
		return m.evaluateTimeout(t)
	}

	// 4. a reply claims the session.
	if t.Type == store.TypeLLMReplyStarted || t.Type == store.TypeTTSPlaybackStarted {
		if cur == Busy {
			return cur, false
		}
		return Busy, true
	}

	// 5. rules inside BUSY.
	if cur == Busy {
		switch t.Type {
		case store.TypeInterruptReply:
			if t.Source == store.SourceVoice && !m.cfg.AllowBargeIn {
				return cur, false
			}
			if t.Source == store.SourceVoice && t.VADSpeech {
				switch m.strategy {
				case NonStreaming:
					return Recording, true
				case StreamingStrategy:
					return Streaming, true
				}
			}
			return Activated, true
		case store.TypeTTSPlaybackFinished:
			if m.cfg.KeepAwakeAfterReply {
				return Activated, true
			}
			return Listening, true
		case store.TypeLLMReplyFinished:
			// Stays BUSY; the effects layer arms the tts_claim timer.
			return cur, false
		}
		return cur, false
	}

	// 6. strategy table.
	return m.evaluateStrategy(t)
}

// evaluateTimeout applies rule 3 plus the claim-timer expirations. Must be
// called with m.mu held.
func (m *Machine) evaluateTimeout(t Trigger) (State, bool) {
	cur := m.state
	switch t.Timer {
	case TimerAwake, "":
		switch {
		case cur == Activated:
			return Listening, true
		case cur == Recording && m.strategy == NonStreaming && t.Timer == "":
			return Transcribing, true
		case cur == Streaming && m.strategy == StreamingStrategy && t.Timer == "":
			return Activated, true
		}
	case TimerRecording:
		if cur == Recording && m.strategy == NonStreaming {
			return Transcribing, true
		}
	case TimerStreaming:
		if cur == Streaming && m.strategy == StreamingStrategy {
			return Activated, true
		}
	case TimerLLMClaim:
		if cur == Activated {
			// No LLM took over; self-transition re-arms the awake window.
			return Activated, true
		}
	case TimerTTSClaim:
		if cur == Busy {
			return Activated, true
		}
	}
	return cur, false
}

// evaluateStrategy consults the session's transition table. Must be called
// with m.mu held.
func (m *Machine) evaluateStrategy(t Trigger) (State, bool) {
	cur := m.state
	switch m.strategy {
	case Batch:
		switch {
		case cur == Idle && t.Type == store.TypeUploadFile:
			return Processing, true
		case cur == Processing && t.Type == store.TypeTranscriptionDone:
			return Idle, true
		}

	case NonStreaming:
		switch {
		case cur == Idle && t.Type == store.TypeStartListening:
			return Listening, true
		case cur == Listening && t.Type == store.TypeWakeTriggered:
			return Activated, true
		case cur == Activated && t.Type == store.TypeStartRecording:
			return Recording, true
		case cur == Recording && t.Type == store.TypeEndRecording:
			return Transcribing, true
		case cur == Transcribing && t.Type == store.TypeTranscriptionDone:
			return m.cfg.ReturnAfterCapture, true
		}

	case StreamingStrategy:
		switch {
		case cur == Idle && t.Type == store.TypeStartListening:
			return Listening, true
		case cur == Listening && t.Type == store.TypeWakeTriggered:
			return Activated, true
		case cur == Activated && t.Type == store.TypeStartASRStreaming:
			return Streaming, true
		case cur == Streaming && t.Type == store.TypeEndASRStreaming:
			return m.cfg.ReturnAfterCapture, true
		}
	}
	return cur, false
}

// runHooks fires all hooks for a key. Must be called with m.mu held.
func (m *Machine) runHooks(k hookKey, from, to State, t Trigger) {
	for _, h := range m.hooks[k] {
		if err := h(from, to, t); err != nil {
			side := "exit"
			if k.enter {
				side = "enter"
			}
			slog.Error("state hook failed",
				"session_id", m.sessionID,
				"hook", side,
				"state", string(k.state),
				"from", string(from),
				"to", string(to),
				"trigger", t.Type,
				"error", err,
			)
		}
	}
}
