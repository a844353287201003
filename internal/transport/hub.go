package transport

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/asrhub/internal/store"
)

// FirehoseSession subscribes to the events of every session.
const FirehoseSession = "*"

const defaultSubscriberDepth = 64

// Hub translates store actions into outbound envelopes and fans them out
// to transport subscribers. A slow subscriber never blocks the dispatch
// worker: when its channel is full the event is dropped and counted.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch      chan Envelope
	dropped int
}

// NewHub creates an empty hub. Attach it with Register before the store
// runs.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*subscriber)}
}

// Register installs the hub as a store subscriber.
func (h *Hub) Register(st *store.Store) {
	st.Subscribe(h.onAction)
}

// Subscribe returns a channel of events for one session (or all sessions
// via FirehoseSession) and a cancel function. depth <= 0 selects the
// default buffer.
func (h *Hub) Subscribe(sessionID string, depth int) (<-chan Envelope, func()) {
	if depth <= 0 {
		depth = defaultSubscriberDepth
	}
	sub := &subscriber{ch: make(chan Envelope, depth)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]*subscriber)
	}
	h.subs[sessionID][id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an envelope to the session's subscribers and the
// firehose. Transports use it for events that do not originate in the
// store.
func (h *Hub) Publish(sessionID string, env Envelope) {
	if env.SessionID == "" {
		env.SessionID = sessionID
	}
	env = env.Stamped()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.deliverLocked(sessionID, env)
	if sessionID != FirehoseSession {
		h.deliverLocked(FirehoseSession, env)
	}
}

func (h *Hub) deliverLocked(key string, env Envelope) {
	for _, sub := range h.subs[key] {
		select {
		case sub.ch <- env:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				slog.Warn("event subscriber lagging, dropping events",
					"session_id", env.SessionID, "dropped_total", sub.dropped)
			}
		}
	}
}

// Close drops every subscriber. Events published afterwards are discarded.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]map[int]*subscriber)
	h.mu.Unlock()

	for _, set := range subs {
		for _, sub := range set {
			close(sub.ch)
		}
	}
	return nil
}

// onAction maps one applied store action onto zero or more outbound
// events. Runs on the dispatch worker.
func (h *Hub) onAction(a store.Action, tr store.Transition, prev, next *store.State) {
	id := a.SessionID()
	if id == "" {
		return
	}

	switch a.Type {
	case store.TypeSessionCreate:
		sess := next.Sessions[id]
		h.Publish(id, Envelope{Type: EventSessionCreated, SessionID: id, Payload: map[string]any{
			"strategy": string(sess.Strategy),
			"state":    sess.State,
		}})
	case store.TypeSessionDestroy:
		h.Publish(id, Envelope{Type: EventSessionDestroyed, SessionID: id})
	case store.TypeStartListening:
		if tr.Fired {
			h.Publish(id, Envelope{Type: EventListeningStarted, SessionID: id, Payload: map[string]any{
				"sample_rate": next.Sessions[id].Audio.SampleRate,
				"channels":    next.Sessions[id].Audio.Channels,
				"format":      next.Sessions[id].Audio.Format,
			}})
		}
	case store.TypeAudioChunk:
		h.Publish(id, Envelope{Type: EventAudioReceived, SessionID: id, Payload: map[string]any{
			"bytes":     len(a.Bytes(store.KeyAudio)),
			"timestamp": a.Float(store.KeyTimestamp),
		}})
		return // audio acks skip the status fan-out below
	case store.TypeAudioMetadata:
		h.Publish(id, Envelope{Type: EventAudioMetadataAck, SessionID: id, Payload: map[string]any{
			"sample_rate": a.Int(store.KeySampleRate),
			"channels":    a.Int(store.KeyChannels),
			"format":      a.String(store.KeyFormat),
		}})
	case store.TypeWakeTriggered:
		if tr.Fired {
			h.Publish(id, Envelope{Type: EventPlayASRFeedback, SessionID: id, Payload: map[string]any{
				"keyword":    a.String(store.KeyKeyword),
				"confidence": a.Float(store.KeyConfidence),
			}})
		}
	case store.TypeStartRecording, store.TypeStartASRStreaming:
		if tr.Fired {
			h.Publish(id, Envelope{Type: EventCaptureStarted, SessionID: id, Payload: map[string]any{
				"mode": captureMode(a.Type),
			}})
		}
	case store.TypeEndRecording, store.TypeEndASRStreaming:
		if tr.Fired {
			h.Publish(id, Envelope{Type: EventCaptureEnded, SessionID: id, Payload: map[string]any{
				"mode":    captureMode(a.Type),
				"trigger": a.String(store.KeyTrigger),
			}})
		}
	case store.TypeTranscriptionDone:
		payload := map[string]any{
			"text":       a.String(store.KeyText),
			"confidence": a.Float(store.KeyConfidence),
			"is_final":   a.Bool(store.KeyIsFinal),
		}
		if lang := a.String(store.KeyLanguage); lang != "" {
			payload["language"] = lang
		}
		h.Publish(id, Envelope{Type: EventTranscript, SessionID: id, Payload: payload})
		if a.Bool(store.KeyIsFinal) {
			h.Publish(id, Envelope{Type: EventTranscribeDone, SessionID: id, Payload: payload})
		}
	case store.TypeError:
		h.Publish(id, Envelope{Type: EventErrorReported, SessionID: id, Payload: map[string]any{
			"code":    a.String(store.KeyErrorCode),
			"message": a.String(store.KeyErrorMessage),
		}})
	}

	if tr.Fired {
		h.Publish(id, Envelope{Type: EventStatus, SessionID: id, Payload: map[string]any{
			"previous": tr.From,
			"state":    tr.To,
			"action":   a.Type,
		}})
	}
}

func captureMode(actionType string) string {
	if actionType == store.TypeStartASRStreaming || actionType == store.TypeEndASRStreaming {
		return "streaming"
	}
	return "recording"
}
