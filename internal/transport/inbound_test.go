package transport

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
)

type inboundHarness struct {
	store   *store.Store
	inbound *Inbound

	mu      sync.Mutex
	actions []store.Action
}

func newInboundHarness(t *testing.T) *inboundHarness {
	t.Helper()

	clk := clock.NewMonotonic()
	st := store.New(clk)
	timers := timer.NewService()
	queues := audioqueue.NewManager(clk, audioqueue.Config{MaxBytes: 1 << 20, MaxAge: time.Minute})
	eff := effects.New(effects.Config{}, effects.Deps{
		Clock:  clk,
		Store:  st,
		Timers: timers,
		Queues: queues,
	})
	eff.Register()

	h := &inboundHarness{store: st, inbound: NewInbound(st, eff)}
	st.Subscribe(func(a store.Action, _ store.Transition, _, _ *store.State) {
		h.mu.Lock()
		h.actions = append(h.actions, a)
		h.mu.Unlock()
	})
	go st.Run()
	t.Cleanup(func() {
		eff.Close()
		st.Close()
		timers.Close()
		queues.Close()
	})
	return h
}

func (h *inboundHarness) waitForAction(t *testing.T, typ string) store.Action {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, a := range h.actions {
			if a.Type == typ {
				h.mu.Unlock()
				return a
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %q never dispatched", typ)
	return store.Action{}
}

func TestInboundSessionCreateGeneratesID(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	id, err := h.inbound.Handle(Envelope{Type: InSessionCreate, Payload: map[string]any{
		"strategy": "streaming",
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if id == "" {
		t.Fatal("no session ID generated")
	}

	a := h.waitForAction(t, store.TypeSessionCreate)
	if got := a.String(store.KeyStrategy); got != "streaming" {
		t.Errorf("strategy = %q, want streaming", got)
	}
	if a.SessionID() != id {
		t.Errorf("action session = %q, want %q", a.SessionID(), id)
	}
}

func TestInboundRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	if _, err := h.inbound.Handle(Envelope{Type: InSessionCreate, Payload: map[string]any{
		"strategy": "clairvoyant",
	}}); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestInboundRejectsUnknownType(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	if _, err := h.inbound.Handle(Envelope{Type: "session/frobnicate", SessionID: "s1"}); err == nil {
		t.Error("unknown message type accepted")
	}
}

func TestInboundFileUploadAssemblesParts(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	id, err := h.inbound.Handle(Envelope{Type: InSessionCreate, Payload: map[string]any{
		"strategy": "batch",
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	part1 := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	part2 := base64.StdEncoding.EncodeToString([]byte{4, 5})
	for _, part := range []string{part1, part2} {
		if _, err := h.inbound.Handle(Envelope{Type: InFileUpload, SessionID: id,
			Payload: map[string]any{"data": part}}); err != nil {
			t.Fatalf("upload part: %v", err)
		}
	}
	if _, err := h.inbound.Handle(Envelope{Type: InFileUploadDone, SessionID: id,
		Payload: map[string]any{"format": "wav"}}); err != nil {
		t.Fatalf("upload done: %v", err)
	}

	a := h.waitForAction(t, store.TypeUploadFile)
	if got := a.Bytes(store.KeyAudio); len(got) != 5 {
		t.Errorf("assembled upload = %d bytes, want 5", len(got))
	}
	if got := a.String(store.KeyFormat); got != "wav" {
		t.Errorf("format = %q, want wav", got)
	}
}

func TestInboundUploadDoneWithoutDataFails(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	if _, err := h.inbound.Handle(Envelope{Type: InFileUploadDone, SessionID: "s1"}); err == nil {
		t.Error("empty upload accepted")
	}
}

func TestInboundDisconnectedDispatches(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	h.inbound.Disconnected("s1", "websocket")
	a := h.waitForAction(t, store.TypeDisconnected)
	if got := a.String(store.KeyTransport); got != "websocket" {
		t.Errorf("transport = %q, want websocket", got)
	}
}

func TestInboundTranscriptionStartBeginsStreaming(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	id := "sess-live"
	if _, err := h.inbound.Handle(Envelope{Type: InTranscriptionStart, SessionID: id}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	a := h.waitForAction(t, store.TypeStartASRStreaming)
	if a.SessionID() != id {
		t.Errorf("action session = %q, want %q", a.SessionID(), id)
	}
}

func TestInboundTranscriptionDoneEndsStreaming(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	if _, err := h.inbound.Handle(Envelope{Type: InTranscriptionDone, SessionID: "sess-live"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	a := h.waitForAction(t, store.TypeEndASRStreaming)
	if got := a.String(store.KeyTrigger); got != store.TriggerManual {
		t.Errorf("trigger = %q, want %q", got, store.TriggerManual)
	}
}

func TestInboundTranscriptionDoneIngestsExternalResult(t *testing.T) {
	t.Parallel()
	h := newInboundHarness(t)

	if _, err := h.inbound.Handle(Envelope{Type: InTranscriptionDone, SessionID: "sess-ext", Payload: map[string]any{
		"text":       "dim the lights",
		"confidence": 0.87,
	}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	a := h.waitForAction(t, store.TypeTranscriptionDone)
	if got := a.String(store.KeyText); got != "dim the lights" {
		t.Errorf("text = %q, want dim the lights", got)
	}
	if got := a.Float(store.KeyConfidence); got != 0.87 {
		t.Errorf("confidence = %g, want 0.87", got)
	}
	if !a.Bool(store.KeyIsFinal) {
		t.Error("external transcript not marked final")
	}
}
