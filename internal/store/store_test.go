package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/asrhub/internal/clock"
)

// recordingValidator accepts every trigger and flips sessions between two
// fake states so tests can observe transition plumbing.
type recordingValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *recordingValidator) Evaluate(a Action) Transition {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if a.Type == TypeStartListening {
		return Transition{From: "IDLE", To: "LISTENING", Fired: true}
	}
	return Transition{}
}

func newRunningStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(0)
	s := New(clk)
	return s, clk
}

func drain(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatchReducesAndNotifiesExactlyOnce(t *testing.T) {
	t.Parallel()

	s, clk := newRunningStore(t)
	v := &recordingValidator{}
	s.SetValidator(v)

	var mu sync.Mutex
	notified := map[string]int{}
	s.Subscribe(func(a Action, tr Transition, prev, next *State) {
		mu.Lock()
		notified[a.Type]++
		mu.Unlock()
	})

	go s.Run()
	clk.Advance(1)
	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "non_streaming"))
	s.Dispatch(NewAction(TypeStartListening, "s1"))
	drain(t, s)

	if got := notified[TypeSessionCreate]; got != 1 {
		t.Errorf("subscriber saw session/create %d times, want 1", got)
	}
	if got := notified[TypeStartListening]; got != 1 {
		t.Errorf("subscriber saw start_listening %d times, want 1", got)
	}
	if v.calls != 2 {
		t.Errorf("validator evaluated %d actions, want 2", v.calls)
	}

	snap := s.Snapshot()
	sess, ok := Session(snap, "s1")
	if !ok {
		t.Fatal("Session() not found after create")
	}
	if sess.State != "LISTENING" {
		t.Errorf("session state = %q, want LISTENING", sess.State)
	}
	if got := TotalStats(snap).ActionsDispatched; got != 2 {
		t.Errorf("ActionsDispatched = %d, want 2", got)
	}
}

func TestPerSessionOrderIsArrivalOrder(t *testing.T) {
	t.Parallel()

	s, _ := newRunningStore(t)

	var mu sync.Mutex
	var seen []string
	s.Subscribe(func(a Action, tr Transition, prev, next *State) {
		mu.Lock()
		seen = append(seen, a.String(KeyChunkID))
		mu.Unlock()
	})

	go s.Run()
	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "streaming"))
	for i := 0; i < 100; i++ {
		s.Dispatch(NewAction(TypeAudioChunk, "s1").
			With(KeyChunkID, fmt.Sprintf("c%03d", i)).
			With(KeyAudio, []byte{1, 2}))
	}
	drain(t, s)

	if len(seen) != 101 {
		t.Fatalf("subscriber saw %d actions, want 101", len(seen))
	}
	for i := 1; i < 101; i++ {
		want := fmt.Sprintf("c%03d", i-1)
		if seen[i] != want {
			t.Fatalf("action %d chunk_id = %q, want %q", i, seen[i], want)
		}
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	t.Parallel()

	s, _ := newRunningStore(t)
	go s.Run()

	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "batch"))
	// Give dispatch a chance, then capture.
	s.Dispatch(NewAction(TypeAudioChunk, "s1").With(KeyAudio, []byte{0}))
	drain(t, s)

	before := s.Snapshot()
	chunksBefore := before.Sessions["s1"].ChunksReceived

	// Reduce on top of the captured snapshot; the original must not change.
	Reduce(before, NewAction(TypeAudioChunk, "s1").With(KeyAudio, []byte{0, 1}), Transition{})
	if got := before.Sessions["s1"].ChunksReceived; got != chunksBefore {
		t.Errorf("snapshot mutated: ChunksReceived = %d, want %d", got, chunksBefore)
	}
}

func TestReducerIsTotal(t *testing.T) {
	t.Parallel()

	prev := NewState()
	prev.Sessions["s1"] = SessionState{ID: "s1", State: "IDLE"}

	next := Reduce(prev, Action{Type: "vendor/esoteric_extension", Payload: map[string]any{
		KeySessionID: "s1", KeyTimestamp: 4.2,
	}}, Transition{})

	if next.Stats.ActionsDispatched != 1 {
		t.Errorf("ActionsDispatched = %d, want 1", next.Stats.ActionsDispatched)
	}
	sess := next.Sessions["s1"]
	if sess.State != "IDLE" {
		t.Errorf("state = %q, want IDLE (unknown types must not change state)", sess.State)
	}
	if sess.LastEventAt != 4.2 {
		t.Errorf("LastEventAt = %v, want 4.2", sess.LastEventAt)
	}
}

func TestDestroyRemovesSession(t *testing.T) {
	t.Parallel()

	s, _ := newRunningStore(t)
	go s.Run()

	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "non_streaming"))
	s.Dispatch(NewAction(TypeSessionDestroy, "s1"))
	s.Dispatch(NewAction(TypeSessionDestroy, "s1")) // idempotent
	drain(t, s)

	snap := s.Snapshot()
	if _, ok := Session(snap, "s1"); ok {
		t.Error("Session() still present after destroy")
	}
	if got := TotalStats(snap).SessionsDestroyed; got != 1 {
		t.Errorf("SessionsDestroyed = %d, want 1", got)
	}
}

func TestErrorAndResetBookkeeping(t *testing.T) {
	t.Parallel()

	s, _ := newRunningStore(t)
	go s.Run()

	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "non_streaming"))
	s.Dispatch(NewAction(TypeError, "s1").
		With(KeyErrorCode, "PROVIDER_LEASE_TIMEOUT").
		With(KeyErrorMessage, "no instance available"))
	drain(t, s)

	sess, _ := Session(s.Snapshot(), "s1")
	if sess.LastError == nil || sess.LastError.Code != "PROVIDER_LEASE_TIMEOUT" {
		t.Fatalf("LastError = %+v, want PROVIDER_LEASE_TIMEOUT", sess.LastError)
	}

	next := Reduce(s.Snapshot(), NewAction(TypeReset, "s1").With(KeyTimestamp, 9.0), Transition{})
	if next.Sessions["s1"].LastError != nil {
		t.Error("LastError survived reset")
	}
}

func TestSelectors(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Sessions["a"] = SessionState{ID: "a", State: "RECORDING"}
	st.Sessions["b"] = SessionState{ID: "b", State: "STREAMING"}
	st.Sessions["c"] = SessionState{ID: "c", State: "IDLE"}

	if got := SessionCount(st); got != 3 {
		t.Errorf("SessionCount() = %d, want 3", got)
	}
	got := CapturingSessions(st)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("CapturingSessions() = %v, want [a b]", got)
	}
	if got := SessionsInState(st, "IDLE"); len(got) != 1 || got[0] != "c" {
		t.Errorf("SessionsInState(IDLE) = %v, want [c]", got)
	}
}

func TestPanickingSubscriberDoesNotStopDispatch(t *testing.T) {
	t.Parallel()

	s, _ := newRunningStore(t)
	s.Subscribe(func(a Action, tr Transition, prev, next *State) {
		panic("subscriber bug")
	})
	var count int
	s.Subscribe(func(a Action, tr Transition, prev, next *State) {
		count++
	})

	go s.Run()
	s.Dispatch(NewAction(TypeSessionCreate, "s1").With(KeyStrategy, "batch"))
	s.Dispatch(NewAction(TypeSessionDestroy, "s1"))
	drain(t, s)

	if count != 2 {
		t.Errorf("second subscriber saw %d actions, want 2", count)
	}
}

func TestActionPayloadHelpers(t *testing.T) {
	t.Parallel()

	a := NewAction(TypeAudioChunk, "s1").
		With(KeySampleRate, 16000).
		With(KeyConfidence, 0.87).
		With(KeyIsFinal, true).
		With(KeyAudio, []byte{9})

	if got := a.SessionID(); got != "s1" {
		t.Errorf("SessionID() = %q, want s1", got)
	}
	if got := a.Int(KeySampleRate); got != 16000 {
		t.Errorf("Int(sample_rate) = %d, want 16000", got)
	}
	if got := a.Float(KeyConfidence); got != 0.87 {
		t.Errorf("Float(confidence) = %v, want 0.87", got)
	}
	if !a.Bool(KeyIsFinal) {
		t.Error("Bool(is_final) = false, want true")
	}
	if got := a.Bytes(KeyAudio); len(got) != 1 || got[0] != 9 {
		t.Errorf("Bytes(audio) = %v, want [9]", got)
	}
	// With never mutates the receiver.
	b := a.With(KeySampleRate, 8000)
	if a.Int(KeySampleRate) != 16000 || b.Int(KeySampleRate) != 8000 {
		t.Error("With() mutated the original action payload")
	}
}
