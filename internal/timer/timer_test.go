package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	if !s.Start("s1", "awake", 20*time.Millisecond, func() { fires.Add(1) }) {
		t.Fatal("Start() = false, want true")
	}

	time.Sleep(120 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}
	if _, ok := s.Remaining("s1", "awake"); ok {
		t.Error("Remaining() found timer after fire")
	}
}

func TestStartIsNoOpWhileRunning(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var first, second atomic.Int32
	s.Start("s1", "awake", 30*time.Millisecond, func() { first.Add(1) })
	if s.Start("s1", "awake", time.Millisecond, func() { second.Add(1) }) {
		t.Error("second Start() = true, want false while running")
	}

	time.Sleep(120 * time.Millisecond)
	if first.Load() != 1 || second.Load() != 0 {
		t.Errorf("fires = (%d, %d), want (1, 0)", first.Load(), second.Load())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	s.Start("s1", "recording", 30*time.Millisecond, func() { fires.Add(1) })
	s.Cancel("s1", "recording")
	s.Cancel("s1", "recording") // idempotent

	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Errorf("callback fired %d times after Cancel, want 0", got)
	}
}

func TestResetReplacesDeadline(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	s.Start("s1", "idle", 150*time.Millisecond, func() { fires.Add(1) })

	// Keep resetting before the deadline; the timer must not fire.
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		if !s.Reset("s1", "idle", 0, nil) {
			t.Fatal("Reset() = false, want true for a running timer")
		}
	}
	if got := fires.Load(); got != 0 {
		t.Fatalf("callback fired %d times during reset churn, want 0", got)
	}

	// Left alone, the original duration applies again.
	time.Sleep(400 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("callback fired %d times after final reset, want 1", got)
	}
}

func TestResetArmsWhenAbsent(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	if !s.Reset("s1", "idle", 15*time.Millisecond, func() { fires.Add(1) }) {
		t.Fatal("Reset() = false, want true when arming fresh")
	}
	if s.Reset("s1", "ghost", 0, nil) {
		t.Error("Reset() with no duration and no timer = true, want false")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	s.Start("s1", "awake", 500*time.Millisecond, func() {})

	left, ok := s.Remaining("s1", "awake")
	if !ok {
		t.Fatal("Remaining() = _, false for a running timer")
	}
	if left <= 0 || left > 500*time.Millisecond {
		t.Errorf("Remaining() = %v, want in (0, 500ms]", left)
	}
	if _, ok := s.Remaining("s1", "nope"); ok {
		t.Error("Remaining() = _, true for unknown timer")
	}
}

func TestCancelAll(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	cb := func() { fires.Add(1) }
	s.Start("s1", "awake", 30*time.Millisecond, cb)
	s.Start("s1", "recording", 30*time.Millisecond, cb)
	s.Start("s2", "awake", 30*time.Millisecond, cb)

	if got := s.CancelAll("s1"); got != 2 {
		t.Errorf("CancelAll(s1) = %d, want 2", got)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 (s2 untouched)", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("fires = %d, want 1 (only s2)", got)
	}
}

func TestPanickingCallbackDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var fires atomic.Int32
	s.Start("s1", "boom", 10*time.Millisecond, func() { panic("callback bug") })
	s.Start("s1", "after", 40*time.Millisecond, func() { fires.Add(1) })

	time.Sleep(150 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("later callback fired %d times, want 1 (worker must survive panics)", got)
	}
}

func TestDurationClamped(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	s.Start("s1", "huge", 100*MaxDuration, func() {})
	left, ok := s.Remaining("s1", "huge")
	if !ok {
		t.Fatal("Remaining() = _, false")
	}
	if left > MaxDuration {
		t.Errorf("Remaining() = %v, want <= %v", left, MaxDuration)
	}
}
