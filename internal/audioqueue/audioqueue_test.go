package audioqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/internal/clock"
)

func TestPushAssignsStrictlyIncreasingTimestamps(t *testing.T) {
	t.Parallel()

	// A manual clock that never advances forces every push into the
	// collision path.
	clk := clock.NewManual(100)
	q := New(clk, Config{})

	var prev float64
	for i := 0; i < 10; i++ {
		ts, err := q.Push([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if ts <= prev {
			t.Fatalf("push %d: timestamp %v not after %v", i, ts, prev)
		}
		prev = ts
	}
	if want := 100 + 9*1e-6; prev < want-1e-9 || prev > want+1e-9 {
		t.Errorf("final timestamp = %v, want ~%v", prev, want)
	}
}

func TestPullReturnsChunksInOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})
	if err := q.OpenReader("vad"); err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		clk.Advance(0.02)
		if _, err := q.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		chunk, err := q.Pull("vad", 0)
		if err != nil {
			t.Fatalf("Pull() #%d error = %v", i, err)
		}
		if got := chunk.Data[0]; got != byte(i) {
			t.Errorf("Pull() #%d data = %d, want %d", i, got, i)
		}
	}

	if _, err := q.Pull("vad", 0); !errors.Is(err, ErrTimeout) {
		t.Errorf("Pull() on drained queue error = %v, want ErrTimeout", err)
	}
}

func TestReaderSeesOnlyChunksPushedAfterOpen(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})

	clk.Advance(1)
	if _, err := q.Push([]byte("before")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := q.OpenReader("wake"); err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	clk.Advance(1)
	if _, err := q.Push([]byte("after")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	chunk, err := q.Pull("wake", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := string(chunk.Data); got != "after" {
		t.Errorf("Pull() data = %q, want %q", got, "after")
	}
}

func TestIndependentReaderCursors(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})
	q.OpenReader("a")
	q.OpenReader("b")

	clk.Advance(1)
	q.Push([]byte("x"))
	clk.Advance(1)
	q.Push([]byte("y"))

	// Reader a drains both, reader b is untouched.
	for i := 0; i < 2; i++ {
		if _, err := q.Pull("a", 0); err != nil {
			t.Fatalf("Pull(a) error = %v", err)
		}
	}

	chunk, err := q.Pull("b", 0)
	if err != nil {
		t.Fatalf("Pull(b) error = %v", err)
	}
	if got := string(chunk.Data); got != "x" {
		t.Errorf("Pull(b) data = %q, want %q", got, "x")
	}
}

func TestReopeningReaderKeepsItsCursor(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})
	q.OpenReader("wake")

	clk.Advance(1)
	q.Push([]byte("x"))
	clk.Advance(1)
	q.Push([]byte("y"))

	// A second open of the same ID must not skip the backlog.
	if err := q.OpenReader("wake"); err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}

	chunk, err := q.Pull("wake", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := string(chunk.Data); got != "x" {
		t.Errorf("Pull() data = %q, want %q", got, "x")
	}
}

func TestLaggedReaderSnapsToHorizon(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{MaxBytes: 3})
	q.OpenReader("slow")

	// Push 5 one-byte chunks; retention keeps only the newest 3.
	for i := 0; i < 5; i++ {
		clk.Advance(0.1)
		if _, err := q.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	chunk, err := q.Pull("slow", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := chunk.Data[0]; got != 2 {
		t.Errorf("Pull() after eviction data = %d, want 2 (oldest retained)", got)
	}

	st, err := q.ReaderStatus("slow")
	if err != nil {
		t.Fatalf("ReaderStatus() error = %v", err)
	}
	if !st.Lagged {
		t.Error("ReaderStatus().Lagged = false, want true after horizon snap")
	}
	// The flag clears once observed.
	st, _ = q.ReaderStatus("slow")
	if st.Lagged {
		t.Error("ReaderStatus().Lagged = true on second read, want false")
	}
}

func TestOpenReaderAt(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})

	var stamps []float64
	for i := 0; i < 3; i++ {
		clk.Advance(1)
		ts, _ := q.Push([]byte{byte(i)})
		stamps = append(stamps, ts)
	}

	if err := q.OpenReaderAt("replay", stamps[1]); err != nil {
		t.Fatalf("OpenReaderAt() error = %v", err)
	}
	chunk, err := q.Pull("replay", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if chunk.Data[0] != 1 {
		t.Errorf("Pull() data = %d, want 1", chunk.Data[0])
	}

	// A cursor is never placed into the future.
	if err := q.OpenReaderAt("future", stamps[2]+100); err != nil {
		t.Fatalf("OpenReaderAt() error = %v", err)
	}
	if _, err := q.Pull("future", 0); !errors.Is(err, ErrTimeout) {
		t.Errorf("Pull() from future cursor error = %v, want ErrTimeout", err)
	}
}

func TestEvictionByAge(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{MaxAge: 2 * time.Second})

	clk.Advance(1)
	q.Push([]byte("old"))
	clk.Advance(5)
	q.Push([]byte("new"))

	s := q.Snapshot()
	if s.Chunks != 1 {
		t.Fatalf("Snapshot().Chunks = %d, want 1", s.Chunks)
	}
	if s.Bytes != len("new") {
		t.Errorf("Snapshot().Bytes = %d, want %d", s.Bytes, len("new"))
	}
}

func TestNewestChunkSurvivesEviction(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{MaxBytes: 1})

	clk.Advance(1)
	q.Push(make([]byte, 64)) // alone it exceeds MaxBytes, still retained

	if s := q.Snapshot(); s.Chunks != 1 {
		t.Errorf("Snapshot().Chunks = %d, want 1", s.Chunks)
	}
}

func TestGetBetween(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})

	var stamps []float64
	for i := 0; i < 5; i++ {
		clk.Advance(1)
		ts, _ := q.Push([]byte{byte(i)})
		stamps = append(stamps, ts)
	}

	got := q.GetBetween(stamps[1], stamps[3])
	if len(got) != 3 {
		t.Fatalf("GetBetween() returned %d chunks, want 3", len(got))
	}
	for i, c := range got {
		if c.Data[0] != byte(i+1) {
			t.Errorf("GetBetween()[%d] = %d, want %d", i, c.Data[0], i+1)
		}
	}

	if got := q.GetBetween(stamps[3], stamps[1]); len(got) != 0 {
		t.Errorf("GetBetween() with inverted range returned %d chunks, want 0", len(got))
	}

	// Range queries do not move cursors.
	q.OpenReader("r")
	clk.Advance(1)
	q.Push([]byte("tail"))
	q.GetBetween(0, stamps[4])
	chunk, err := q.Pull("r", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if string(chunk.Data) != "tail" {
		t.Errorf("Pull() after GetBetween = %q, want %q", chunk.Data, "tail")
	}
}

func TestPullBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := New(clock.NewMonotonic(), Config{})
	q.OpenReader("r")

	done := make(chan Chunk, 1)
	go func() {
		chunk, err := q.Pull("r", 2*time.Second)
		if err != nil {
			t.Errorf("Pull() error = %v", err)
		}
		done <- chunk
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Push([]byte("wake up")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case chunk := <-done:
		if string(chunk.Data) != "wake up" {
			t.Errorf("Pull() data = %q, want %q", chunk.Data, "wake up")
		}
	case <-time.After(time.Second):
		t.Fatal("Pull() did not wake after Push()")
	}
}

func TestPullTimeout(t *testing.T) {
	t.Parallel()

	q := New(clock.NewMonotonic(), Config{})
	q.OpenReader("r")

	start := time.Now()
	_, err := q.Pull("r", 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Pull() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Pull() returned after %v, want >= 30ms", elapsed)
	}
}

func TestPullUnknownReader(t *testing.T) {
	t.Parallel()

	q := New(clock.NewMonotonic(), Config{})
	if _, err := q.Pull("ghost", 0); !errors.Is(err, ErrUnknownReader) {
		t.Errorf("Pull() error = %v, want ErrUnknownReader", err)
	}
}

func TestCloseWakesBlockedPulls(t *testing.T) {
	t.Parallel()

	q := New(clock.NewMonotonic(), Config{})
	q.OpenReader("r")

	errc := make(chan error, 1)
	go func() {
		_, err := q.Pull("r", 5*time.Second)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Pull() after Close error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pull() did not wake on Close()")
	}

	if _, err := q.Push([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseDrainsRetainedChunks(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(0)
	q := New(clk, Config{})
	q.OpenReader("r")
	clk.Advance(1)
	q.Push([]byte("leftover"))
	q.Close()

	chunk, err := q.Pull("r", 0)
	if err != nil {
		t.Fatalf("Pull() on closed queue with retained data error = %v", err)
	}
	if string(chunk.Data) != "leftover" {
		t.Errorf("Pull() data = %q, want %q", chunk.Data, "leftover")
	}
	if _, err := q.Pull("r", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Pull() after drain error = %v, want ErrClosed", err)
	}
}

func TestConcurrentPushersAndReaders(t *testing.T) {
	t.Parallel()

	q := New(clock.NewMonotonic(), Config{MaxBytes: 1 << 20})
	const readers, chunks = 4, 200

	for i := 0; i < readers; i++ {
		q.OpenReader(string(rune('a' + i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev float64
			for n := 0; n < chunks; n++ {
				chunk, err := q.Pull(id, 2*time.Second)
				if err != nil {
					t.Errorf("reader %s: Pull() error = %v", id, err)
					return
				}
				if chunk.Timestamp <= prev {
					t.Errorf("reader %s: timestamp %v not after %v", id, chunk.Timestamp, prev)
					return
				}
				prev = chunk.Timestamp
			}
		}()
	}

	for n := 0; n < chunks; n++ {
		if _, err := q.Push([]byte{byte(n)}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	wg.Wait()
}
