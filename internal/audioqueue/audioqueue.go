// Package audioqueue implements the per-session timestamped audio queue.
//
// A Queue holds raw audio chunks in arrival order, stamped with strictly
// increasing monotonic timestamps. Multiple named readers consume the same
// queue through independent cursors, so the wake-word detector, the VAD and
// a recording sink can each walk the stream at their own pace without
// copying it. Retention is global: chunks are evicted by total size and by
// age regardless of reader positions, and a reader that falls behind the
// horizon is snapped forward and flagged as lagged.
//
// All methods are safe for concurrent use.
package audioqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/internal/clock"
)

var (
	// ErrClosed is returned by operations on a destroyed queue.
	ErrClosed = errors.New("audioqueue: queue closed")

	// ErrTimeout is returned by Pull when no chunk arrived in time.
	ErrTimeout = errors.New("audioqueue: pull timed out")

	// ErrUnknownReader is returned when a reader ID was never opened.
	ErrUnknownReader = errors.New("audioqueue: unknown reader")
)

// timestampStep is the minimum spacing enforced between chunk timestamps.
const timestampStep = 1e-6 // one microsecond, in seconds

// Chunk is one pushed audio buffer. Data is owned by the queue after Push
// and must not be modified by readers.
type Chunk struct {
	// Timestamp is the monotonic arrival time in seconds. Strictly
	// increasing within a queue.
	Timestamp float64

	// Data is the raw audio payload.
	Data []byte
}

// Config bounds the retention window of a Queue.
type Config struct {
	// MaxBytes caps the total payload bytes retained. Zero disables the cap.
	MaxBytes int

	// MaxAge evicts chunks older than this relative to the newest chunk.
	// Zero disables age-based eviction.
	MaxAge time.Duration
}

// cursor tracks one reader's position as an absolute chunk index.
type cursor struct {
	next   int64 // absolute index of the next chunk to deliver
	lagged bool  // set when eviction passed the cursor
}

// Queue is a timestamped multi-reader audio queue for a single session.
type Queue struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     Config
	chunks  []Chunk
	base    int64 // absolute index of chunks[0]
	bytes   int
	lastTS  float64
	readers map[string]*cursor
	wake    chan struct{} // closed and replaced on every push/close
	closed  bool
}

// New creates an empty queue stamping chunks with clk.
func New(clk clock.Clock, cfg Config) *Queue {
	return &Queue{
		clk:     clk,
		cfg:     cfg,
		readers: make(map[string]*cursor),
		wake:    make(chan struct{}),
	}
}

// Push appends data and returns the timestamp assigned to it. Timestamps
// are taken from the queue's clock and bumped by one microsecond whenever
// the clock would repeat a value, so ordering by timestamp always matches
// arrival order.
func (q *Queue) Push(data []byte) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	ts := q.clk.Now()
	if ts <= q.lastTS {
		ts = q.lastTS + timestampStep
	}
	q.lastTS = ts

	q.chunks = append(q.chunks, Chunk{Timestamp: ts, Data: data})
	q.bytes += len(data)
	q.evictLocked()
	q.broadcastLocked()
	return ts, nil
}

// OpenReader registers a named cursor positioned after the newest chunk,
// so subsequent pulls return only data pushed from now on. Opening an
// already open reader is a no-op: the existing cursor keeps its position,
// and two consumers using the same ID share it.
func (q *Queue) OpenReader(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.readers[id]; ok {
		return nil
	}
	q.readers[id] = &cursor{next: q.base + int64(len(q.chunks))}
	return nil
}

// OpenReaderAt registers a named cursor positioned at the first retained
// chunk with a timestamp >= from. A cursor is never placed into the
// future: when from is past the newest chunk the cursor lands at the tail,
// and when from precedes the retention horizon it lands on the oldest
// retained chunk.
func (q *Queue) OpenReaderAt(id string, from float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	pos := q.base + int64(len(q.chunks))
	for i, c := range q.chunks {
		if c.Timestamp >= from {
			pos = q.base + int64(i)
			break
		}
	}
	q.readers[id] = &cursor{next: pos}
	return nil
}

// Pull returns the next chunk for the reader, blocking up to timeout for
// one to arrive. A zero or negative timeout makes a single non-blocking
// attempt. When eviction has passed the reader's cursor, the cursor snaps
// to the oldest retained chunk and the reader is marked lagged; the pull
// then proceeds from there.
//
// Returns ErrTimeout when no chunk arrived in time and ErrClosed once the
// queue is destroyed and the reader has drained all retained chunks.
func (q *Queue) Pull(id string, timeout time.Duration) (Chunk, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		c, ok := q.readers[id]
		if !ok {
			q.mu.Unlock()
			return Chunk{}, fmt.Errorf("%w: %q", ErrUnknownReader, id)
		}

		if c.next < q.base {
			// Retention horizon moved past this reader.
			c.next = q.base
			c.lagged = true
		}

		if idx := c.next - q.base; idx < int64(len(q.chunks)) {
			chunk := q.chunks[idx]
			c.next++
			q.mu.Unlock()
			return chunk, nil
		}

		if q.closed {
			q.mu.Unlock()
			return Chunk{}, ErrClosed
		}

		wake := q.wake
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return Chunk{}, ErrTimeout
		}
		t := time.NewTimer(wait)
		select {
		case <-wake:
			t.Stop()
		case <-t.C:
			return Chunk{}, ErrTimeout
		}
	}
}

// GetBetween returns copies of the retained chunks whose timestamps fall in
// [start, end], oldest first, without moving any cursor. An inverted range
// yields an empty result. Used for pre-roll and tail padding.
func (q *Queue) GetBetween(start, end float64) []Chunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	if start > end {
		return nil
	}
	var out []Chunk
	for _, c := range q.chunks {
		if c.Timestamp < start {
			continue
		}
		if c.Timestamp > end {
			break
		}
		out = append(out, c)
	}
	return out
}

// ReaderState is the side channel reported by ReaderStatus.
type ReaderState struct {
	// Lagged is true when eviction overtook the cursor since the last
	// status read. Reading the status clears it, so each lag episode is
	// surfaced exactly once.
	Lagged bool

	// Pending counts chunks currently retained ahead of the cursor.
	Pending int
}

// ReaderStatus reports and clears the reader's lag flag along with its
// current backlog.
func (q *Queue) ReaderStatus(id string) (ReaderState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.readers[id]
	if !ok {
		return ReaderState{}, fmt.Errorf("%w: %q", ErrUnknownReader, id)
	}
	st := ReaderState{Lagged: c.lagged}
	c.lagged = false
	if idx := c.next - q.base; idx < int64(len(q.chunks)) {
		st.Pending = len(q.chunks) - int(idx)
	}
	return st, nil
}

// CloseReader removes the cursor. Closing an unknown reader is a no-op.
func (q *Queue) CloseReader(id string) {
	q.mu.Lock()
	delete(q.readers, id)
	q.mu.Unlock()
}

// Close destroys the queue. Blocked pulls wake and drain whatever is still
// retained before reporting ErrClosed; new pushes fail immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Stats describes the queue's current retention window.
type Stats struct {
	Chunks  int
	Bytes   int
	Oldest  float64
	Newest  float64
	Readers int
}

// Snapshot returns the current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Chunks: len(q.chunks), Bytes: q.bytes, Readers: len(q.readers)}
	if len(q.chunks) > 0 {
		s.Oldest = q.chunks[0].Timestamp
		s.Newest = q.chunks[len(q.chunks)-1].Timestamp
	}
	return s
}

// evictLocked drops chunks from the head while the retention limits are
// exceeded. The newest chunk is never evicted. Must be called with q.mu
// held.
func (q *Queue) evictLocked() {
	newest := q.chunks[len(q.chunks)-1].Timestamp
	maxAge := q.cfg.MaxAge.Seconds()

	drop := 0
	for drop < len(q.chunks)-1 {
		over := q.cfg.MaxBytes > 0 && q.bytes > q.cfg.MaxBytes
		old := maxAge > 0 && q.chunks[drop].Timestamp < newest-maxAge
		if !over && !old {
			break
		}
		q.bytes -= len(q.chunks[drop].Data)
		drop++
	}
	if drop == 0 {
		return
	}

	// Copy survivors to a fresh backing array so evicted payloads can be
	// garbage collected.
	keep := q.chunks[drop:]
	fresh := make([]Chunk, len(keep))
	copy(fresh, keep)
	q.chunks = fresh
	q.base += int64(drop)
}

// broadcastLocked wakes every blocked Pull. Must be called with q.mu held.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
