// Package bufmgr implements the windowed audio buffer that sits between a
// session's audio queue and a consuming model.
//
// A Buffer accumulates raw bytes and re-frames them for its downstream
// consumer: fixed frames for VAD and wake-word models, overlapping sliding
// windows for batch transcription, or variable-length utterance chunks for
// streaming recognizers. Named recipes for the common consumers live in the
// config package; this package only deals in resolved parameters.
//
// All methods are safe for concurrent use.
package bufmgr

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOverflow is returned by Push when admitting the data would exceed
// MaxBufferSize and the overflow strategy forbids silent eviction.
var ErrOverflow = errors.New("bufmgr: buffer overflow")

// Mode selects the emission rule.
type Mode string

const (
	// ModeFixed emits exact FrameSize frames with no overlap.
	ModeFixed Mode = "fixed"

	// ModeSliding emits FrameSize frames advancing by StepSize, so
	// consecutive frames overlap by FrameSize-StepSize bytes.
	ModeSliding Mode = "sliding"

	// ModeDynamic accumulates between MinDurationMs and MaxDurationMs and
	// emits the whole accumulator on flush or when the maximum is hit.
	ModeDynamic Mode = "dynamic"
)

// Overflow selects what happens when a push would exceed MaxBufferSize.
type Overflow string

const (
	// DropOldest evicts bytes from the head until the new data fits.
	DropOldest Overflow = "drop_oldest"

	// DropNewest rejects the incoming data and keeps the buffer as is.
	DropNewest Overflow = "drop_newest"

	// Block rejects the incoming data; the caller is expected to retry
	// after draining.
	Block Overflow = "block"
)

// Config holds the resolved parameters of one buffer.
type Config struct {
	Mode Mode

	// SampleRate, SampleWidth and Channels describe the PCM format and are
	// used to convert the dynamic-mode durations into byte counts.
	SampleRate  int
	SampleWidth int
	Channels    int

	// FrameSize is the emission size in bytes for fixed and sliding modes.
	FrameSize int

	// StepSize is the sliding-mode advance in bytes, 0 < StepSize <= FrameSize.
	StepSize int

	// MinDurationMs and MaxDurationMs bound dynamic-mode accumulation.
	MinDurationMs int
	MaxDurationMs int

	// MaxBufferSize caps the bytes held at once. Zero disables the cap.
	MaxBufferSize int

	// OnOverflow selects the admission policy at the cap. Empty means Block.
	OnOverflow Overflow
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeFixed:
		if c.FrameSize <= 0 {
			errs = append(errs, fmt.Errorf("fixed mode: frame_size must be positive, got %d", c.FrameSize))
		}
	case ModeSliding:
		if c.FrameSize <= 0 {
			errs = append(errs, fmt.Errorf("sliding mode: frame_size must be positive, got %d", c.FrameSize))
		}
		if c.StepSize <= 0 || c.StepSize > c.FrameSize {
			errs = append(errs, fmt.Errorf("sliding mode: step_size must be in (0, frame_size], got %d", c.StepSize))
		}
	case ModeDynamic:
		if c.SampleRate <= 0 || c.SampleWidth <= 0 || c.Channels <= 0 {
			errs = append(errs, fmt.Errorf("dynamic mode: sample_rate/sample_width/channels must be positive, got %d/%d/%d",
				c.SampleRate, c.SampleWidth, c.Channels))
		}
		if c.MinDurationMs <= 0 {
			errs = append(errs, fmt.Errorf("dynamic mode: min_duration_ms must be positive, got %d", c.MinDurationMs))
		}
		if c.MaxDurationMs < c.MinDurationMs {
			errs = append(errs, fmt.Errorf("dynamic mode: max_duration_ms %d below min_duration_ms %d",
				c.MaxDurationMs, c.MinDurationMs))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.OnOverflow {
	case DropOldest, DropNewest, Block, "":
	default:
		errs = append(errs, fmt.Errorf("unknown overflow strategy %q", c.OnOverflow))
	}
	if c.MaxBufferSize < 0 {
		errs = append(errs, fmt.Errorf("max_buffer_size must be >= 0, got %d", c.MaxBufferSize))
	}
	return errors.Join(errs...)
}

// bytesPerMs converts the PCM format into bytes per millisecond.
func (c Config) bytesPerMs() int {
	return c.SampleRate * c.SampleWidth * c.Channels / 1000
}

// Buffer re-frames a byte stream according to its mode.
type Buffer struct {
	mu   sync.Mutex
	cfg  Config
	buf  []byte
	head int // emission origin; bytes before head are retained overlap only

	minBytes int // dynamic mode thresholds, resolved from durations
	maxBytes int
}

// New creates a Buffer after validating cfg.
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bufmgr: %w", err)
	}
	b := &Buffer{cfg: cfg}
	if cfg.Mode == ModeDynamic {
		b.minBytes = cfg.MinDurationMs * cfg.bytesPerMs()
		b.maxBytes = cfg.MaxDurationMs * cfg.bytesPerMs()
	}
	return b, nil
}

// Push admits data into the accumulator. When the configured cap would be
// exceeded, the overflow strategy decides: DropOldest evicts head bytes to
// make room and admits the data, DropNewest and Block reject it with
// ErrOverflow and leave the buffer unchanged.
func (b *Buffer) Push(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.MaxBufferSize > 0 && b.bufferedLocked()+len(data) > b.cfg.MaxBufferSize {
		switch b.cfg.OnOverflow {
		case DropOldest:
			if len(data) >= b.cfg.MaxBufferSize {
				// Incoming alone fills the cap; keep only its tail.
				b.buf = b.buf[:0]
				b.head = 0
				data = data[len(data)-b.cfg.MaxBufferSize:]
				break
			}
			excess := b.bufferedLocked() + len(data) - b.cfg.MaxBufferSize
			b.head += excess
			b.compactLocked()
		default: // DropNewest and Block both refuse the incoming bytes.
			return fmt.Errorf("%w: %d buffered + %d incoming > cap %d",
				ErrOverflow, b.bufferedLocked(), len(data), b.cfg.MaxBufferSize)
		}
	}

	b.buf = append(b.buf, data...)
	return nil
}

// Ready reports whether Pop would emit a frame.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLocked()
}

func (b *Buffer) readyLocked() bool {
	switch b.cfg.Mode {
	case ModeFixed, ModeSliding:
		return b.bufferedLocked() >= b.cfg.FrameSize
	case ModeDynamic:
		return b.bufferedLocked() >= b.maxBytes
	}
	return false
}

// Pop emits the next frame, or nil when the buffer is not ready.
//
// Fixed mode consumes the frame entirely; sliding mode advances by StepSize
// and keeps the overlap; dynamic mode emits and drops the whole
// accumulator (the maximum-duration case of its emission rule).
func (b *Buffer) Pop() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

func (b *Buffer) popLocked() []byte {
	if !b.readyLocked() {
		return nil
	}

	switch b.cfg.Mode {
	case ModeFixed:
		out := make([]byte, b.cfg.FrameSize)
		copy(out, b.buf[b.head:])
		b.head += b.cfg.FrameSize
		b.compactLocked()
		return out
	case ModeSliding:
		out := make([]byte, b.cfg.FrameSize)
		copy(out, b.buf[b.head:])
		b.head += b.cfg.StepSize
		b.compactLocked()
		return out
	case ModeDynamic:
		return b.takeAllLocked()
	}
	return nil
}

// PopAll emits every frame currently ready.
func (b *Buffer) PopAll() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]byte
	for {
		frame := b.popLocked()
		if frame == nil {
			return out
		}
		out = append(out, frame)
	}
}

// Flush emits the remaining accumulator and resets the buffer. In dynamic
// mode the emission only happens once MinDurationMs worth of audio is
// buffered; a shorter remainder stays buffered and Flush returns nil. In
// fixed and sliding modes Flush returns the residual tail shorter than a
// full frame.
func (b *Buffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Mode == ModeDynamic && b.bufferedLocked() < b.minBytes {
		return nil
	}
	return b.takeAllLocked()
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.head = 0
	b.mu.Unlock()
}

// BufferedBytes reports the bytes currently pending emission.
func (b *Buffer) BufferedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedLocked()
}

func (b *Buffer) bufferedLocked() int {
	return len(b.buf) - b.head
}

// takeAllLocked returns a copy of the pending bytes and empties the buffer.
// Must be called with b.mu held.
func (b *Buffer) takeAllLocked() []byte {
	if b.bufferedLocked() == 0 {
		return nil
	}
	out := make([]byte, b.bufferedLocked())
	copy(out, b.buf[b.head:])
	b.buf = b.buf[:0]
	b.head = 0
	return out
}

// compactLocked trims consumed head bytes once they dominate the backing
// array, so long sessions do not pin stale audio. Must be called with b.mu
// held.
func (b *Buffer) compactLocked() {
	if b.head == 0 || b.head < len(b.buf)/2 || b.head < 4096 {
		return
	}
	if b.head >= len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
		return
	}
	fresh := make([]byte, len(b.buf)-b.head)
	copy(fresh, b.buf[b.head:])
	b.buf = fresh
	b.head = 0
}
