// Package recording archives session audio to disk.
//
// A Service opens one Recording per capture. Writes go through a bounded
// asynchronous queue so the detection path never blocks on disk I/O; when
// the queue is full the oldest pending chunk is dropped and counted.
// Files rotate by size or recorded duration, and markers collected during
// the capture are written to a JSON sidecar next to the audio files.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrStopped is returned by Write and AddMarker after Stop.
var ErrStopped = errors.New("recording: already stopped")

// FormatWAV and FormatMP3 are the supported container formats.
const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// Config tunes the recording service.
type Config struct {
	// Dir is the directory recordings are written to. Created on demand.
	Dir string

	// Format is FormatWAV or FormatMP3.
	Format string

	// SampleRate and Channels describe the PCM handed to Write.
	SampleRate int
	Channels   int

	// RotateMaxBytes starts a new file once the current one holds more
	// audio payload than this. Zero disables size rotation.
	RotateMaxBytes int64

	// RotateMaxDuration rotates by recorded duration. Zero disables.
	RotateMaxDuration time.Duration

	// QueueDepth bounds the async write queue. Default: 64 chunks.
	QueueDepth int
}

func (c *Config) applyDefaults() error {
	if c.Dir == "" {
		c.Dir = "recordings"
	}
	if c.Format == "" {
		c.Format = FormatWAV
	}
	if c.Format != FormatWAV && c.Format != FormatMP3 {
		return fmt.Errorf("recording: unsupported format %q", c.Format)
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	return nil
}

// Marker is one annotation attached to a capture (wake word hit, speech
// start, transcription boundary).
type Marker struct {
	// Timestamp is the session-monotonic time in seconds.
	Timestamp float64 `json:"timestamp"`

	// Type names the event, e.g. "wake_word", "speech_start".
	Type string `json:"type"`

	// Data carries optional event detail.
	Data map[string]any `json:"data,omitempty"`
}

// sidecar is the schema of the markers JSON written next to the audio.
type sidecar struct {
	SessionID string   `json:"session_id"`
	Format    string   `json:"format"`
	Files     []string `json:"files"`
	Markers   []Marker `json:"markers"`
}

// sampleWriter is one open audio file.
type sampleWriter interface {
	WritePCM(pcm []byte) error
	PayloadBytes() int64
	Close() error
}

// Service creates recordings under a common directory and config.
type Service struct {
	cfg Config
}

// NewService validates cfg and ensures the target directory exists.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create dir %q: %w", cfg.Dir, err)
	}
	return &Service{cfg: cfg}, nil
}

// Start opens a new capture for sessionID. The returned Recording accepts
// writes immediately; the caller must call Stop exactly once.
func (s *Service) Start(sessionID string) (*Recording, error) {
	r := &Recording{
		cfg:       s.cfg,
		sessionID: sessionID,
		started:   time.Now(),
		inbox:     make(chan []byte, s.cfg.QueueDepth),
		done:      make(chan struct{}),
	}
	if err := r.openNextFile(); err != nil {
		return nil, err
	}
	go r.loop()
	slog.Info("recording started", "session_id", sessionID, "file", r.files[len(r.files)-1])
	return r, nil
}

// Recording is one in-progress capture. Write and AddMarker are safe for
// concurrent use; Stop may be called once from any goroutine.
type Recording struct {
	cfg       Config
	sessionID string
	started   time.Time

	inbox chan []byte
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
	seq     int
	files   []string
	writer  sampleWriter
	markers []Marker
	dropped int
	wrapErr error
}

// Write queues pcm for archival. When the queue is full the oldest
// pending chunk is discarded so the caller never blocks.
func (r *Recording) Write(pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	// The sends are non-blocking, so holding the mutex here cannot stall
	// the writer goroutine. Stop flips stopped under the same mutex before
	// closing the inbox, which rules out a send on a closed channel.
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}

	select {
	case r.inbox <- cp:
		r.mu.Unlock()
		return nil
	default:
	}

	// Queue full: drop the oldest pending chunk to make room.
	select {
	case <-r.inbox:
	default:
	}
	r.dropped++
	dropped := r.dropped

	select {
	case r.inbox <- cp:
	default:
	}
	r.mu.Unlock()

	if dropped == 1 || dropped%100 == 0 {
		slog.Warn("recording queue full, dropping audio",
			"session_id", r.sessionID, "dropped_total", dropped)
	}
	return nil
}

// AddMarker attaches an annotation to the capture.
func (r *Recording) AddMarker(timestamp float64, markerType string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	r.markers = append(r.markers, Marker{Timestamp: timestamp, Type: markerType, Data: data})
	return nil
}

// Stop drains pending writes, finalizes the audio files, writes the
// markers sidecar, and returns every file path produced (rotation may
// have produced several). Safe against concurrent writers; later Write
// calls fail with ErrStopped.
func (r *Recording) Stop() ([]string, error) {
	r.mu.Lock()
	if r.stopped {
		files := append([]string(nil), r.files...)
		r.mu.Unlock()
		return files, ErrStopped
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.inbox)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.wrapErr != nil {
		errs = append(errs, r.wrapErr)
	}
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		r.writer = nil
	}
	if err := r.writeSidecar(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("recording stopped",
		"session_id", r.sessionID,
		"files", len(r.files),
		"markers", len(r.markers),
		"dropped_chunks", r.dropped)

	files := append([]string(nil), r.files...)
	return files, errors.Join(errs...)
}

// loop is the single writer goroutine.
func (r *Recording) loop() {
	defer close(r.done)
	for pcm := range r.inbox {
		if err := r.append(pcm); err != nil {
			r.mu.Lock()
			if r.wrapErr == nil {
				r.wrapErr = err
			}
			r.mu.Unlock()
			slog.Error("recording write failed", "session_id", r.sessionID, "error", err)
		}
	}
}

func (r *Recording) append(pcm []byte) error {
	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return errors.New("recording: no open file")
	}

	if err := w.WritePCM(pcm); err != nil {
		return err
	}
	return r.maybeRotate(w)
}

// maybeRotate closes the current file and opens the next one when a
// rotation limit is hit.
func (r *Recording) maybeRotate(w sampleWriter) error {
	payload := w.PayloadBytes()
	rotate := false
	if r.cfg.RotateMaxBytes > 0 && payload >= r.cfg.RotateMaxBytes {
		rotate = true
	}
	if r.cfg.RotateMaxDuration > 0 {
		bytesPerSecond := int64(r.cfg.SampleRate * r.cfg.Channels * 2)
		if time.Duration(payload/bytesPerSecond)*time.Second >= r.cfg.RotateMaxDuration {
			rotate = true
		}
	}
	if !rotate {
		return nil
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("recording: rotate close: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer = nil
	if err := r.openNextFile(); err != nil {
		return err
	}
	slog.Info("recording rotated", "session_id", r.sessionID, "file", r.files[len(r.files)-1])
	return nil
}

// openNextFile creates the next file in sequence. Caller holds r.mu
// except during Start.
func (r *Recording) openNextFile() error {
	name := fmt.Sprintf("%s_%03d_%s.%s",
		r.sessionID, r.seq, r.started.Format("20060102T150405"), r.cfg.Format)
	path := filepath.Join(r.cfg.Dir, name)

	var (
		w   sampleWriter
		err error
	)
	switch r.cfg.Format {
	case FormatMP3:
		w, err = newMP3Writer(path, r.cfg.SampleRate, r.cfg.Channels)
	default:
		w, err = newWAVWriter(path, r.cfg.SampleRate, r.cfg.Channels)
	}
	if err != nil {
		return err
	}
	r.seq++
	r.files = append(r.files, path)
	r.writer = w
	return nil
}

// writeSidecar persists the collected markers. Caller holds r.mu.
func (r *Recording) writeSidecar() error {
	if len(r.files) == 0 {
		return nil
	}
	base := r.files[0]
	path := base[:len(base)-len(filepath.Ext(base))] + ".markers.json"

	data, err := json.MarshalIndent(sidecar{
		SessionID: r.sessionID,
		Format:    r.cfg.Format,
		Files:     r.files,
		Markers:   r.markers,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("recording: marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("recording: write sidecar: %w", err)
	}
	return nil
}
