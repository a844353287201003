// Package silero provides a VAD backend running the silero model in
// process through sherpa-onnx.
//
// The model consumes fixed windows of float32 samples and maintains its
// own segment queue: while speech is in progress IsDetected reports true,
// and once the trailing silence exceeds the configured minimum the
// finished segment appears in the queue. The session translates that into
// the frame-level event stream the detector loops expect.
package silero

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/vad"
	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMinSilence sets the trailing silence that closes a speech segment.
// Defaults to 500 ms.
func WithMinSilence(d time.Duration) Option {
	return func(e *Engine) {
		e.minSilence = d
	}
}

// WithMinSpeech sets the minimum segment length the model reports.
// Defaults to 250 ms.
func WithMinSpeech(d time.Duration) Option {
	return func(e *Engine) {
		e.minSpeech = d
	}
}

// WithNumThreads sets the ONNX Runtime thread count. Defaults to 1.
func WithNumThreads(n int) Option {
	return func(e *Engine) {
		e.numThreads = n
	}
}

// Engine creates silero VAD sessions. Each session loads its own native
// detector because the model keeps per-stream state.
type Engine struct {
	modelPath  string
	minSilence time.Duration
	minSpeech  time.Duration
	numThreads int
}

// New creates an Engine for the silero ONNX model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	e := &Engine{
		modelPath:  modelPath,
		minSilence: 500 * time.Millisecond,
		minSpeech:  250 * time.Millisecond,
		numThreads: 1,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession allocates a native detector for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d, the model requires 16000", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("silero: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	threshold := cfg.SpeechThreshold
	if threshold == 0 {
		threshold = 0.5
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("silero: speech threshold %g out of range", threshold)
	}

	c := sherpa.VadModelConfig{}
	c.SileroVad.Model = e.modelPath
	c.SileroVad.Threshold = float32(threshold)
	c.SileroVad.MinSilenceDuration = float32(e.minSilence.Seconds())
	c.SileroVad.MinSpeechDuration = float32(e.minSpeech.Seconds())
	c.SileroVad.WindowSize = 512
	c.SampleRate = cfg.SampleRate
	c.NumThreads = e.numThreads
	c.Provider = "cpu"

	det := sherpa.NewVoiceActivityDetector(&c, 60)
	if det == nil {
		return nil, fmt.Errorf("silero: failed to load model %q", e.modelPath)
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		det:        det,
		threshold:  threshold,
		frameBytes: frameBytes,
		frameDur:   time.Duration(cfg.FrameSizeMs) * time.Millisecond,
	}, nil
}

type session struct {
	mu sync.Mutex

	det        *sherpa.VoiceActivityDetector
	threshold  float64
	frameBytes int
	frameDur   time.Duration

	speaking   bool
	silenceRun time.Duration
	closed     bool
}

var errClosed = errors.New("silero: session is closed")

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("silero: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	s.det.AcceptWaveform(bytesToFloat32(frame))

	// Drain completed segments so the native queue stays bounded.
	for !s.det.IsEmpty() {
		s.det.Pop()
	}

	detected := s.det.IsSpeech()
	wasSpeaking := s.speaking
	s.speaking = detected

	if s.speaking {
		s.silenceRun = 0
	} else {
		s.silenceRun += s.frameDur
	}

	ev := vad.Event{Probability: probabilityFor(detected, s.threshold)}
	switch {
	case s.speaking && !wasSpeaking:
		ev.Type = vad.SpeechStart
	case s.speaking:
		ev.Type = vad.SpeechContinue
	case wasSpeaking:
		ev.Type = vad.SpeechEnd
		ev.SilenceDuration = s.silenceRun
	default:
		ev.Type = vad.Silence
		ev.SilenceDuration = s.silenceRun
	}
	return ev, nil
}

func (s *session) SilenceFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceRun
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.det.Reset()
	s.speaking = false
	s.silenceRun = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sherpa.DeleteVoiceActivityDetector(s.det)
	s.det = nil
	return nil
}

// probabilityFor reports a coarse probability: the model only exposes the
// thresholded decision, not the raw score.
func probabilityFor(detected bool, threshold float64) float64 {
	if detected {
		return threshold + (1-threshold)/2
	}
	return 0
}

// bytesToFloat32 converts little-endian int16 PCM to the [-1, 1) float32
// samples the model expects.
func bytesToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(s) / float32(math.MaxInt16+1)
	}
	return out
}
