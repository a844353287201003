// Package energy provides a model-free VAD backend based on frame energy
// and zero-crossing rate. It is the fallback engine for deployments
// without a silero model on disk and the default engine in tests.
//
// A frame counts as speech when its normalized RMS exceeds an adaptive
// threshold tracking the background noise floor and its zero-crossing
// rate stays below the fricative cutoff. State transitions apply
// hysteresis: speech starts after a run of speech frames and ends after a
// run of silence frames, which suppresses flicker on breaths and plosives.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

const (
	// initialNoiseLevel seeds the background estimate before any frame
	// was seen.
	initialNoiseLevel = 0.001

	// zcCutoff is the zero-crossing rate above which a frame is treated
	// as noise regardless of energy.
	zcCutoff = 0.5

	// smoothingFactor for the exponential noise floor estimate.
	smoothingFactor = 0.1

	defaultSpeechFrames  = 3
	defaultSilenceFrames = 15
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithSpeechFrames sets the number of consecutive speech frames required
// to enter the speaking state. Defaults to 3.
func WithSpeechFrames(n int) Option {
	return func(e *Engine) {
		e.speechFrames = n
	}
}

// WithSilenceFrames sets the number of consecutive silence frames required
// to leave the speaking state. Defaults to 15.
func WithSilenceFrames(n int) Option {
	return func(e *Engine) {
		e.silenceFrames = n
	}
}

// Engine creates energy-gate VAD sessions.
type Engine struct {
	speechFrames  int
	silenceFrames int
}

// New creates an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		speechFrames:  defaultSpeechFrames,
		silenceFrames: defaultSilenceFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates an independent detection session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %g out of range", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %g above speech threshold %g",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	speechThreshold := cfg.SpeechThreshold
	if speechThreshold == 0 {
		speechThreshold = 0.01
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes:      frameBytes,
		frameDur:        time.Duration(cfg.FrameSizeMs) * time.Millisecond,
		baseThreshold:   speechThreshold,
		threshold:       speechThreshold,
		noiseLevel:      initialNoiseLevel,
		speechRequired:  e.speechFrames,
		silenceRequired: e.silenceFrames,
	}, nil
}

type session struct {
	mu sync.Mutex

	frameBytes int
	frameDur   time.Duration

	baseThreshold float64
	threshold     float64
	noiseLevel    float64

	speechRequired  int
	silenceRequired int

	speechCount  int
	silenceCount int
	speaking     bool
	silenceRun   time.Duration
	closed       bool
}

var errClosed = errors.New("energy: session is closed")

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	samples := bytesToInt16(frame)
	rms := computeRMS(samples)
	zcr := zeroCrossingRate(samples)

	s.updateNoiseEstimate(rms)
	isVoice := s.classify(rms, zcr)

	wasSpeaking := s.speaking
	if isVoice {
		s.speechCount++
		s.silenceCount = 0
		if s.speechCount >= s.speechRequired {
			s.speaking = true
		}
	} else {
		s.silenceCount++
		s.speechCount = 0
		if s.silenceCount >= s.silenceRequired {
			s.speaking = false
		}
	}

	if s.speaking {
		s.silenceRun = 0
	} else {
		s.silenceRun += s.frameDur
	}

	ev := vad.Event{Probability: probabilityFor(rms, s.threshold)}
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
	s.speechCount = 0
	s.silenceCount = 0
	s.speaking = false
	s.silenceRun = 0
	s.noiseLevel = initialNoiseLevel
	s.threshold = s.baseThreshold
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// updateNoiseEstimate tracks the background noise floor during silence.
// Must be called with s.mu held.
func (s *session) updateNoiseEstimate(rms float64) {
	if s.speaking || rms >= s.threshold*2 {
		return
	}
	s.noiseLevel = smoothingFactor*rms + (1-smoothingFactor)*s.noiseLevel
	s.threshold = s.noiseLevel * 3
	if s.threshold < s.baseThreshold {
		s.threshold = s.baseThreshold
	}
}

// classify decides whether one frame contains voice. Must be called with
// s.mu held.
func (s *session) classify(rms, zcr float64) bool {
	if rms < s.threshold {
		return false
	}
	// Very high ZCR indicates fricatives or broadband noise.
	if zcr > zcCutoff {
		return false
	}
	return rms >= s.noiseLevel*2
}

// probabilityFor maps an RMS value onto a pseudo-probability so the event
// shape matches model-based engines.
func probabilityFor(rms, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	p := rms / (threshold * 2)
	if p > 1 {
		p = 1
	}
	return p
}

func bytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func computeRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
