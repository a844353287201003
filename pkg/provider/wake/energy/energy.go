// Package energy implements wake detection by energy burst: a window
// triggers when it contains a sustained run of voiced frames. It cannot
// tell keywords apart and reports the first configured keyword on every
// detection, so it suits push-to-talk style deployments where any speech
// should wake the session and no recognition model is available.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

const (
	// subFrameMs is the analysis granularity within a window.
	subFrameMs = 20

	defaultRMSThreshold = 0.02
	defaultMinVoicedMs  = 300
)

// Compile-time assertion that Detector implements wake.Detector.
var _ wake.Detector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithRMSThreshold sets the normalized RMS above which a sub-frame counts
// as voiced. Default: 0.02.
func WithRMSThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.rmsThreshold = threshold
	}
}

// WithMinVoicedDuration sets the shortest voiced run, in milliseconds,
// that triggers a detection. Default: 300 ms.
func WithMinVoicedDuration(ms int) Option {
	return func(d *Detector) {
		d.minVoicedMs = ms
	}
}

// Detector creates energy-burst wake sessions.
type Detector struct {
	rmsThreshold float64
	minVoicedMs  int
}

// New creates a Detector with the given options.
func New(opts ...Option) *Detector {
	d := &Detector{
		rmsThreshold: defaultRMSThreshold,
		minVoicedMs:  defaultMinVoicedMs,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewSession creates an independent wake session.
func (d *Detector) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if len(cfg.Keywords) == 0 {
		return nil, errors.New("energy: at least one keyword is required")
	}

	threshold := d.rmsThreshold
	if cfg.Threshold > 0 {
		threshold = cfg.Threshold
	}
	return &session{
		keyword:       cfg.Keywords[0],
		threshold:     threshold,
		subFrameBytes: cfg.SampleRate * subFrameMs / 1000 * 2,
		requiredRun:   (d.minVoicedMs + subFrameMs - 1) / subFrameMs,
	}, nil
}

type session struct {
	mu sync.Mutex

	keyword       string
	threshold     float64
	subFrameBytes int
	requiredRun   int

	// voicedRun carries across windows so a burst split over a window
	// boundary still triggers.
	voicedRun int
	closed    bool
}

var errClosed = errors.New("energy: session is closed")

func (s *session) ProcessWindow(pcm []byte) (wake.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wake.Detection{}, errClosed
	}

	var peak float64
	for off := 0; off+s.subFrameBytes <= len(pcm); off += s.subFrameBytes {
		rms := frameRMS(pcm[off : off+s.subFrameBytes])
		if rms > peak {
			peak = rms
		}
		if rms >= s.threshold {
			s.voicedRun++
		} else {
			s.voicedRun = 0
		}
		if s.voicedRun >= s.requiredRun {
			s.voicedRun = 0
			return wake.Detection{
				Triggered:  true,
				Keyword:    s.keyword,
				Confidence: confidenceFor(peak, s.threshold),
			}, nil
		}
	}
	return wake.Detection{}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voicedRun = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// confidenceFor maps the window's peak RMS onto [0, 1] relative to the
// trigger threshold.
func confidenceFor(peak, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	c := peak / (threshold * 4)
	if c > 1 {
		c = 1
	}
	return c
}

func frameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
