// Package textmatch implements wake word detection by transcribing audio
// windows with a recognition provider and matching the text against the
// configured keywords.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed
//     for each token in the transcript and for each keyword. A keyword
//     becomes a candidate when any code overlaps.
//
//  2. Jaro-Winkler ranking: among candidates, the keyword with the
//     highest similarity (case-insensitive, over full strings,
//     space-stripped strings, and pairwise tokens) wins, provided its
//     score clears the threshold. Without a phonetic candidate a stricter
//     fuzzy threshold applies, which keeps "hey atlas" from triggering on
//     "hey alice" while still catching recognizer misspellings.
//
// The approach trades latency for vocabulary freedom: any phrase works as
// a keyword without training a model, at the cost of one small
// transcription per window.
package textmatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultTranscribeTimeout = 2 * time.Second
)

// Compile-time assertion that Detector implements wake.Detector.
var _ wake.Detector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// WithTranscribeTimeout bounds the recognition call per window.
// Default: 2 s.
func WithTranscribeTimeout(timeout time.Duration) Option {
	return func(d *Detector) {
		d.transcribeTimeout = timeout
	}
}

// WithLanguage sets the language hint passed to the recognizer.
func WithLanguage(lang string) Option {
	return func(d *Detector) {
		d.language = lang
	}
}

// Detector creates text-match wake sessions on top of a recognition
// provider. The provider is shared across sessions and is typically a
// small local model.
type Detector struct {
	provider          asr.Provider
	fuzzyThreshold    float64
	transcribeTimeout time.Duration
	language          string
}

// New creates a Detector using provider for recognition.
func New(provider asr.Provider, opts ...Option) (*Detector, error) {
	if provider == nil {
		return nil, errors.New("textmatch: provider must not be nil")
	}
	d := &Detector{
		provider:          provider,
		fuzzyThreshold:    defaultFuzzyThreshold,
		transcribeTimeout: defaultTranscribeTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// NewSession creates a detection session for one audio stream.
func (d *Detector) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("textmatch: invalid sample rate %d", cfg.SampleRate)
	}
	if len(cfg.Keywords) == 0 {
		return nil, errors.New("textmatch: at least one keyword is required")
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultPhoneticThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("textmatch: threshold %g out of range", threshold)
	}

	keywords := make([]keyword, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		lower := strings.ToLower(strings.TrimSpace(k))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		keywords = append(keywords, keyword{
			original: k,
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
	}
	if len(keywords) == 0 {
		return nil, errors.New("textmatch: all keywords are blank")
	}

	return &session{
		detector:   d,
		keywords:   keywords,
		threshold:  threshold,
		sampleRate: cfg.SampleRate,
	}, nil
}

type keyword struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

type session struct {
	mu sync.Mutex

	detector   *Detector
	keywords   []keyword
	threshold  float64
	sampleRate int
	closed     bool
}

var errClosed = errors.New("textmatch: session is closed")

// ProcessWindow transcribes the window and matches the result against the
// session's keywords. Recognition failures with asr.ErrUnavailable are
// reported as a non-detection so a flapping backend does not tear down
// the listening loop.
func (s *session) ProcessWindow(pcm []byte) (wake.Detection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wake.Detection{}, errClosed
	}
	d := s.detector
	s.mu.Unlock()

	if len(pcm) == 0 {
		return wake.Detection{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.transcribeTimeout)
	defer cancel()

	res, err := d.provider.Transcribe(ctx, pcm, asr.AudioConfig{
		SampleRate: s.sampleRate,
		Channels:   1,
		Language:   d.language,
	})
	if err != nil {
		if errors.Is(err, asr.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return wake.Detection{}, nil
		}
		return wake.Detection{}, fmt.Errorf("textmatch: transcribe window: %w", err)
	}

	return s.match(res.Text), nil
}

func (s *session) Reset() {}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// match scans the transcript for the best keyword hit.
func (s *session) match(transcript string) wake.Detection {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return wake.Detection{}
	}
	tokens := strings.Fields(text)
	inputCodes := codesForTokens(tokens)

	var best wake.Detection
	bestPhonetic := false

	for _, kw := range s.keywords {
		phonetic := codesOverlap(inputCodes, kw.codes)
		score := bestJWScore(tokens, kw.tokens, text, kw.lower)

		if phonetic {
			if score >= s.threshold && (!bestPhonetic || score > best.Confidence) {
				best = wake.Detection{Triggered: true, Keyword: kw.original, Confidence: score, Transcript: transcript}
				bestPhonetic = true
			}
		} else if !bestPhonetic {
			if score >= s.detector.fuzzyThreshold && score > best.Confidence {
				best = wake.Detection{Triggered: true, Keyword: kw.original, Confidence: score, Transcript: transcript}
			}
		}
	}

	if !best.Triggered {
		return wake.Detection{Transcript: transcript}
	}
	return best
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, sec := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// transcript and the keyword over full strings, space-stripped strings,
// and pairwise tokens.
func bestJWScore(inputTokens, keywordTokens []string, inputFull, keywordFull string) float64 {
	score := matchr.JaroWinkler(inputFull, keywordFull, false)

	if len(inputTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(it, kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
