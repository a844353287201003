package asr

import "time"

// AudioConfig describes the PCM handed to Transcribe.
type AudioConfig struct {
	// SampleRate in Hz. The hub normalizes to 16000 before transcription.
	SampleRate int

	// Channels is the channel count; 1 after hub normalization.
	Channels int

	// Language is a BCP-47 hint (e.g. "en", "de-DE"). Empty lets the
	// backend auto-detect where supported.
	Language string
}

// StreamConfig describes a live recognition stream.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string

	// Keywords boosts recognition probability for uncommon words.
	// Backends without keyword support ignore it.
	Keywords []KeywordBoost
}

// KeywordBoost is one vocabulary hint with a provider-specific intensity.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Result is one recognition outcome, partial or final.
type Result struct {
	// Text is the recognized speech.
	Text string

	// IsFinal distinguishes committed results from interim guesses.
	IsFinal bool

	// Confidence in [0, 1]; zero when the backend does not report one.
	Confidence float64

	// Language is the detected or configured language tag.
	Language string

	// Duration is the audio span this result covers, when known.
	Duration time.Duration

	// Words carries per-word detail for backends that provide it.
	Words []WordDetail
}

// WordDetail is per-word timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
