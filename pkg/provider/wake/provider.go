// Package wake defines the Detector interface for wake word backends.
//
// A wake detector watches a session's audio for one of its configured
// keywords while the session is in the listening state. Detection is
// window-based: the detector loop hands each emitted audio window to
// ProcessWindow and reacts to the first Detection with Triggered set.
//
// Implementations must be safe for concurrent use across different
// sessions; a single SessionHandle belongs to one detector loop.
package wake

// Config holds the parameters for a wake detection session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the windows passed to
	// ProcessWindow.
	SampleRate int

	// Keywords are the phrases that activate the session. At least one is
	// required.
	Keywords []string

	// Threshold is the minimum confidence for a detection to trigger.
	// Range: [0.0, 1.0]. Zero selects the backend's default.
	Threshold float64
}

// Detection is the outcome of scanning one audio window.
type Detection struct {
	// Triggered reports whether a keyword was heard.
	Triggered bool

	// Keyword is the configured phrase that matched, empty otherwise.
	Keyword string

	// Confidence is the match score in [0, 1].
	Confidence float64

	// Transcript is the raw recognized text the match was made against,
	// for backends that recognize before matching. Empty otherwise.
	Transcript string
}

// SessionHandle represents an active wake detection session for a single
// audio stream.
type SessionHandle interface {
	// ProcessWindow scans one window of raw little-endian int16 PCM.
	// Windows should be long enough to contain a spoken keyword; the
	// built-in recipes emit 400-1500 ms windows.
	ProcessWindow(pcm []byte) (Detection, error)

	// Reset clears accumulated state without closing the session.
	Reset()

	// Close releases session resources. Safe to call more than once.
	Close() error
}

// Detector is the factory for wake detection sessions.
type Detector interface {
	// NewSession creates a detection session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
