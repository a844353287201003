// Package denoise defines the Denoiser interface for noise suppression
// backends. Denoisers run on finished utterances before transcription,
// never on the detection critical path.
package denoise

// Denoiser suppresses steady background noise in an utterance.
//
// Implementations must be safe for concurrent use; one Denoiser is shared
// by all sessions.
type Denoiser interface {
	// Denoise processes raw little-endian int16 PCM and returns a buffer
	// of the same length and format. The input slice is not modified.
	Denoise(pcm []byte) ([]byte, error)
}
