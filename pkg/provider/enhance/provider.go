// Package enhance defines the Enhancer interface for audio enhancement
// backends. An enhancer conditions PCM for a downstream consumer: what
// helps a VAD (a hard noise gate) can hurt a recognizer, so every call
// names its purpose and the implementation picks the processing chain.
package enhance

// Purpose names the consumer the enhanced audio is destined for.
type Purpose string

const (
	// PurposeVAD conditions audio for voice activity detection.
	PurposeVAD Purpose = "vad"

	// PurposeWakeWord conditions audio for wake word scanning.
	PurposeWakeWord Purpose = "wakeword"

	// PurposeASR conditions audio for transcription.
	PurposeASR Purpose = "asr"

	// PurposeRecording conditions audio for archival recording.
	PurposeRecording Purpose = "recording"

	// PurposeGeneral applies the neutral default chain.
	PurposeGeneral Purpose = "general"
)

// Valid reports whether p is one of the defined purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeVAD, PurposeWakeWord, PurposeASR, PurposeRecording, PurposeGeneral:
		return true
	}
	return false
}

// Report describes what an enhancement pass did, for logs and events.
type Report struct {
	// Purpose echoes the requested purpose.
	Purpose Purpose

	// Stages lists the processing stages that ran, in order.
	Stages []string

	// GainDB is the net gain applied by normalization, zero when no
	// normalization ran.
	GainDB float64

	// GatedRatio is the fraction of samples silenced by the noise gate,
	// zero when no gate ran.
	GatedRatio float64
}

// Enhancer is the enhancement contract.
//
// Implementations must be safe for concurrent use; one Enhancer is
// shared by all sessions.
type Enhancer interface {
	// Enhance processes raw little-endian int16 PCM for the given purpose
	// and returns a buffer of the same length and format plus a report of
	// the stages applied. The input slice is not modified.
	Enhance(pcm []byte, purpose Purpose) ([]byte, Report, error)
}
