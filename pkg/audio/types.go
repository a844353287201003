// Package audio provides the PCM plumbing every other subsystem leans on:
// format descriptors, sample conversions, linear resampling, and decoders
// for the compressed formats clients may send (Opus, MP3, WAV containers).
//
// The hub processes all detector and recognizer audio in one canonical
// format, 16 kHz mono little-endian int16. Transport adapters convert
// inbound audio into that format once, at the edge, so the queue and every
// reader downstream can assume it.
package audio

// Canonical hub format: 16 kHz mono signed 16-bit little-endian PCM.
const (
	HubSampleRate  = 16000
	HubChannels    = 1
	HubSampleWidth = 2
)

// Wire-level format names accepted in start_listening / audio metadata.
const (
	FormatPCM16 = "pcm_s16le"
	FormatWAV   = "wav"
	FormatOpus  = "opus"
	FormatMP3   = "mp3"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// HubFormat is the canonical processing format.
func HubFormat() Format {
	return Format{SampleRate: HubSampleRate, Channels: HubChannels}
}

// BytesPerSecond returns the PCM byte rate for 16-bit samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * HubSampleWidth
}

// DurationMsToBytes converts a duration in milliseconds into a 16-bit PCM
// byte count for this format.
func (f Format) DurationMsToBytes(ms int) int {
	return ms * f.BytesPerSecond() / 1000
}

// BytesToDurationMs converts a 16-bit PCM byte count into milliseconds.
func (f Format) BytesToDurationMs(n int) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return n * 1000 / bps
}
