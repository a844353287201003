package audio

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// Opus decoding assumes the WebRTC defaults clients send: 48 kHz stereo
// at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes a stream of Opus packets. Each inbound audio stream
// gets its own decoder because the codec keeps inter-frame state.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder for 48 kHz stereo Opus.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16
// PCM at 48 kHz stereo. Feed the result through To16kMono for the hub
// format.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, Format, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), Format{SampleRate: opusSampleRate, Channels: opusChannels}, nil
}

// DecodeMP3 decodes a complete MP3 payload into interleaved little-endian
// int16 PCM. go-mp3 always emits stereo at the source sample rate.
func DecodeMP3(data []byte) ([]byte, Format, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: mp3 decode: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: mp3 read: %w", err)
	}
	return pcm, Format{SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian
// bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
