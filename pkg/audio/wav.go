package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

var (
	// ErrNotWAV reports that the buffer does not start with a RIFF/WAVE
	// header.
	ErrNotWAV = errors.New("audio: not a WAV container")

	// ErrUnsupportedWAV reports a WAV variant the hub does not decode
	// (compressed audio formats, sample widths other than 16 bit).
	ErrUnsupportedWAV = errors.New("audio: unsupported WAV variant")
)

// BuildWAV wraps raw 16-bit signed little-endian PCM in a standard
// RIFF/WAV container.
func BuildWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * HubSampleWidth
	blockAlign := channels * HubSampleWidth
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// ParseWAV extracts the PCM payload and format from a RIFF/WAV buffer.
// Only uncompressed 16-bit PCM is supported. The returned slice aliases
// data.
func ParseWAV(data []byte) (pcm []byte, format Format, err error) {
	if len(data) < wavHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	// Walk the chunk list; fmt and data are not guaranteed adjacent.
	var haveFmt bool
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, ErrUnsupportedWAV
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: format %d, %d bits",
					ErrUnsupportedWAV, audioFormat, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, ErrUnsupportedWAV
			}
			return data[body : body+size], format, nil
		}

		// Chunks are word-aligned.
		if size%2 != 0 {
			size++
		}
		offset = body + size
	}

	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedWAV)
}
