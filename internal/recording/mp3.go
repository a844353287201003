package recording

import (
	"fmt"
	"os"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// MP3 Layer III encodes 1152 samples per channel per block; shine wants
// whole blocks, so samples accumulate until a few blocks are ready.
const (
	mp3BlockSamples = 1152
	mp3FlushBlocks  = 4
)

// mp3Writer streams 16-bit PCM into an MP3 file using the pure-Go shine
// encoder.
type mp3Writer struct {
	file     *os.File
	enc      *mp3.Encoder
	channels int
	buffer   []int16
	payload  int64
}

func newMP3Writer(path string, sampleRate, channels int) (*mp3Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %q: %w", path, err)
	}
	return &mp3Writer{
		file:     file,
		enc:      mp3.NewEncoder(sampleRate, channels),
		channels: channels,
		buffer:   make([]int16, 0, mp3BlockSamples*channels*mp3FlushBlocks),
	}, nil
}

func (w *mp3Writer) WritePCM(pcm []byte) error {
	for i := 0; i+1 < len(pcm); i += 2 {
		w.buffer = append(w.buffer, int16(pcm[i])|int16(pcm[i+1])<<8)
	}
	w.payload += int64(len(pcm))

	flushSize := mp3BlockSamples * w.channels * mp3FlushBlocks
	if len(w.buffer) >= flushSize {
		w.enc.Write(w.file, w.buffer[:flushSize])
		w.buffer = append(w.buffer[:0], w.buffer[flushSize:]...)
	}
	return nil
}

func (w *mp3Writer) PayloadBytes() int64 { return w.payload }

// Close pads the tail to a whole encoder block, flushes it, and closes
// the file.
func (w *mp3Writer) Close() error {
	if len(w.buffer) > 0 {
		blockSize := mp3BlockSamples * w.channels
		for len(w.buffer)%blockSize != 0 {
			w.buffer = append(w.buffer, 0)
		}
		w.enc.Write(w.file, w.buffer)
		w.buffer = w.buffer[:0]
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("recording: close mp3: %w", err)
	}
	return nil
}
