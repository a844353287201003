package recording

import (
	"encoding/binary"
	"fmt"
	"os"
)

// wavWriter streams 16-bit PCM into a RIFF container. A placeholder
// header is written up front and patched with the real sizes on Close, so
// a crash mid-capture leaves a file most tools can still salvage.
type wavWriter struct {
	file       *os.File
	sampleRate int
	channels   int
	payload    int64
}

func newWAVWriter(path string, sampleRate, channels int) (*wavWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %q: %w", path, err)
	}
	w := &wavWriter{file: file, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("recording: seek wav header: %w", err)
	}

	byteRate := w.sampleRate * w.channels * 2
	blockAlign := w.channels * 2
	dataSize := uint32(w.payload)

	var buf [44]byte
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)

	if _, err := w.file.Write(buf[:]); err != nil {
		return fmt.Errorf("recording: write wav header: %w", err)
	}
	return nil
}

func (w *wavWriter) WritePCM(pcm []byte) error {
	n, err := w.file.Write(pcm)
	w.payload += int64(n)
	if err != nil {
		return fmt.Errorf("recording: write wav data: %w", err)
	}
	return nil
}

func (w *wavWriter) PayloadBytes() int64 { return w.payload }

// Close patches the header with the final payload size and closes the file.
func (w *wavWriter) Close() error {
	if err := w.writeHeader(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("recording: close wav: %w", err)
	}
	return nil
}
