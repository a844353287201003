// Package asr defines the provider contract for automatic speech
// recognition backends.
//
// A Provider wraps one recognition engine (a whisper.cpp server, the
// Deepgram streaming API, a local sherpa-onnx model) behind a uniform
// batch interface: hand it a finished utterance as 16 kHz mono int16 PCM
// and receive a transcript. Backends that natively support live
// recognition additionally implement StreamingProvider, whose
// StreamHandle accepts audio incrementally and emits partial and final
// results on channels.
//
// Providers are pooled by the hub; a single Provider value may be leased
// to different sessions over its lifetime but is never used by two
// sessions at once. Implementations must still be safe for concurrent
// use, because health probes may overlap a draining transcription.
package asr

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the backend cannot serve right now (server
// unreachable, model not loaded). Callers treat it as a soft error: log,
// skip the window, carry on.
var ErrUnavailable = errors.New("asr: service unavailable")

// ErrNotStreaming is returned by StartStream on providers that only
// support batch transcription.
var ErrNotStreaming = errors.New("asr: provider does not support streaming")

// Provider is the batch recognition contract. Transcribe blocks until the
// backend produced a result or ctx is done.
type Provider interface {
	// Transcribe recognizes one utterance of raw little-endian int16 PCM.
	// The audio must match cfg; providers do not resample.
	Transcribe(ctx context.Context, pcm []byte, cfg AudioConfig) (Result, error)

	// Close releases backend resources. Safe to call more than once.
	Close() error
}

// StreamingProvider extends Provider with a live recognition stream for
// sessions running the streaming capture strategy.
type StreamingProvider interface {
	Provider

	// StartStream opens a live recognition stream. The returned handle is
	// ready to accept audio immediately; the caller owns it and must call
	// Close.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}

// StreamHandle is one open recognition stream.
//
// Implementations must be safe for concurrent use: audio is fed from a
// detector goroutine while results are drained from another.
type StreamHandle interface {
	// SendAudio delivers a chunk of PCM matching the StreamConfig.
	// Returns an error once the stream is closed.
	SendAudio(chunk []byte) error

	// Partials emits low-latency interim results. Closed when the stream
	// ends.
	Partials() <-chan Result

	// Finals emits committed results. Closed when the stream ends.
	Finals() <-chan Result

	// Close flushes pending audio and tears the stream down. Safe to call
	// more than once.
	Close() error
}
