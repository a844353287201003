// Package sherpa provides a local, offline recognition provider backed by
// sherpa-onnx. No network round trip is involved; the model runs in
// process via cgo, which makes it the default backend for deployments that
// must not ship audio to a cloud service.
//
// sherpa-onnx offline models are batch decoders, so the provider does not
// implement streaming. One decode stream is created per Transcribe call
// and freed when it returns; the recognizer itself is shared and safe for
// concurrent decodes.
package sherpa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/asr"
	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Config selects and tunes the local model. Exactly one model family must
// be filled in.
type Config struct {
	// Tokens is the path to the model's tokens.txt.
	Tokens string

	// WhisperEncoder/WhisperDecoder point at an exported whisper ONNX pair.
	WhisperEncoder string
	WhisperDecoder string

	// Paraformer points at a paraformer model file.
	Paraformer string

	// NumThreads for ONNX Runtime. Defaults to 1.
	NumThreads int

	// Language hint for models that support one.
	Language string

	// Debug enables sherpa-onnx's own logging.
	Debug bool
}

// Provider implements asr.Provider on top of a shared offline recognizer.
type Provider struct {
	mu       sync.Mutex
	rec      *sherpa.OfflineRecognizer
	language string
	closed   bool
}

// New loads the configured model and returns a ready Provider. Model
// loading is the expensive part; pool instances should be created once and
// reused.
func New(cfg Config) (*Provider, error) {
	if cfg.Tokens == "" {
		return nil, errors.New("sherpa: tokens path must not be empty")
	}
	hasWhisper := cfg.WhisperEncoder != "" && cfg.WhisperDecoder != ""
	if !hasWhisper && cfg.Paraformer == "" {
		return nil, errors.New("sherpa: either a whisper encoder/decoder pair or a paraformer model is required")
	}

	threads := cfg.NumThreads
	if threads <= 0 {
		threads = 1
	}
	debug := 0
	if cfg.Debug {
		debug = 1
	}

	c := sherpa.OfflineRecognizerConfig{}
	c.FeatConfig.SampleRate = 16000
	c.FeatConfig.FeatureDim = 80
	c.ModelConfig.Tokens = cfg.Tokens
	c.ModelConfig.NumThreads = threads
	c.ModelConfig.Debug = debug
	c.ModelConfig.Provider = "cpu"
	c.DecodingMethod = "greedy_search"
	if hasWhisper {
		c.ModelConfig.Whisper.Encoder = cfg.WhisperEncoder
		c.ModelConfig.Whisper.Decoder = cfg.WhisperDecoder
		c.ModelConfig.Whisper.Language = cfg.Language
	} else {
		c.ModelConfig.Paraformer.Model = cfg.Paraformer
	}

	rec := sherpa.NewOfflineRecognizer(&c)
	if rec == nil {
		return nil, fmt.Errorf("sherpa: %w: failed to load model", asr.ErrUnavailable)
	}

	return &Provider{rec: rec, language: cfg.Language}, nil
}

// Transcribe decodes one utterance. The PCM is converted to the float32
// samples the model expects; no resampling happens here.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (asr.Result, error) {
	if len(pcm) == 0 {
		return asr.Result{IsFinal: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return asr.Result{}, fmt.Errorf("sherpa: %w: provider is closed", asr.ErrUnavailable)
	}
	rec := p.rec
	p.mu.Unlock()

	samples := bytesToFloat32(pcm)

	stream := sherpa.NewOfflineStream(rec)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(cfg.SampleRate, samples)
	rec.Decode(stream)

	text := strings.TrimSpace(stream.GetResult().Text)

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	return asr.Result{
		Text:     text,
		IsFinal:  true,
		Language: lang,
		Duration: pcmDuration(len(pcm), cfg.SampleRate, cfg.Channels),
	}, nil
}

// Close frees the native recognizer. Safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	sherpa.DeleteOfflineRecognizer(p.rec)
	p.rec = nil
	return nil
}

// bytesToFloat32 converts little-endian int16 PCM to the [-1, 1) float32
// samples sherpa-onnx expects.
func bytesToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(s) / float32(math.MaxInt16+1)
	}
	return out
}

// pcmDuration returns the play time of a 16-bit PCM buffer.
func pcmDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * 2
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}
