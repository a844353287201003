// Package deepgram provides a Deepgram-backed recognition provider using
// the Deepgram streaming WebSocket API. It implements both the batch and
// the streaming provider contracts: batch transcription is served by a
// one-shot stream that is flushed and drained before returning.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider implements asr.StreamingProvider.
var _ asr.StreamingProvider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the WebSocket endpoint, primarily for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.StreamingProvider backed by the Deepgram
// streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases nothing; streams hold their own connections.
func (p *Provider) Close() error { return nil }

// Transcribe recognizes one finished utterance by opening a short-lived
// stream, pushing the whole buffer, and draining the finals.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (asr.Result, error) {
	if len(pcm) == 0 {
		return asr.Result{IsFinal: true}, nil
	}

	h, err := p.StartStream(ctx, asr.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
	})
	if err != nil {
		return asr.Result{}, err
	}

	if err := h.SendAudio(pcm); err != nil {
		h.Close()
		return asr.Result{}, err
	}
	if err := h.Close(); err != nil {
		return asr.Result{}, err
	}

	var parts []string
	var confidence float64
	var words []asr.WordDetail
	var n int
	for {
		select {
		case res, ok := <-h.Finals():
			if !ok {
				text := strings.TrimSpace(strings.Join(parts, " "))
				if n > 0 {
					confidence /= float64(n)
				}
				return asr.Result{
					Text:       text,
					IsFinal:    true,
					Confidence: confidence,
					Language:   cfg.Language,
					Words:      words,
				}, nil
			}
			if res.Text != "" {
				parts = append(parts, res.Text)
				confidence += res.Confidence
				words = append(words, res.Words...)
				n++
			}
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
}

// StartStream opens a streaming recognition session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.Keywords.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", asr.ErrUnavailable)
	}

	s := &stream{
		conn:     conn,
		partials: make(chan asr.Result, 64),
		finals:   make(chan asr.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram recognition stream. It implements asr.StreamHandle.
type stream struct {
	conn     *websocket.Conn
	partials chan asr.Result
	finals   chan asr.Result
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

// Partials returns the channel of interim results.
func (s *stream) Partials() <-chan asr.Result { return s.partials }

// Finals returns the channel of final results.
func (s *stream) Finals() <-chan asr.Result { return s.finals }

// Close flushes pending audio and terminates the stream cleanly.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// CloseStream tells Deepgram to flush pending audio and finish.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		res, ok := parseResponse(msg)
		if !ok {
			continue
		}

		if res.IsFinal {
			select {
			case s.finals <- res:
			case <-s.done:
				// Keep draining so Close sees the server's own close.
			}
		} else {
			select {
			case s.partials <- res:
			default:
				// Interim results are advisory; drop when nobody reads.
			}
		}
	}
}

// parseResponse parses a raw Deepgram WebSocket message. Returns
// (zero, false) when the message should be ignored.
func parseResponse(data []byte) (asr.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return asr.Result{}, false
	}
	if resp.Type != "Results" {
		return asr.Result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return asr.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]asr.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, asr.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return asr.Result{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
