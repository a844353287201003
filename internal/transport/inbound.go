package transport

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// Inbound maps client envelopes onto store actions and effects calls. One
// Inbound is shared by the message-oriented adapters (WebSocket,
// Socket.IO, Redis); the HTTP API has its own REST-shaped handlers.
type Inbound struct {
	Store   *store.Store
	Effects *effects.Effects

	mu      sync.Mutex
	uploads map[string][]byte
}

// NewInbound builds the dispatcher.
func NewInbound(st *store.Store, eff *effects.Effects) *Inbound {
	return &Inbound{Store: st, Effects: eff, uploads: make(map[string][]byte)}
}

// Handle processes one inbound envelope. The returned session ID is the
// session the envelope acted on (useful for connection binding); it is
// the envelope's own ID unless session/create generated one.
func (in *Inbound) Handle(env Envelope) (string, error) {
	id := env.SessionID
	switch env.Type {
	case InSessionCreate:
		if id == "" {
			id = clock.NewSessionID()
		}
		strategy := payloadString(env.Payload, "strategy")
		if strategy == "" {
			strategy = string(store.StrategyNonStreaming)
		}
		if _, ok := store.ParseStrategy(strategy); !ok {
			return id, fmt.Errorf("transport: unknown strategy %q", strategy)
		}
		in.Store.Dispatch(store.NewAction(store.TypeSessionCreate, id).
			With(store.KeyStrategy, strategy).
			With(store.KeyRequestID, clock.NewRequestID()))

	case InSessionDestroy:
		in.dropUpload(id)
		in.Store.Dispatch(store.NewAction(store.TypeSessionDestroy, id))

	case InSessionStart:
		in.Store.Dispatch(store.NewAction(store.TypeStartListening, id).
			With(store.KeySampleRate, payloadInt(env.Payload, "sample_rate", audio.HubSampleRate)).
			With(store.KeyChannels, payloadInt(env.Payload, "channels", audio.HubChannels)).
			With(store.KeyFormat, payloadString(env.Payload, "format")))

	case InAudioMetadata:
		in.Store.Dispatch(store.NewAction(store.TypeAudioMetadata, id).
			With(store.KeySampleRate, payloadInt(env.Payload, "sample_rate", audio.HubSampleRate)).
			With(store.KeyChannels, payloadInt(env.Payload, "channels", audio.HubChannels)).
			With(store.KeyFormat, payloadString(env.Payload, "format")))

	case InRecordingStart:
		in.Store.Dispatch(store.NewAction(store.TypeStartRecording, id))

	case InRecordingEnd:
		in.Store.Dispatch(store.NewAction(store.TypeEndRecording, id).
			With(store.KeyTrigger, store.TriggerManual))

	case InTranscriptionStart:
		in.Store.Dispatch(store.NewAction(store.TypeStartASRStreaming, id))

	case InTranscriptionDone:
		// With a transcript in the payload this ingests an externally
		// recognized result; without one it ends the live stream.
		if text := payloadString(env.Payload, "text"); text != "" {
			in.Store.Dispatch(store.NewAction(store.TypeTranscriptionDone, id).
				With(store.KeyText, text).
				With(store.KeyConfidence, payloadFloat(env.Payload, "confidence")).
				With(store.KeyIsFinal, true))
		} else {
			in.Store.Dispatch(store.NewAction(store.TypeEndASRStreaming, id).
				With(store.KeyTrigger, store.TriggerManual))
		}

	case InChunkReceived:
		data, err := payloadAudio(env.Payload)
		if err != nil {
			return id, err
		}
		format := audio.Format{
			SampleRate: payloadInt(env.Payload, "sample_rate", audio.HubSampleRate),
			Channels:   payloadInt(env.Payload, "channels", audio.HubChannels),
		}
		if _, err := in.Effects.IngestAudio(id, data, format, payloadString(env.Payload, "format")); err != nil {
			return id, err
		}

	case InFileUpload:
		data, err := payloadAudio(env.Payload)
		if err != nil {
			return id, err
		}
		in.mu.Lock()
		in.uploads[id] = append(in.uploads[id], data...)
		in.mu.Unlock()

	case InFileUploadDone:
		in.mu.Lock()
		data := in.uploads[id]
		delete(in.uploads, id)
		in.mu.Unlock()
		if len(data) == 0 {
			return id, fmt.Errorf("transport: upload finished without data")
		}
		in.Store.Dispatch(store.NewAction(store.TypeUploadFile, id).
			With(store.KeyAudio, data).
			With(store.KeySampleRate, payloadInt(env.Payload, "sample_rate", 0)).
			With(store.KeyChannels, payloadInt(env.Payload, "channels", 0)).
			With(store.KeyFormat, payloadString(env.Payload, "format")))

	case InChunkStart, InChunkDone:
		// Frame markers around binary chunk streaming; the chunks
		// themselves carry everything the pipeline needs.

	case InError:
		in.Store.Dispatch(store.NewAction(store.TypeError, id).
			With(store.KeyErrorCode, payloadString(env.Payload, "code")).
			With(store.KeyErrorMessage, payloadString(env.Payload, "message")))

	default:
		return id, fmt.Errorf("transport: unknown message type %q", env.Type)
	}
	return id, nil
}

// HandleAudio ingests a raw binary audio frame for a bound session.
func (in *Inbound) HandleAudio(sessionID string, data []byte, format audio.Format, encoding string) (float64, error) {
	return in.Effects.IngestAudio(sessionID, data, format, encoding)
}

// Disconnected reports a transport-level disconnect for a session.
func (in *Inbound) Disconnected(sessionID, transportName string) {
	if sessionID == "" {
		return
	}
	in.dropUpload(sessionID)
	in.Store.Dispatch(store.NewAction(store.TypeDisconnected, sessionID).
		With(store.KeyTransport, transportName))
}

func (in *Inbound) dropUpload(id string) {
	in.mu.Lock()
	delete(in.uploads, id)
	in.mu.Unlock()
}

// payloadAudio extracts audio bytes from a payload: raw []byte from
// binary-capable codecs, or base64 in the "data" field.
func payloadAudio(payload map[string]any) ([]byte, error) {
	switch v := payload["data"].(type) {
	case []byte:
		return v, nil
	case string:
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("transport: decode audio payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("transport: payload carries no audio data")
	}
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func payloadInt(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
