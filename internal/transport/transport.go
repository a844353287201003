// Package transport defines the wire envelope shared by every protocol
// adapter and the Hub that fans session events out to them.
//
// Adapters (HTTP/SSE, WebSocket, Socket.IO, Redis) translate their
// protocol into store actions and effects calls on the way in, and
// subscribe to the Hub for the uniform event stream on the way out. The
// envelope is codec-agnostic: JSON on the HTTP-family transports, JSON or
// MessagePack on the Redis bus.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Inbound message types accepted from clients.
const (
	InSessionCreate      = "session/create"
	InSessionDestroy     = "session/destroy"
	InSessionStart       = "session/start"
	InFileUpload         = "file/upload"
	InFileUploadDone     = "file/upload/done"
	InChunkStart         = "chunk/upload/start"
	InChunkDone          = "chunk/upload/done"
	InChunkReceived      = "chunk/received"
	InRecordingStart     = "recording/start"
	InRecordingEnd       = "recording/end"
	InTranscriptionStart = "transcription/start"
	InTranscriptionDone  = "transcription/done"
	InAudioMetadata      = "audio/metadata"
	InError              = "error"
)

// Outbound event types emitted to clients.
const (
	EventConnectionReady  = "connection_ready"
	EventSessionCreated   = "session_created"
	EventListeningStarted = "listening_started"
	EventTranscript       = "transcript"
	EventTranscribeDone   = "transcribe_done"
	EventStatus           = "status"
	EventAudioReceived    = "audio/received"
	EventAudioMetadataAck = "audio_metadata_ack"
	EventCaptureStarted   = "asr_capture_started"
	EventCaptureEnded     = "asr_capture_ended"
	EventPlayASRFeedback  = "play_asr_feedback"
	EventErrorReported    = "error_reported"
	EventHeartbeat        = "heartbeat"
	EventSessionDestroyed = "session_destroyed"
)

// Envelope is one message on any transport. Outbound envelopes carry an
// ISO-8601 emission timestamp; the hub stamps it on publish.
type Envelope struct {
	Type      string         `json:"type" msgpack:"type"`
	SessionID string         `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Stamped returns the envelope with the timestamp filled in, if it was
// not already set.
func (e Envelope) Stamped() Envelope {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return e
}

// Codec serializes envelopes for byte-oriented transports.
type Codec interface {
	Name() string
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// NewCodec returns the codec for a config name ("json" or "msgpack").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(e Envelope) ([]byte, error) { return json.Marshal(e) }

func (jsonCodec) Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode json envelope: %w", err)
	}
	return e, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(e Envelope) ([]byte, error) { return msgpack.Marshal(e) }

func (msgpackCodec) Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode msgpack envelope: %w", err)
	}
	return e, nil
}
