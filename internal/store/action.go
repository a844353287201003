package store

// Action is the tagged record every subsystem communicates with: a type
// string plus a loosely typed payload. Transports normalize their wire
// formats into Actions, effects dispatch them, reducers fold them into
// state.
//
// The canonical type vocabulary is the slash form for session and audio
// plumbing and the control-machine trigger names for state transitions.
// Reducers ignore unknown types, so adapters may pass vendor extensions
// through without breaking anything.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session and transport lifecycle.
const (
	TypeSessionCreate  = "session/create"
	TypeSessionDestroy = "session/destroy"
	TypeAudioChunk     = "audio/chunk"
	TypeAudioMetadata  = "audio/metadata"
	TypeDisconnected   = "transport/disconnected"
)

// Control-machine triggers.
const (
	TypeStartListening      = "start_listening"
	TypeWakeTriggered       = "wake_triggered"
	TypeStartRecording      = "start_recording"
	TypeEndRecording        = "end_recording"
	TypeStartASRStreaming   = "start_asr_streaming"
	TypeEndASRStreaming     = "end_asr_streaming"
	TypeUploadFile          = "upload_file"
	TypeTranscriptionDone   = "transcription_done"
	TypeReset               = "reset"
	TypeError               = "error"
	TypeRecover             = "recover"
	TypeTimeout             = "timeout"
	TypeLLMReplyStarted     = "llm_reply_started"
	TypeLLMReplyFinished    = "llm_reply_finished"
	TypeTTSPlaybackStarted  = "tts_playback_started"
	TypeTTSPlaybackFinished = "tts_playback_finished"
	TypeInterruptReply      = "interrupt_reply"
)

// Common payload keys.
const (
	KeySessionID    = "session_id"
	KeyRequestID    = "request_id"
	KeyStrategy     = "strategy"
	KeyTimestamp    = "timestamp"
	KeyChunkID      = "chunk_id"
	KeyAudio        = "audio"
	KeySampleRate   = "sample_rate"
	KeyChannels     = "channels"
	KeyFormat       = "format"
	KeyTrigger      = "trigger"
	KeySource       = "source"
	KeyTarget       = "target"
	KeyText         = "text"
	KeyConfidence   = "confidence"
	KeyLanguage     = "language"
	KeyIsFinal      = "is_final"
	KeyKeyword      = "keyword"
	KeyTimer        = "timer"
	KeyVADSpeech    = "vad_speech"
	KeyErrorCode    = "error_code"
	KeyErrorMessage = "error_message"
	KeyFilePath     = "file_path"
	KeyTransport    = "transport"
	KeyReader       = "reader"
)

// End-of-capture trigger values.
const (
	TriggerVADTimeout = "VAD_TIMEOUT"
	TriggerTimeout    = "TIMEOUT"
	TriggerManual     = "MANUAL"
)

// Interrupt sources and targets.
const (
	SourceVoice = "VOICE"
	SourceText  = "TEXT"

	TargetTTS  = "TTS"
	TargetLLM  = "LLM"
	TargetBoth = "BOTH"
)

// NewAction builds an action bound to a session.
func NewAction(typ, sessionID string) Action {
	return Action{Type: typ, Payload: map[string]any{KeySessionID: sessionID}}
}

// With returns a copy of the action with one payload field set.
func (a Action) With(key string, value any) Action {
	p := make(map[string]any, len(a.Payload)+1)
	for k, v := range a.Payload {
		p[k] = v
	}
	p[key] = value
	return Action{Type: a.Type, Payload: p}
}

// SessionID extracts the session binding, empty when absent.
func (a Action) SessionID() string {
	s, _ := a.Payload[KeySessionID].(string)
	return s
}

// String returns the payload value under key, empty when absent or not a
// string.
func (a Action) String(key string) string {
	s, _ := a.Payload[key].(string)
	return s
}

// Float returns the payload value under key as float64. JSON decoding and
// internal dispatch both store numbers as float64; integer values placed
// directly are widened.
func (a Action) Float(key string) float64 {
	switch v := a.Payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the payload value under key truncated to int.
func (a Action) Int(key string) int {
	return int(a.Float(key))
}

// Bool returns the payload value under key, false when absent.
func (a Action) Bool(key string) bool {
	b, _ := a.Payload[key].(bool)
	return b
}

// Bytes returns the payload value under key when it carries raw audio.
func (a Action) Bytes(key string) []byte {
	b, _ := a.Payload[key].([]byte)
	return b
}
