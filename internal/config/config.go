// Package config provides the configuration schema, loader, and provider registry
// for the ASR hub.
//
// A Config is loaded once at startup, validated, and then treated as an
// immutable snapshot. Runtime components receive the values they need at
// construction time; there is no live reload.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the hub.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderKind classifies what a configured provider does.
type ProviderKind string

const (
	KindASR     ProviderKind = "asr"
	KindVAD     ProviderKind = "vad"
	KindWake    ProviderKind = "wake_word"
	KindDenoise ProviderKind = "denoise"
	KindEnhance ProviderKind = "enhance"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	switch k {
	case KindASR, KindVAD, KindWake, KindDenoise, KindEnhance:
		return true
	}
	return false
}

// BufferMode selects the framing behaviour of a buffer recipe.
type BufferMode string

const (
	BufferFixed   BufferMode = "fixed"
	BufferSliding BufferMode = "sliding"
	BufferDynamic BufferMode = "dynamic"
)

// IsValid reports whether m is a recognised buffer mode.
func (m BufferMode) IsValid() bool {
	return m == BufferFixed || m == BufferSliding || m == BufferDynamic
}

// Config is the root configuration structure for the hub.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	FCM        FCMConfig                 `yaml:"fcm"`
	Buffers    map[string]BufferConfig   `yaml:"buffers"`
	Queue      QueueConfig               `yaml:"queue"`
	Services   ServicesConfig            `yaml:"services"`
	Transports TransportsConfig          `yaml:"transports"`
	Recording  RecordingConfig           `yaml:"recording"`
}

// Endpoint is one host/port listen address.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port form used by net.Listen.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ServerConfig holds environment, logging, and listen addresses.
type ServerConfig struct {
	// Environment names the deployment environment (e.g., "development",
	// "production"). Overridden by APP_ENV.
	Environment string `yaml:"environment"`

	// Debug forces debug log level and verbose request logging.
	Debug bool `yaml:"debug"`

	// LogLevel controls verbosity. Overridden by LOG_LEVEL.
	LogLevel LogLevel `yaml:"log_level"`

	// API is the HTTP + SSE listen address.
	API Endpoint `yaml:"api"`

	// WS is the WebSocket listen address.
	WS Endpoint `yaml:"ws"`

	// GRPC is reserved for the gRPC transport listen address.
	GRPC Endpoint `yaml:"grpc"`

	// SocketIO is the Socket.IO listen address.
	SocketIO Endpoint `yaml:"socketio"`
}

// ProviderConfig declares one named backend instance. The map key in
// Config.Providers is the provider name used in the Registry lookup.
type ProviderConfig struct {
	// Kind classifies the provider.
	Kind ProviderKind `yaml:"kind"`

	// Model selects a specific model within the provider (e.g., "nova-3",
	// a local model path).
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// Language is a BCP-47 hint passed to recognition backends.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`

	// Pool configures instance pooling for asr providers.
	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig tunes the instance pool wrapped around an asr provider.
// All durations are milliseconds; yaml.v3 does not decode time.Duration.
type PoolConfig struct {
	Enabled               bool `yaml:"enabled"`
	MinSize               int  `yaml:"min_size"`
	MaxSize               int  `yaml:"max_size"`
	AcquireTimeoutMs      int  `yaml:"acquire_timeout_ms"`
	PerSessionQuota       int  `yaml:"per_session_quota"`
	HealthCheckIntervalMs int  `yaml:"health_check_interval_ms"`
	FailureThreshold      int  `yaml:"failure_threshold"`

	AutoScale AutoScaleConfig `yaml:"auto_scale"`
}

// AutoScaleConfig tunes the pool's utilization-driven resizing.
type AutoScaleConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ScaleIntervalMs    int     `yaml:"scale_interval_ms"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
}

// FCMConfig tunes the per-session finite conversation machine.
type FCMConfig struct {
	// AwakeTimeoutMs is how long a session stays ACTIVATED without speech
	// before falling back to LISTENING.
	AwakeTimeoutMs int `yaml:"awake_timeout_ms"`

	// LLMClaimTTLMs bounds how long a reply generator may hold the session
	// in BUSY before the watchdog recovers it.
	LLMClaimTTLMs int `yaml:"llm_claim_ttl_ms"`

	// TTSClaimTTLMs bounds the gap between a finished reply and the start
	// of playback.
	TTSClaimTTLMs int `yaml:"tts_claim_ttl_ms"`

	// KeepAwakeAfterReply returns the session to ACTIVATED instead of
	// LISTENING when playback ends.
	KeepAwakeAfterReply bool `yaml:"keep_awake_after_reply"`

	// ReturnAfterCapture returns to ACTIVATED instead of LISTENING after a
	// capture completes.
	ReturnAfterCapture bool `yaml:"return_after_capture"`

	// AllowBargeIn lets a wake word interrupt playback.
	AllowBargeIn bool `yaml:"allow_barge_in"`

	// MaxRecordingMs caps one capture. -1 disables the cap (a watchdog
	// still warns on captures past ten minutes).
	MaxRecordingMs int `yaml:"max_recording_ms"`

	// MaxStreamingMs caps one streaming capture. -1 disables the cap.
	MaxStreamingMs int `yaml:"max_streaming_ms"`

	// SessionIdleTimeoutMs destroys sessions idle past the limit.
	SessionIdleTimeoutMs int `yaml:"session_idle_timeout_ms"`

	// AutoCaptureOnWake starts recording automatically shortly after the
	// wake word instead of waiting for an explicit start.
	AutoCaptureOnWake bool `yaml:"auto_capture_on_wake"`
}

// BufferConfig is one framing recipe for a BufferManager.
type BufferConfig struct {
	Mode        BufferMode `yaml:"mode"`
	SampleRate  int        `yaml:"sample_rate"`
	SampleWidth int        `yaml:"sample_width"`
	Channels    int        `yaml:"channels"`

	// FrameSize and StepSize are byte counts for fixed and sliding modes.
	FrameSize int `yaml:"frame_size"`
	StepSize  int `yaml:"step_size"`

	// MinDurationMs and MaxDurationMs bound dynamic mode utterances.
	MinDurationMs int `yaml:"min_duration_ms"`
	MaxDurationMs int `yaml:"max_duration_ms"`

	// MaxBufferSize caps buffered bytes; OverflowStrategy picks what to do
	// at the cap: drop_oldest, drop_newest, or error.
	MaxBufferSize    int    `yaml:"max_buffer_size"`
	OverflowStrategy string `yaml:"overflow_strategy"`
}

// QueueConfig bounds the per-session audio queue.
type QueueConfig struct {
	// MaxBytes caps retained audio per session. Default: 10 MiB.
	MaxBytes int `yaml:"max_bytes"`

	// MaxAgeMs evicts chunks older than this. Default: 30000.
	MaxAgeMs int `yaml:"max_age_ms"`
}

// ServiceConfig is the common toggle shared by the per-session services.
type ServiceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider names the Registry entry backing the service.
	Provider string `yaml:"provider"`

	// Options holds service-specific knobs.
	Options map[string]any `yaml:"options"`
}

// WakeServiceConfig extends ServiceConfig with wake-word vocabulary.
type WakeServiceConfig struct {
	ServiceConfig `yaml:",inline"`

	// Keywords lists the accepted wake phrases.
	Keywords []string `yaml:"keywords"`

	// Threshold is the minimum detection confidence in [0, 1].
	Threshold float64 `yaml:"threshold"`
}

// ServicesConfig toggles the per-session audio services. The asr entry
// selects which pooled provider transcription uses.
type ServicesConfig struct {
	ASR       ServiceConfig     `yaml:"asr"`
	Converter ServiceConfig     `yaml:"converter"`
	Denoiser  ServiceConfig     `yaml:"denoiser"`
	Enhancer  ServiceConfig     `yaml:"enhancer"`
	VAD       ServiceConfig     `yaml:"vad"`
	Wake      WakeServiceConfig `yaml:"wake_word"`
	Recorder  ServiceConfig     `yaml:"recorder"`
}

// TransportConfig toggles one transport adapter.
type TransportConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`

	// ChannelPrefix namespaces the session channels
	// (<prefix>session:<id>:in / :out).
	ChannelPrefix string `yaml:"channel_prefix"`

	// Codec is the envelope serialization: json or msgpack.
	Codec string `yaml:"codec"`
}

// Addr returns the host:port form used by the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TransportsConfig toggles the transport adapters.
type TransportsConfig struct {
	HTTP     TransportConfig `yaml:"http"`
	WS       TransportConfig `yaml:"ws"`
	SocketIO TransportConfig `yaml:"socketio"`
	Redis    RedisConfig     `yaml:"redis"`
}

// RecordingConfig configures session audio archival.
type RecordingConfig struct {
	// Dir is the directory recordings are written to.
	Dir string `yaml:"dir"`

	// Format is the container: wav or mp3.
	Format string `yaml:"format"`

	// RotateMaxBytes starts a new file when the current one exceeds the
	// limit. Zero disables size rotation.
	RotateMaxBytes int64 `yaml:"rotate_max_bytes"`

	// RotateMaxDurationMs rotates by recorded duration. Zero disables.
	RotateMaxDurationMs int `yaml:"rotate_max_duration_ms"`

	// PreRollMs is how much audio before the wake word is included.
	PreRollMs int `yaml:"pre_roll_ms"`

	// TailPaddingMs is how much trailing silence is kept after speech end.
	TailPaddingMs int `yaml:"tail_padding_ms"`
}

// Duration helpers. The yaml schema keeps integer milliseconds because
// yaml.v3 has no native time.Duration decoding; runtime code wants
// time.Duration.

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// AcquireTimeout returns the pool acquire timeout as a duration.
func (p PoolConfig) AcquireTimeout() time.Duration { return ms(p.AcquireTimeoutMs) }

// HealthCheckInterval returns the idle-probe period as a duration.
func (p PoolConfig) HealthCheckInterval() time.Duration { return ms(p.HealthCheckIntervalMs) }

// ScaleInterval returns the autoscale tick period as a duration.
func (a AutoScaleConfig) ScaleInterval() time.Duration { return ms(a.ScaleIntervalMs) }

// MaxAge returns the queue retention window as a duration.
func (q QueueConfig) MaxAge() time.Duration { return ms(q.MaxAgeMs) }

// AwakeTimeout returns the ACTIVATED fallback window as a duration.
func (f FCMConfig) AwakeTimeout() time.Duration { return ms(f.AwakeTimeoutMs) }

// LLMClaimTTL returns the reply watchdog window as a duration.
func (f FCMConfig) LLMClaimTTL() time.Duration { return ms(f.LLMClaimTTLMs) }

// TTSClaimTTL returns the playback-start watchdog window as a duration.
func (f FCMConfig) TTSClaimTTL() time.Duration { return ms(f.TTSClaimTTLMs) }

// SessionIdleTimeout returns the idle-destroy window as a duration.
func (f FCMConfig) SessionIdleTimeout() time.Duration { return ms(f.SessionIdleTimeoutMs) }
