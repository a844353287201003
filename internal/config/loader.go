package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the built-in defaults,
// including the standard buffer recipes for sections the file omits.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	defaultEndpoint(&cfg.Server.API, "0.0.0.0", 8000)
	defaultEndpoint(&cfg.Server.WS, "0.0.0.0", 8001)
	defaultEndpoint(&cfg.Server.GRPC, "0.0.0.0", 8002)
	defaultEndpoint(&cfg.Server.SocketIO, "0.0.0.0", 8003)

	if cfg.Queue.MaxBytes <= 0 {
		cfg.Queue.MaxBytes = 10 << 20
	}
	if cfg.Queue.MaxAgeMs <= 0 {
		cfg.Queue.MaxAgeMs = 30_000
	}

	f := &cfg.FCM
	if f.AwakeTimeoutMs == 0 {
		f.AwakeTimeoutMs = 8_000
	}
	if f.LLMClaimTTLMs == 0 {
		f.LLMClaimTTLMs = 3_000
	}
	if f.TTSClaimTTLMs == 0 {
		f.TTSClaimTTLMs = 3_000
	}
	if f.MaxRecordingMs == 0 {
		f.MaxRecordingMs = 60_000
	}
	if f.MaxStreamingMs == 0 {
		f.MaxStreamingMs = 60_000
	}
	if f.SessionIdleTimeoutMs == 0 {
		f.SessionIdleTimeoutMs = 300_000
	}

	if cfg.Buffers == nil {
		cfg.Buffers = map[string]BufferConfig{}
	}
	for name, recipe := range builtinBufferRecipes() {
		if _, ok := cfg.Buffers[name]; !ok {
			cfg.Buffers[name] = recipe
		}
	}

	r := &cfg.Transports.Redis
	if r.Host == "" {
		r.Host = "localhost"
	}
	if r.Port == 0 {
		r.Port = 6379
	}
	if r.ChannelPrefix == "" {
		r.ChannelPrefix = "asrhub:"
	}
	if r.Codec == "" {
		r.Codec = "json"
	}

	rec := &cfg.Recording
	if rec.Dir == "" {
		rec.Dir = "recordings"
	}
	if rec.Format == "" {
		rec.Format = "wav"
	}
	if rec.PreRollMs == 0 {
		rec.PreRollMs = 500
	}
	if rec.TailPaddingMs == 0 {
		rec.TailPaddingMs = 300
	}

	for name, p := range cfg.Providers {
		if p.Kind == KindASR {
			pool := &p.Pool
			if pool.MaxSize <= 0 {
				pool.MaxSize = 1
			}
			if pool.MinSize <= 0 {
				pool.MinSize = 1
			}
			if pool.MinSize > pool.MaxSize {
				pool.MinSize = pool.MaxSize
			}
			if pool.AcquireTimeoutMs <= 0 {
				pool.AcquireTimeoutMs = 5_000
			}
			if pool.PerSessionQuota <= 0 {
				pool.PerSessionQuota = 1
			}
			cfg.Providers[name] = p
		}
	}
}

func defaultEndpoint(e *Endpoint, host string, port int) {
	if e.Host == "" {
		e.Host = host
	}
	if e.Port == 0 {
		e.Port = port
	}
}

// builtinBufferRecipes returns the framing recipes the hub ships with.
// All byte counts assume the canonical 16 kHz mono int16 format.
func builtinBufferRecipes() map[string]BufferConfig {
	const bytesPerMs = 32 // 16000 Hz * 2 bytes / 1000

	return map[string]BufferConfig{
		// 400 ms analysis frames for voice activity detection.
		"vad": {
			Mode:       BufferFixed,
			SampleRate: 16000, SampleWidth: 2, Channels: 1,
			FrameSize:        400 * bytesPerMs,
			MaxBufferSize:    10 * 400 * bytesPerMs,
			OverflowStrategy: "drop_oldest",
		},
		// 512-sample windows matching wake-word model hop size.
		"wake": {
			Mode:       BufferFixed,
			SampleRate: 16000, SampleWidth: 2, Channels: 1,
			FrameSize:        512 * 2,
			MaxBufferSize:    100 * 512 * 2,
			OverflowStrategy: "drop_oldest",
		},
		// 5 s windows with 50 % overlap for batch transcription.
		"whisper": {
			Mode:       BufferSliding,
			SampleRate: 16000, SampleWidth: 2, Channels: 1,
			FrameSize:        5_000 * bytesPerMs,
			StepSize:         2_500 * bytesPerMs,
			MaxBufferSize:    4 * 5_000 * bytesPerMs,
			OverflowStrategy: "drop_oldest",
		},
		// Variable utterances between 200 ms and 3 s for streaming capture.
		"streaming": {
			Mode:       BufferDynamic,
			SampleRate: 16000, SampleWidth: 2, Channels: 1,
			MinDurationMs:    200,
			MaxDurationMs:    3_000,
			MaxBufferSize:    2 * 3_000 * bytesPerMs,
			OverflowStrategy: "drop_oldest",
		},
	}
}

// ApplyEnvOverrides applies the recognized environment variables on top of
// the decoded file. Invalid numeric values are ignored in favour of the
// file value.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("APP_ENV"); ok {
		cfg.Server.Environment = v
	}
	if v, ok := os.LookupEnv("DEBUG"); ok {
		cfg.Server.Debug = isTruthy(v)
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	overrideEndpoint(&cfg.Server.API, "API_HOST", "API_PORT")
	overrideEndpoint(&cfg.Server.WS, "WS_HOST", "WS_PORT")
	overrideEndpoint(&cfg.Server.GRPC, "GRPC_HOST", "GRPC_PORT")
	overrideEndpoint(&cfg.Server.SocketIO, "SOCKETIO_HOST", "SOCKETIO_PORT")

	if v, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.Transports.Redis.Host = v
	}
	if v, ok := os.LookupEnv("REDIS_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transports.Redis.Port = port
		}
	}
	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Transports.Redis.DB = db
		}
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.Transports.Redis.Password = v
	}
}

func overrideEndpoint(e *Endpoint, hostVar, portVar string) {
	if v, ok := os.LookupEnv(hostVar); ok {
		e.Host = v
	}
	if v, ok := os.LookupEnv(portVar); ok {
		if port, err := strconv.Atoi(v); err == nil {
			e.Port = port
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	for _, ep := range []struct {
		name string
		e    Endpoint
	}{
		{"server.api", cfg.Server.API},
		{"server.ws", cfg.Server.WS},
		{"server.grpc", cfg.Server.GRPC},
		{"server.socketio", cfg.Server.SocketIO},
	} {
		if ep.e.Port < 1 || ep.e.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port %d is out of range [1, 65535]", ep.name, ep.e.Port))
		}
	}

	for name, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers.%s", name)
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: asr, vad, wake_word, denoise, enhance", prefix, p.Kind))
			continue
		}
		if p.Kind == KindASR {
			pool := p.Pool
			if pool.MinSize < 0 || pool.MinSize > pool.MaxSize {
				errs = append(errs, fmt.Errorf("%s.pool: min_size %d out of range [0, %d]", prefix, pool.MinSize, pool.MaxSize))
			}
			as := pool.AutoScale
			if as.Enabled && as.ScaleUpThreshold != 0 && as.ScaleDownThreshold != 0 &&
				as.ScaleDownThreshold >= as.ScaleUpThreshold {
				errs = append(errs, fmt.Errorf("%s.pool.auto_scale: scale_down_threshold %.2f must be below scale_up_threshold %.2f",
					prefix, as.ScaleDownThreshold, as.ScaleUpThreshold))
			}
		}
	}

	for name, b := range cfg.Buffers {
		prefix := fmt.Sprintf("buffers.%s", name)
		if !b.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: fixed, sliding, dynamic", prefix, b.Mode))
			continue
		}
		switch b.Mode {
		case BufferFixed:
			if b.FrameSize <= 0 {
				errs = append(errs, fmt.Errorf("%s.frame_size is required for fixed mode", prefix))
			}
		case BufferSliding:
			if b.FrameSize <= 0 || b.StepSize <= 0 {
				errs = append(errs, fmt.Errorf("%s: frame_size and step_size are required for sliding mode", prefix))
			} else if b.StepSize > b.FrameSize {
				errs = append(errs, fmt.Errorf("%s.step_size %d exceeds frame_size %d", prefix, b.StepSize, b.FrameSize))
			}
		case BufferDynamic:
			if b.MinDurationMs <= 0 || b.MaxDurationMs <= 0 {
				errs = append(errs, fmt.Errorf("%s: min_duration_ms and max_duration_ms are required for dynamic mode", prefix))
			} else if b.MinDurationMs > b.MaxDurationMs {
				errs = append(errs, fmt.Errorf("%s.min_duration_ms %d exceeds max_duration_ms %d", prefix, b.MinDurationMs, b.MaxDurationMs))
			}
		}
		switch b.OverflowStrategy {
		case "", "drop_oldest", "drop_newest", "error":
		default:
			errs = append(errs, fmt.Errorf("%s.overflow_strategy %q is invalid; valid values: drop_oldest, drop_newest, error", prefix, b.OverflowStrategy))
		}
	}

	if cfg.FCM.MaxRecordingMs < -1 {
		errs = append(errs, fmt.Errorf("fcm.max_recording_ms %d is invalid; use -1 for unlimited", cfg.FCM.MaxRecordingMs))
	}
	if cfg.FCM.MaxStreamingMs < -1 {
		errs = append(errs, fmt.Errorf("fcm.max_streaming_ms %d is invalid; use -1 for unlimited", cfg.FCM.MaxStreamingMs))
	}

	if err := validateServiceProvider(cfg, "services.asr", cfg.Services.ASR, KindASR); err != nil {
		errs = append(errs, err)
	}
	if cfg.Services.ASR.Enabled && cfg.Services.ASR.Provider == "" {
		errs = append(errs, errors.New("services.asr.provider is required when the service is enabled"))
	}
	if err := validateServiceProvider(cfg, "services.vad", cfg.Services.VAD, KindVAD); err != nil {
		errs = append(errs, err)
	}
	if err := validateServiceProvider(cfg, "services.wake_word", cfg.Services.Wake.ServiceConfig, KindWake); err != nil {
		errs = append(errs, err)
	}
	if err := validateServiceProvider(cfg, "services.denoiser", cfg.Services.Denoiser, KindDenoise); err != nil {
		errs = append(errs, err)
	}
	if err := validateServiceProvider(cfg, "services.enhancer", cfg.Services.Enhancer, KindEnhance); err != nil {
		errs = append(errs, err)
	}
	if cfg.Services.Wake.Enabled {
		if len(cfg.Services.Wake.Keywords) == 0 {
			errs = append(errs, errors.New("services.wake_word.keywords must not be empty when the service is enabled"))
		}
		if t := cfg.Services.Wake.Threshold; t < 0 || t > 1 {
			errs = append(errs, fmt.Errorf("services.wake_word.threshold %.2f is out of range [0, 1]", t))
		}
	}

	switch cfg.Transports.Redis.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("transports.redis.codec %q is invalid; valid values: json, msgpack", cfg.Transports.Redis.Codec))
	}

	switch cfg.Recording.Format {
	case "wav", "mp3":
	default:
		errs = append(errs, fmt.Errorf("recording.format %q is invalid; valid values: wav, mp3", cfg.Recording.Format))
	}
	if cfg.Recording.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("recording.pre_roll_ms %d must not be negative", cfg.Recording.PreRollMs))
	}

	return errors.Join(errs...)
}

// validateServiceProvider checks that an enabled service references a
// configured provider of the matching kind.
func validateServiceProvider(cfg *Config, prefix string, svc ServiceConfig, want ProviderKind) error {
	if !svc.Enabled || svc.Provider == "" {
		return nil
	}
	p, ok := cfg.Providers[svc.Provider]
	if !ok {
		return fmt.Errorf("%s.provider %q is not declared in providers", prefix, svc.Provider)
	}
	if p.Kind != want {
		return fmt.Errorf("%s.provider %q has kind %q, want %q", prefix, svc.Provider, p.Kind, want)
	}
	return nil
}
