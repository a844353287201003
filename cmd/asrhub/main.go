// Command asrhub runs the speech recognition hub: transports in front,
// per-session control machines in the middle, pooled recognition
// providers behind.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/asrhub/internal/app"
	"github.com/MrWong99/asrhub/internal/config"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/asr/deepgram"
	"github.com/MrWong99/asrhub/pkg/provider/asr/sherpa"
	"github.com/MrWong99/asrhub/pkg/provider/asr/whisper"
	"github.com/MrWong99/asrhub/pkg/provider/denoise"
	"github.com/MrWong99/asrhub/pkg/provider/denoise/spectral"
	"github.com/MrWong99/asrhub/pkg/provider/enhance"
	"github.com/MrWong99/asrhub/pkg/provider/enhance/chain"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/vad/energy"
	"github.com/MrWong99/asrhub/pkg/provider/vad/silero"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
	wakeenergy "github.com/MrWong99/asrhub/pkg/provider/wake/energy"
	"github.com/MrWong99/asrhub/pkg/provider/wake/textmatch"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 2
	exitRuntime  = 3
	exitProvider = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asrhub: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asrhub: %v\n", err)
		}
		return exitConfig
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "asrhub: marshal config: %v\n", err)
			return exitConfig
		}
		os.Stdout.Write(out)
		return exitOK
	}

	slog.SetDefault(newLogger(cfg.Server))
	slog.Info("asrhub starting",
		"config", *configPath,
		"environment", cfg.Server.Environment,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "asrhub",
	})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return exitRuntime
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return exitProvider
	}

	printStartupSummary(cfg)

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return exitRuntime
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "error", runErr)
		return exitRuntime
	}
	slog.Info("goodbye")
	return exitOK
}

// registerBuiltinProviders wires the provider factories that ship with the
// hub into reg. Config entries select them by name.
func registerBuiltinProviders(reg *config.Registry) {
	// Recognition backends.
	reg.RegisterASR("whisper", func(entry config.ProviderConfig) (asr.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		if ms := optInt(entry.Options, "timeout_ms"); ms > 0 {
			opts = append(opts, whisper.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderConfig) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("sherpa", func(entry config.ProviderConfig) (asr.Provider, error) {
		return sherpa.New(sherpa.Config{
			Tokens:         optString(entry.Options, "tokens"),
			WhisperEncoder: optString(entry.Options, "whisper_encoder"),
			WhisperDecoder: optString(entry.Options, "whisper_decoder"),
			Paraformer:     optString(entry.Options, "paraformer"),
			NumThreads:     optInt(entry.Options, "num_threads"),
			Language:       entry.Language,
		})
	})

	// Voice activity detection.
	reg.RegisterVAD("energy", func(entry config.ProviderConfig) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "speech_frames"); n > 0 {
			opts = append(opts, energy.WithSpeechFrames(n))
		}
		if n := optInt(entry.Options, "silence_frames"); n > 0 {
			opts = append(opts, energy.WithSilenceFrames(n))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderConfig) (vad.Engine, error) {
		model := entry.Model
		if model == "" {
			model = optString(entry.Options, "model_path")
		}
		var opts []silero.Option
		if n := optInt(entry.Options, "num_threads"); n > 0 {
			opts = append(opts, silero.WithNumThreads(n))
		}
		return silero.New(model, opts...)
	})

	// Wake word. The energy detector triggers on any sustained speech
	// burst; the text matcher transcribes detection windows with its own
	// recognition backend, named in options.backend.
	reg.RegisterWake("energy", func(entry config.ProviderConfig) (wake.Detector, error) {
		var opts []wakeenergy.Option
		if f := optFloat(entry.Options, "rms_threshold"); f > 0 {
			opts = append(opts, wakeenergy.WithRMSThreshold(f))
		}
		if ms := optInt(entry.Options, "min_voiced_ms"); ms > 0 {
			opts = append(opts, wakeenergy.WithMinVoicedDuration(ms))
		}
		return wakeenergy.New(opts...), nil
	})

	reg.RegisterWake("textmatch", func(entry config.ProviderConfig) (wake.Detector, error) {
		backend, err := reg.CreateASR(optString(entry.Options, "backend"), entry)
		if err != nil {
			return nil, fmt.Errorf("textmatch backend: %w", err)
		}
		var opts []textmatch.Option
		if entry.Language != "" {
			opts = append(opts, textmatch.WithLanguage(entry.Language))
		}
		if f := optFloat(entry.Options, "fuzzy_threshold"); f > 0 {
			opts = append(opts, textmatch.WithFuzzyThreshold(f))
		}
		return textmatch.New(backend, opts...)
	})

	// Audio conditioning.
	reg.RegisterDenoise("spectral", func(entry config.ProviderConfig) (denoise.Denoiser, error) {
		var opts []spectral.Option
		if f := optFloat(entry.Options, "over_subtraction"); f > 0 {
			opts = append(opts, spectral.WithOverSubtraction(f))
		}
		return spectral.New(opts...)
	})

	reg.RegisterEnhance("chain", func(entry config.ProviderConfig) (enhance.Enhancer, error) {
		var opts []chain.Option
		if f := optFloat(entry.Options, "highpass_cutoff_hz"); f > 0 {
			opts = append(opts, chain.WithCutoff(f))
		}
		if f := optFloat(entry.Options, "gate_threshold"); f > 0 {
			opts = append(opts, chain.WithGateThreshold(f))
		}
		return chain.New(opts...)
	})
}

// printStartupSummary logs one line per enabled surface so operators can
// see at a glance what the process is serving.
func printStartupSummary(cfg *config.Config) {
	if cfg.Transports.HTTP.Enabled {
		slog.Info("transport enabled", "transport", "http", "addr", cfg.Server.API.Addr())
	}
	if cfg.Transports.WS.Enabled {
		slog.Info("transport enabled", "transport", "websocket", "addr", cfg.Server.WS.Addr())
	}
	if cfg.Transports.SocketIO.Enabled {
		slog.Info("transport enabled", "transport", "socketio", "addr", cfg.Server.SocketIO.Addr())
	}
	if cfg.Transports.Redis.Enabled {
		slog.Info("transport enabled", "transport", "redis", "addr", cfg.Transports.Redis.Addr(),
			"codec", cfg.Transports.Redis.Codec)
	}
	for name, entry := range cfg.Providers {
		args := []any{"provider", name, "kind", string(entry.Kind)}
		if entry.Pool.Enabled {
			args = append(args, "pool_min", entry.Pool.MinSize, "pool_max", entry.Pool.MaxSize)
		}
		slog.Info("provider configured", args...)
	}
}

func newLogger(server config.ServerConfig) *slog.Logger {
	lvl := slog.LevelInfo
	switch server.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	}
	if server.Debug {
		lvl = slog.LevelDebug
	}
	if server.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Option helpers for the loosely typed provider options maps.

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
