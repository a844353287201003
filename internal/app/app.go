// Package app wires all hub subsystems into a running application.
//
// New builds the full stack from a validated config and a provider
// registry: clock, store, timers, queues, provider pool, effects, hub,
// and the enabled transports. Run serves until the context is cancelled;
// Shutdown tears everything down in reverse order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/bufmgr"
	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/config"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/health"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/internal/transport/httpapi"
	"github.com/MrWong99/asrhub/internal/transport/redisbus"
	"github.com/MrWong99/asrhub/internal/transport/socketio"
	"github.com/MrWong99/asrhub/internal/transport/ws"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/denoise"
	"github.com/MrWong99/asrhub/pkg/provider/enhance"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	clk     *clock.Monotonic
	store   *store.Store
	timers  *timer.Service
	queues  *audioqueue.Manager
	effects *effects.Effects
	hub     *transport.Hub
	inbound *transport.Inbound
	pool    *pool.Pool
	metrics *observe.Metrics

	api *httpapi.Server
	ws  *ws.Server
	sio *socketio.Server
	bus *redisbus.Bus

	// closers are run in reverse order during Shutdown.
	closers  []namedCloser
	stopOnce sync.Once
}

type namedCloser struct {
	name  string
	close func() error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the package
// default. Tests use this to avoid the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the application. Providers come from the registry, looked up
// by the names the services section declares. The returned App is fully
// initialised but not yet serving; call Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.clk = clock.NewMonotonic()
	a.store = store.New(a.clk)
	a.timers = timer.NewService()
	a.queues = audioqueue.NewManager(a.clk, audioqueue.Config{
		MaxBytes: cfg.Queue.MaxBytes,
		MaxAge:   cfg.Queue.MaxAge(),
	})
	a.addCloser("queues", a.queues.Close)
	a.addCloser("timers", a.timers.Close)

	if err := a.initPool(ctx, reg); err != nil {
		return nil, fmt.Errorf("app: init pool: %w", err)
	}
	deps, err := a.buildProviderDeps(reg)
	if err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	if err := a.initEffects(deps); err != nil {
		return nil, fmt.Errorf("app: init effects: %w", err)
	}

	a.hub = transport.NewHub()
	a.hub.Register(a.store)
	a.addCloser("hub", func() error { a.hub.Close(); return nil })
	a.inbound = transport.NewInbound(a.store, a.effects)

	observe.NewRecorder(a.metrics).Register(a.store)

	if err := a.initTransports(); err != nil {
		return nil, fmt.Errorf("app: init transports: %w", err)
	}

	go a.store.Run()
	return a, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// initPool builds the recognition provider pool named by services.asr.
func (a *App) initPool(ctx context.Context, reg *config.Registry) error {
	svc := a.cfg.Services.ASR
	if !svc.Enabled {
		slog.Warn("asr service disabled, transcription requests will fail")
		return nil
	}
	name := svc.Provider
	entry, ok := a.cfg.Providers[name]
	if !ok {
		return fmt.Errorf("services.asr.provider %q is not declared", name)
	}

	pc := entry.Pool
	pcfg := pool.Config{
		Name:                name,
		MinSize:             pc.MinSize,
		MaxSize:             pc.MaxSize,
		AcquireTimeout:      pc.AcquireTimeout(),
		PerSessionQuota:     pc.PerSessionQuota,
		HealthCheckInterval: pc.HealthCheckInterval(),
		FailureThreshold:    pc.FailureThreshold,
		AutoScale: pool.AutoScaleConfig{
			Enabled:            pc.AutoScale.Enabled,
			ScaleInterval:      pc.AutoScale.ScaleInterval(),
			ScaleUpThreshold:   pc.AutoScale.ScaleUpThreshold,
			ScaleDownThreshold: pc.AutoScale.ScaleDownThreshold,
		},
	}
	if !pc.Enabled {
		// Pooling off still leases through a single shared instance so
		// the transcription path stays uniform.
		pcfg.MinSize, pcfg.MaxSize = 1, 1
		pcfg.AutoScale.Enabled = false
	}

	p, err := pool.New(ctx, pcfg, func(ctx context.Context) (asr.Provider, error) {
		return reg.CreateASR(name, entry)
	})
	if err != nil {
		return err
	}
	a.pool = p
	a.addCloser("pool", p.Close)
	slog.Info("provider pool ready", "provider", name, "min", pcfg.MinSize, "max", pcfg.MaxSize)
	return nil
}

// providerDeps carries the per-session service providers into effects.
type providerDeps struct {
	vad      vad.Engine
	wake     wake.Detector
	denoiser denoise.Denoiser
	enhancer enhance.Enhancer
	recorder *recording.Service
}

// buildProviderDeps instantiates the enabled per-session services.
func (a *App) buildProviderDeps(reg *config.Registry) (providerDeps, error) {
	var deps providerDeps
	cfg := a.cfg

	if svc := cfg.Services.VAD; svc.Enabled {
		entry := cfg.Providers[svc.Provider]
		engine, err := reg.CreateVAD(svc.Provider, entry)
		if err != nil {
			return deps, fmt.Errorf("vad provider %q: %w", svc.Provider, err)
		}
		deps.vad = engine
	}
	if svc := cfg.Services.Wake; svc.Enabled {
		entry := cfg.Providers[svc.Provider]
		det, err := reg.CreateWake(svc.Provider, entry)
		if err != nil {
			return deps, fmt.Errorf("wake provider %q: %w", svc.Provider, err)
		}
		deps.wake = det
	}
	if svc := cfg.Services.Denoiser; svc.Enabled {
		entry := cfg.Providers[svc.Provider]
		d, err := reg.CreateDenoise(svc.Provider, entry)
		if err != nil {
			return deps, fmt.Errorf("denoise provider %q: %w", svc.Provider, err)
		}
		deps.denoiser = d
	}
	if svc := cfg.Services.Enhancer; svc.Enabled {
		entry := cfg.Providers[svc.Provider]
		e, err := reg.CreateEnhance(svc.Provider, entry)
		if err != nil {
			return deps, fmt.Errorf("enhance provider %q: %w", svc.Provider, err)
		}
		deps.enhancer = e
	}
	if svc := cfg.Services.Recorder; svc.Enabled {
		rec := cfg.Recording
		service, err := recording.NewService(recording.Config{
			Dir:               rec.Dir,
			Format:            rec.Format,
			SampleRate:        audio.HubSampleRate,
			Channels:          audio.HubChannels,
			RotateMaxBytes:    rec.RotateMaxBytes,
			RotateMaxDuration: time.Duration(rec.RotateMaxDurationMs) * time.Millisecond,
		})
		if err != nil {
			return deps, fmt.Errorf("recording service: %w", err)
		}
		deps.recorder = service
	}
	return deps, nil
}

// initEffects builds the session effects layer over the store.
func (a *App) initEffects(deps providerDeps) error {
	cfg := a.cfg
	fcm := cfg.FCM

	language := ""
	if svc := cfg.Services.ASR; svc.Enabled {
		language = cfg.Providers[svc.Provider].Language
	}

	buffers, err := buildBuffers(cfg.Buffers)
	if err != nil {
		return err
	}

	a.effects = effects.New(effects.Config{
		AwakeTimeout:        fcm.AwakeTimeout(),
		LLMClaimTTL:         fcm.LLMClaimTTL(),
		TTSClaimTTL:         fcm.TTSClaimTTL(),
		KeepAwakeAfterReply: fcm.KeepAwakeAfterReply,
		ReturnAfterCapture:  fcm.ReturnAfterCapture,
		AllowBargeIn:        fcm.AllowBargeIn,
		AutoCaptureOnWake:   fcm.AutoCaptureOnWake,
		MaxRecording:        time.Duration(fcm.MaxRecordingMs) * time.Millisecond,
		MaxStreaming:        time.Duration(fcm.MaxStreamingMs) * time.Millisecond,
		SessionIdleTimeout:  fcm.SessionIdleTimeout(),
		PreRoll:             time.Duration(cfg.Recording.PreRollMs) * time.Millisecond,
		TailPadding:         time.Duration(cfg.Recording.TailPaddingMs) * time.Millisecond,
		Buffers:             buffers,
		Language:            language,
		RecordCaptures:      cfg.Services.Recorder.Enabled,
	}, effects.Deps{
		Clock:  a.clk,
		Store:  a.store,
		Timers: a.timers,
		Queues: a.queues,
		Pool:   a.pool,
		VAD:    deps.vad,
		Wake:   deps.wake,
		WakeConfig: wake.Config{
			SampleRate: audio.HubSampleRate,
			Keywords:   cfg.Services.Wake.Keywords,
			Threshold:  cfg.Services.Wake.Threshold,
		},
		Denoiser: deps.denoiser,
		Enhancer: deps.enhancer,
		Recorder: deps.recorder,
	})
	a.effects.Register()
	return nil
}

// initTransports builds the enabled transport adapters.
func (a *App) initTransports() error {
	cfg := a.cfg

	if cfg.Transports.HTTP.Enabled {
		a.api = httpapi.New(httpapi.Config{
			Addr: cfg.Server.API.Addr(),
		}, httpapi.Deps{
			Store:   a.store,
			Effects: a.effects,
			Hub:     a.hub,
			Health:  health.New(a.readinessCheckers()...),
			Metrics: a.metrics,
			Pool:    a.pool,
		})
	}
	if cfg.Transports.WS.Enabled {
		a.ws = ws.New(ws.Config{Addr: cfg.Server.WS.Addr()}, a.inbound, a.hub)
	}
	if cfg.Transports.SocketIO.Enabled {
		a.sio = socketio.New(socketio.Config{Addr: cfg.Server.SocketIO.Addr()}, a.inbound, a.hub)
	}
	if r := cfg.Transports.Redis; r.Enabled {
		bus, err := redisbus.New(redisbus.Config{
			Addr:          r.Addr(),
			DB:            r.DB,
			Password:      r.Password,
			ChannelPrefix: r.ChannelPrefix,
			Codec:         r.Codec,
		}, a.inbound, a.hub)
		if err != nil {
			return err
		}
		a.bus = bus
		a.addCloser("redis bus", bus.Close)
	}
	return nil
}

// readinessCheckers assembles the /readyz probes for the configured
// dependencies.
func (a *App) readinessCheckers() []health.Checker {
	var checkers []health.Checker
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name: "asr_pool",
			Check: func(context.Context) error {
				stats := a.pool.Stats()
				if stats.Size == 0 {
					return fmt.Errorf("pool %s has no instances", stats.Name)
				}
				return nil
			},
		})
	}
	if a.cfg.Transports.Redis.Enabled {
		checkers = append(checkers, health.Checker{
			Name: "redis",
			Check: func(ctx context.Context) error {
				if a.bus == nil {
					return fmt.Errorf("redis bus not running")
				}
				return a.bus.Ping(ctx)
			},
		})
	}
	return checkers
}

// Run serves all enabled transports until ctx is cancelled, then stops
// them. The rest of the stack is torn down by Shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.api != nil {
		g.Go(a.api.Start)
	}
	if a.ws != nil {
		g.Go(a.ws.Start)
	}
	if a.sio != nil {
		g.Go(a.sio.Start)
	}
	if a.bus != nil {
		g.Go(func() error { return a.bus.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.stopTransports(stopCtx)
		return ctx.Err()
	})

	slog.Info("hub running",
		"http", a.api != nil,
		"ws", a.ws != nil,
		"socketio", a.sio != nil,
		"redis", a.bus != nil,
	)
	return g.Wait()
}

// stopTransports closes the listeners so Run's server goroutines return.
func (a *App) stopTransports(ctx context.Context) {
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
	}
	if a.ws != nil {
		if err := a.ws.Shutdown(ctx); err != nil {
			slog.Warn("websocket shutdown error", "error", err)
		}
	}
	if a.sio != nil {
		if err := a.sio.Shutdown(ctx); err != nil {
			slog.Warn("socket.io shutdown error", "error", err)
		}
	}
}

// buildBuffers converts the named config recipes into resolved buffer
// configurations, validating each one.
func buildBuffers(recipes map[string]config.BufferConfig) (map[string]bufmgr.Config, error) {
	out := make(map[string]bufmgr.Config, len(recipes))
	for name, r := range recipes {
		c := bufmgr.Config{
			Mode:          bufmgr.Mode(r.Mode),
			SampleRate:    r.SampleRate,
			SampleWidth:   r.SampleWidth,
			Channels:      r.Channels,
			FrameSize:     r.FrameSize,
			StepSize:      r.StepSize,
			MinDurationMs: r.MinDurationMs,
			MaxDurationMs: r.MaxDurationMs,
			MaxBufferSize: r.MaxBufferSize,
			OnOverflow:    overflowFromConfig(r.OverflowStrategy),
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("buffer recipe %q: %w", name, err)
		}
		out[name] = c
	}
	return out, nil
}

func overflowFromConfig(s string) bufmgr.Overflow {
	switch s {
	case "drop_oldest":
		return bufmgr.DropOldest
	case "drop_newest":
		return bufmgr.DropNewest
	case "error":
		return bufmgr.Block
	}
	return ""
}

// Shutdown tears the stack down: sessions first, then the store worker,
// then the registered closers in reverse order. Respects the context
// deadline; remaining closers are skipped once it expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.stopTransports(ctx)

		if a.effects != nil {
			a.effects.Close()
		}
		a.store.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			c := a.closers[i]
			if err := c.close(); err != nil {
				slog.Warn("closer error", "closer", c.name, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
