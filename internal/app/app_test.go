package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/asrhub/internal/config"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	asrmock "github.com/MrWong99/asrhub/pkg/provider/asr/mock"
)

const testConfigYAML = `
providers:
  mock:
    kind: asr
    language: en
services:
  asr:
    enabled: true
    provider: mock
`

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg, err := config.LoadFromReader(strings.NewReader(testConfigYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	reg := config.NewRegistry()
	reg.RegisterASR("mock", func(config.ProviderConfig) (asr.Provider, error) {
		return &asrmock.Provider{
			TranscribeResult: asr.Result{Text: "hi", Confidence: 0.9},
		}, nil
	})

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	a, err := New(context.Background(), cfg, reg, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func TestNewWiresTheStack(t *testing.T) {
	a := newTestApp(t)

	if a.pool == nil {
		t.Error("asr pool not built")
	}
	if a.effects == nil || a.store == nil || a.hub == nil || a.inbound == nil {
		t.Error("core subsystems missing")
	}
	// No transports enabled in the test config.
	if a.api != nil || a.ws != nil || a.sio != nil || a.bus != nil {
		t.Error("transports built despite being disabled")
	}
}

func TestSessionsFlowThroughTheWiredStack(t *testing.T) {
	a := newTestApp(t)

	id, err := a.inbound.Handle(transport.Envelope{
		Type:    transport.InSessionCreate,
		Payload: map[string]any{"strategy": "non_streaming"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := a.store.Snapshot().Sessions[id]; ok {
			if sess.Strategy != store.StrategyNonStreaming {
				t.Errorf("strategy = %q, want non_streaming", sess.Strategy)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never appeared in the store")
}

func TestReadinessCheckersCoverThePool(t *testing.T) {
	a := newTestApp(t)

	checkers := a.readinessCheckers()
	if len(checkers) != 1 {
		t.Fatalf("checkers = %d, want 1 (pool only)", len(checkers))
	}
	if checkers[0].Name != "asr_pool" {
		t.Errorf("checker name = %q, want asr_pool", checkers[0].Name)
	}
	if err := checkers[0].Check(context.Background()); err != nil {
		t.Errorf("pool check failed: %v", err)
	}
}

func TestBuildBuffersRejectsBadRecipe(t *testing.T) {
	t.Parallel()

	_, err := buildBuffers(map[string]config.BufferConfig{
		"broken": {Mode: config.BufferFixed, FrameSize: 0},
	})
	if err == nil {
		t.Error("invalid recipe accepted")
	}
}

func TestBuildBuffersMapsOverflowStrategies(t *testing.T) {
	t.Parallel()

	out, err := buildBuffers(map[string]config.BufferConfig{
		"a": {Mode: config.BufferFixed, FrameSize: 320, OverflowStrategy: "drop_oldest"},
		"b": {Mode: config.BufferFixed, FrameSize: 320, OverflowStrategy: "error"},
	})
	if err != nil {
		t.Fatalf("buildBuffers: %v", err)
	}
	if got := out["a"].OnOverflow; got != "drop_oldest" {
		t.Errorf("a overflow = %q, want drop_oldest", got)
	}
	if got := out["b"].OnOverflow; got != "block" {
		t.Errorf("b overflow = %q, want block", got)
	}
}
