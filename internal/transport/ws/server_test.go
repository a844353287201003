package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/internal/transport"
)

type wsHarness struct {
	store *store.Store
	ts    *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()

	clk := clock.NewMonotonic()
	st := store.New(clk)
	timers := timer.NewService()
	queues := audioqueue.NewManager(clk, audioqueue.Config{MaxBytes: 1 << 20, MaxAge: time.Minute})
	eff := effects.New(effects.Config{}, effects.Deps{
		Clock:  clk,
		Store:  st,
		Timers: timers,
		Queues: queues,
	})
	eff.Register()
	hub := transport.NewHub()
	hub.Register(st)
	go st.Run()

	srv := New(Config{}, transport.NewInbound(st, eff), hub)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		eff.Close()
		st.Close()
		hub.Close()
		timers.Close()
		queues.Close()
	})
	return &wsHarness{store: st, ts: ts}
}

func (h *wsHarness) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) transport.Envelope {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// waitForEnvelope reads frames until one of the wanted type arrives.
func waitForEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) transport.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, ctx, conn)
		if env.Type == typ {
			return env
		}
	}
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, env transport.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectionStartsWithReady(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := h.dial(t, ctx)

	env := readEnvelope(t, ctx, conn)
	if env.Type != transport.EventConnectionReady {
		t.Errorf("first event = %q, want %q", env.Type, transport.EventConnectionReady)
	}
}

func TestSessionCreateBindsAndForwardsEvents(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := h.dial(t, ctx)
	readEnvelope(t, ctx, conn)

	sendEnvelope(t, ctx, conn, transport.Envelope{
		Type:    transport.InSessionCreate,
		Payload: map[string]any{"strategy": "non_streaming"},
	})

	created := waitForEnvelope(t, ctx, conn, transport.EventSessionCreated)
	if created.SessionID == "" {
		t.Error("session_created carries no session ID")
	}
	if got, _ := created.Payload["strategy"].(string); got != "non_streaming" {
		t.Errorf("strategy = %q, want non_streaming", got)
	}
	if _, ok := h.store.Snapshot().Sessions[created.SessionID]; !ok {
		t.Errorf("session %s missing from the store", created.SessionID)
	}
}

func TestBinaryAudioBeforeBindingIsRejected(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := h.dial(t, ctx)
	readEnvelope(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 320)); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := waitForEnvelope(t, ctx, conn, transport.EventErrorReported)
	if got, _ := env.Payload["code"].(string); got != "NO_SESSION" {
		t.Errorf("error code = %q, want NO_SESSION", got)
	}
}

func TestBinaryAudioAfterBindingIsIngested(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := h.dial(t, ctx)
	readEnvelope(t, ctx, conn)

	sendEnvelope(t, ctx, conn, transport.Envelope{
		Type:    transport.InSessionCreate,
		Payload: map[string]any{"strategy": "non_streaming"},
	})
	created := waitForEnvelope(t, ctx, conn, transport.EventSessionCreated)

	sendEnvelope(t, ctx, conn, transport.Envelope{
		Type:      transport.InSessionStart,
		SessionID: created.SessionID,
		Payload:   map[string]any{"sample_rate": float64(16000), "channels": float64(1), "format": "pcm_s16le"},
	})
	waitForEnvelope(t, ctx, conn, transport.EventListeningStarted)

	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 640)); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := waitForEnvelope(t, ctx, conn, transport.EventAudioReceived)
	if got, _ := env.Payload["bytes"].(float64); got != 640 {
		t.Errorf("bytes = %v, want 640", got)
	}
}

func TestMalformedEnvelopeReportsError(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := h.dial(t, ctx)
	readEnvelope(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := waitForEnvelope(t, ctx, conn, transport.EventErrorReported)
	if got, _ := env.Payload["code"].(string); got != "BAD_ENVELOPE" {
		t.Errorf("error code = %q, want BAD_ENVELOPE", got)
	}
}
