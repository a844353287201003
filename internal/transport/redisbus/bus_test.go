package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/internal/transport"
)

type busHarness struct {
	mr    *miniredis.Miniredis
	store *store.Store
	hub   *transport.Hub
	bus   *Bus

	mu      sync.Mutex
	actions []store.Action
}

func newBusHarness(t *testing.T, codec string) *busHarness {
	t.Helper()

	mr := miniredis.RunT(t)
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

	h := &busHarness{mr: mr, store: st, hub: hub}
	st.Subscribe(func(a store.Action, _ store.Transition, _, _ *store.State) {
		h.mu.Lock()
		h.actions = append(h.actions, a)
		h.mu.Unlock()
	})
	go st.Run()

	bus, err := New(Config{
		Addr:          mr.Addr(),
		ChannelPrefix: "hub:",
		Codec:         codec,
	}, transport.NewInbound(st, eff), hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
		eff.Close()
		st.Close()
		hub.Close()
		timers.Close()
		queues.Close()
	})
	return h
}

func (h *busHarness) waitForAction(t *testing.T, typ string) store.Action {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, a := range h.actions {
			if a.Type == typ {
				h.mu.Unlock()
				return a
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %q never arrived", typ)
	return store.Action{}
}

func TestBusRejectsUnknownCodec(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Addr: "localhost:0", Codec: "xml"}, nil, nil); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestBusInboundDispatchesActions(t *testing.T) {
	t.Parallel()
	h := newBusHarness(t, "json")

	codec, _ := transport.NewCodec("json")
	payload, err := codec.Marshal(transport.Envelope{
		Type:    transport.InSessionCreate,
		Payload: map[string]any{"strategy": "non_streaming"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	publishWhenSubscribed(t, h.mr, "hub:session:s-redis:in", string(payload))

	a := h.waitForAction(t, store.TypeSessionCreate)
	if a.SessionID() != "s-redis" {
		t.Errorf("session = %q, want s-redis (from channel name)", a.SessionID())
	}
}

func TestBusOutboundPublishesEvents(t *testing.T) {
	t.Parallel()
	h := newBusHarness(t, "msgpack")

	client := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "hub:session:s-out:out")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.hub.Publish("s-out", transport.Envelope{
		Type:    transport.EventTranscript,
		Payload: map[string]any{"text": "hello"},
	})

	select {
	case msg := <-sub.Channel():
		codec, _ := transport.NewCodec("msgpack")
		env, err := codec.Unmarshal([]byte(msg.Payload))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != transport.EventTranscript || env.Payload["text"] != "hello" {
			t.Errorf("event = %+v, want transcript hello", env)
		}
	case <-ctx.Done():
		t.Fatal("no event published to the out channel")
	}
}

func TestBusIgnoresMalformedPayloads(t *testing.T) {
	t.Parallel()
	h := newBusHarness(t, "json")

	publishWhenSubscribed(t, h.mr, "hub:session:s-bad:in", "{not json")

	// The bus must survive and keep serving; a valid message afterwards
	// still lands.
	codec, _ := transport.NewCodec("json")
	payload, _ := codec.Marshal(transport.Envelope{Type: transport.InSessionCreate})
	h.mr.Publish("hub:session:s-bad:in", string(payload))
	h.waitForAction(t, store.TypeSessionCreate)
}

// publishWhenSubscribed retries until the bus's pattern subscription is
// live, reported by a non-zero receiver count.
func publishWhenSubscribed(t *testing.T, mr *miniredis.Miniredis, channel, payload string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.Publish(channel, payload) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no subscriber on %s", channel)
}
