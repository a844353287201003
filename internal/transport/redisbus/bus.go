// Package redisbus is the Redis transport: inbound envelopes arrive on
// per-session request channels via pub/sub, outbound events are published
// to the matching response channels. It lets headless backends integrate
// without holding a socket to the hub.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/asrhub/internal/transport"
)

const (
	inSuffix  = ":in"
	outSuffix = ":out"
)

// Config tunes the Redis bus.
type Config struct {
	Addr     string
	DB       int
	Password string

	// ChannelPrefix namespaces the hub's channels, e.g. "asrhub:".
	ChannelPrefix string

	// Codec is "json" or "msgpack".
	Codec string
}

// Bus bridges Redis pub/sub and the hub.
type Bus struct {
	cfg     Config
	client  *redis.Client
	codec   transport.Codec
	inbound *transport.Inbound
	hub     *transport.Hub
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config, inbound *transport.Inbound, hub *transport.Hub) (*Bus, error) {
	codec, err := transport.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "asrhub:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisbus: connect %s: %w", cfg.Addr, err)
	}

	slog.Info("redis bus connected", "addr", cfg.Addr, "db", cfg.DB, "codec", codec.Name())
	return &Bus{cfg: cfg, client: client, codec: codec, inbound: inbound, hub: hub}, nil
}

// Ping verifies the Redis connection. Used by readiness checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Run pumps messages both ways until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	pattern := b.cfg.ChannelPrefix + "session:*" + inSuffix
	pubsub := b.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redisbus: subscribe %s: %w", pattern, err)
	}

	events, cancel := b.hub.Subscribe(transport.FirehoseSession, 256)
	defer cancel()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handleInbound(msg)
		case env, ok := <-events:
			if !ok {
				return nil
			}
			b.publish(ctx, env)
		}
	}
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) handleInbound(msg *redis.Message) {
	id := b.sessionFromChannel(msg.Channel)
	if id == "" {
		return
	}

	env, err := b.codec.Unmarshal([]byte(msg.Payload))
	if err != nil {
		slog.Warn("redis envelope rejected", "channel", msg.Channel, "error", err)
		return
	}
	if env.SessionID == "" {
		env.SessionID = id
	}

	if _, err := b.inbound.Handle(env); err != nil {
		slog.Warn("redis message rejected",
			"session_id", env.SessionID, "type", env.Type, "error", err)
	}
}

// publish writes one hub event to the session's response channel.
func (b *Bus) publish(ctx context.Context, env transport.Envelope) {
	if env.SessionID == "" {
		return
	}
	data, err := b.codec.Marshal(env)
	if err != nil {
		return
	}
	channel := b.cfg.ChannelPrefix + "session:" + env.SessionID + outSuffix
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Warn("redis publish failed", "channel", channel, "error", err)
	}
}

// sessionFromChannel extracts the session ID from
// "<prefix>session:<id>:in".
func (b *Bus) sessionFromChannel(channel string) string {
	rest, ok := strings.CutPrefix(channel, b.cfg.ChannelPrefix+"session:")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, inSuffix)
	if !ok {
		return ""
	}
	return id
}
