// Package ws is the WebSocket transport: JSON envelopes for control
// messages, binary frames for audio, and the Hub event stream pushed back
// over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

const writeTimeout = 5 * time.Second

// Config tunes the WebSocket server.
type Config struct {
	Addr string

	// MaxFrameBytes caps one inbound frame. Default: 1 MiB.
	MaxFrameBytes int64
}

// Server is the WebSocket transport adapter.
type Server struct {
	cfg     Config
	inbound *transport.Inbound
	hub     *transport.Hub
	http    *http.Server
}

// New builds the server around the shared inbound dispatcher and hub.
func New(cfg Config, inbound *transport.Inbound, hub *transport.Hub) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	s := &Server{cfg: cfg, inbound: inbound, hub: hub}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the upgrade endpoint for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown.
func (s *Server) Start() error {
	slog.Info("websocket transport listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the listener; open connections end with their contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// conn is one client connection. A connection serves a single session;
// the first session/create or session-addressed message binds it.
type conn struct {
	ws      *websocket.Conn
	inbound *transport.Inbound
	hub     *transport.Hub

	mu          sync.Mutex
	sessionID   string
	format      audio.Format
	encoding    string
	cancelEvent func()
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	wsConn.SetReadLimit(s.cfg.MaxFrameBytes)

	c := &conn{
		ws:      wsConn,
		inbound: s.inbound,
		hub:     s.hub,
		format:  audio.HubFormat(),
	}
	defer c.teardown()

	ctx := r.Context()
	c.send(ctx, transport.Envelope{Type: transport.EventConnectionReady})
	c.readLoop(ctx)
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleText(ctx, data)
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		}
	}
}

func (c *conn) handleText(ctx context.Context, data []byte) {
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(ctx, "BAD_ENVELOPE", "malformed JSON envelope")
		return
	}
	if env.SessionID == "" {
		env.SessionID = c.session()
	}
	if env.Type == transport.InSessionCreate {
		if env.SessionID == "" {
			env.SessionID = clock.NewSessionID()
		}
		// Subscribe before the action lands so the session's first
		// events are not missed.
		c.bind(ctx, env.SessionID)
	}

	id, err := c.inbound.Handle(env)
	if err != nil {
		c.sendError(ctx, "BAD_MESSAGE", err.Error())
		return
	}
	c.bind(ctx, id)

	if env.Type == transport.InSessionStart || env.Type == transport.InAudioMetadata {
		c.rememberFormat(env)
	}
}

func (c *conn) handleAudio(ctx context.Context, data []byte) {
	id := c.session()
	if id == "" {
		c.sendError(ctx, "NO_SESSION", "binary audio before session binding")
		return
	}
	c.mu.Lock()
	format, encoding := c.format, c.encoding
	c.mu.Unlock()

	if _, err := c.inbound.HandleAudio(id, data, format, encoding); err != nil {
		c.sendError(ctx, "BAD_AUDIO", err.Error())
	}
}

// bind attaches the connection to a session and starts forwarding its
// events. Only the first session sticks.
func (c *conn) bind(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	if c.sessionID != "" {
		c.mu.Unlock()
		return
	}
	c.sessionID = id
	events, cancel := c.hub.Subscribe(id, 0)
	c.cancelEvent = cancel
	c.mu.Unlock()

	go func() {
		for env := range events {
			c.send(ctx, env)
		}
	}()
}

// rememberFormat caches the declared audio format for later binary frames.
func (c *conn) rememberFormat(env transport.Envelope) {
	rate, _ := env.Payload["sample_rate"].(float64)
	channels, _ := env.Payload["channels"].(float64)
	format, _ := env.Payload["format"].(string)

	c.mu.Lock()
	if rate > 0 {
		c.format.SampleRate = int(rate)
	}
	if channels > 0 {
		c.format.Channels = int(channels)
	}
	c.encoding = format
	c.mu.Unlock()
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) send(ctx context.Context, env transport.Envelope) {
	data, err := json.Marshal(env.Stamped())
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "session_id", env.SessionID, "error", err)
	}
}

func (c *conn) sendError(ctx context.Context, code, message string) {
	c.send(ctx, transport.Envelope{
		Type:      transport.EventErrorReported,
		SessionID: c.session(),
		Payload:   map[string]any{"code": code, "message": message},
	})
}

func (c *conn) teardown() {
	c.mu.Lock()
	cancel := c.cancelEvent
	id := c.sessionID
	c.cancelEvent = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.inbound.Disconnected(id, "websocket")
	c.ws.Close(websocket.StatusNormalClosure, "")
}
