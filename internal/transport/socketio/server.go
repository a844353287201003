// Package socketio is the Socket.IO transport. Clients exchange the same
// envelopes as the WebSocket transport, carried as JSON strings on a
// single "message" event; binary audio arrives base64-encoded in an
// "audio" event. Outbound envelopes are emitted under their event type.
package socketio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// Config tunes the Socket.IO server.
type Config struct {
	Addr string
}

// Server is the Socket.IO transport adapter.
type Server struct {
	cfg     Config
	inbound *transport.Inbound
	hub     *transport.Hub
	sio     *socketio.Server
	http    *http.Server
}

// connState is the per-connection context value.
type connState struct {
	mu          sync.Mutex
	sessionID   string
	format      audio.Format
	encoding    string
	cancelEvent func()
}

// New builds the server and registers the event handlers.
func New(cfg Config, inbound *transport.Inbound, hub *transport.Hub) *Server {
	s := &Server{cfg: cfg, inbound: inbound, hub: hub, sio: socketio.NewServer(nil)}

	s.sio.OnConnect("/", func(conn socketio.Conn) error {
		conn.SetContext(&connState{format: audio.HubFormat()})
		s.emit(conn, transport.Envelope{Type: transport.EventConnectionReady})
		return nil
	})
	s.sio.OnEvent("/", "message", s.onMessage)
	s.sio.OnEvent("/", "audio", s.onAudio)
	s.sio.OnError("/", func(conn socketio.Conn, err error) {
		slog.Warn("socket.io error", "error", err)
	})
	s.sio.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		state, ok := conn.Context().(*connState)
		if !ok {
			return
		}
		state.mu.Lock()
		cancel := state.cancelEvent
		id := state.sessionID
		state.cancelEvent = nil
		state.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		inbound.Disconnected(id, "socketio")
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.sio)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the Socket.IO engine and the HTTP listener until Shutdown.
func (s *Server) Start() error {
	go func() {
		if err := s.sio.Serve(); err != nil {
			slog.Error("socket.io serve failed", "error", err)
		}
	}()
	slog.Info("socket.io transport listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the engine and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if cerr := s.sio.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) onMessage(conn socketio.Conn, msg string) {
	state, ok := conn.Context().(*connState)
	if !ok {
		return
	}

	var env transport.Envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		s.emitError(conn, "", "BAD_ENVELOPE", "malformed JSON envelope")
		return
	}
	state.mu.Lock()
	if env.SessionID == "" {
		env.SessionID = state.sessionID
	}
	state.mu.Unlock()
	if env.Type == transport.InSessionCreate {
		if env.SessionID == "" {
			env.SessionID = clock.NewSessionID()
		}
		// Subscribe before the action lands so the session's first
		// events are not missed.
		s.bind(conn, state, env.SessionID)
	}

	id, err := s.inbound.Handle(env)
	if err != nil {
		s.emitError(conn, id, "BAD_MESSAGE", err.Error())
		return
	}
	s.bind(conn, state, id)

	if env.Type == transport.InSessionStart || env.Type == transport.InAudioMetadata {
		state.mu.Lock()
		if rate, ok := env.Payload["sample_rate"].(float64); ok && rate > 0 {
			state.format.SampleRate = int(rate)
		}
		if channels, ok := env.Payload["channels"].(float64); ok && channels > 0 {
			state.format.Channels = int(channels)
		}
		state.encoding, _ = env.Payload["format"].(string)
		state.mu.Unlock()
	}
}

// onAudio ingests one base64 audio chunk.
func (s *Server) onAudio(conn socketio.Conn, msg string) {
	state, ok := conn.Context().(*connState)
	if !ok {
		return
	}
	state.mu.Lock()
	id := state.sessionID
	format, encoding := state.format, state.encoding
	state.mu.Unlock()
	if id == "" {
		s.emitError(conn, "", "NO_SESSION", "audio before session binding")
		return
	}

	data, err := base64.StdEncoding.DecodeString(msg)
	if err != nil {
		s.emitError(conn, id, "BAD_AUDIO", "audio payload is not base64")
		return
	}
	if _, err := s.inbound.HandleAudio(id, data, format, encoding); err != nil {
		s.emitError(conn, id, "BAD_AUDIO", err.Error())
	}
}

// bind attaches the connection to its first session and forwards the
// session's events to the socket.
func (s *Server) bind(conn socketio.Conn, state *connState, id string) {
	if id == "" {
		return
	}
	state.mu.Lock()
	if state.sessionID != "" {
		state.mu.Unlock()
		return
	}
	state.sessionID = id
	events, cancel := s.hub.Subscribe(id, 0)
	state.cancelEvent = cancel
	state.mu.Unlock()

	go func() {
		for env := range events {
			s.emit(conn, env)
		}
	}()
}

func (s *Server) emit(conn socketio.Conn, env transport.Envelope) {
	data, err := json.Marshal(env.Stamped())
	if err != nil {
		return
	}
	conn.Emit(env.Type, string(data))
}

func (s *Server) emitError(conn socketio.Conn, sessionID, code, message string) {
	s.emit(conn, transport.Envelope{
		Type:      transport.EventErrorReported,
		SessionID: sessionID,
		Payload:   map[string]any{"code": code, "message": message},
	})
}
