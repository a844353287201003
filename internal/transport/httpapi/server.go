// Package httpapi is the HTTP transport: a small REST surface for session
// control, a chunked audio ingest endpoint, and a Server-Sent-Events
// stream of session events.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/effects"
	"github.com/MrWong99/asrhub/internal/health"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// chunkSeparator splits the metadata JSON from the PCM payload in an
// emit_audio_chunk body.
var chunkSeparator = []byte{0x00, 0x00, 0xFF, 0xFF}

const maxChunkBody = 4 << 20

// Config tunes the HTTP server.
type Config struct {
	Addr string

	// HeartbeatInterval paces SSE keepalives. Default: 30s.
	HeartbeatInterval time.Duration

	// RateLimit caps requests per client IP per minute. Zero disables.
	RateLimit int
}

// Deps are the server's collaborators. Health, Metrics and Pool are
// optional.
type Deps struct {
	Store   *store.Store
	Effects *effects.Effects
	Hub     *transport.Hub
	Health  *health.Handler
	Metrics *observe.Metrics
	Pool    *pool.Pool
}

// Server is the HTTP transport adapter.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
}

// New builds the server. Run it with Start and stop it with Shutdown.
func New(cfg Config, deps Deps) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(observe.Middleware(s.deps.Metrics))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Post("/create_session", s.handleCreateSession)
		r.Post("/start_listening", s.handleStartListening)
		r.Post("/emit_audio_chunk", s.handleEmitAudioChunk)
		r.Get("/stats", s.handleStats)
		r.Get("/sessions/{id}/events", s.handleEvents)
	})

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.Healthz)
		r.Get("/readyz", s.deps.Health.Readyz)
	}
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	slog.Info("http api listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
	RequestID string `json:"request_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	strategy, ok := store.ParseStrategy(req.Strategy)
	if req.Strategy != "" && !ok {
		writeError(w, http.StatusBadRequest, "BAD_STRATEGY",
			fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}
	if req.Strategy == "" {
		strategy = store.StrategyNonStreaming
	}

	id := req.SessionID
	if id == "" {
		id = clock.NewSessionID()
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = clock.NewRequestID()
	}
	s.deps.Store.Dispatch(store.NewAction(store.TypeSessionCreate, id).
		With(store.KeyStrategy, string(strategy)).
		With(store.KeyRequestID, requestID))

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"request_id": requestID,
		"strategy":   string(strategy),
		"sse_url":    "/api/v1/sessions/" + id + "/events",
		"audio_url":  "/api/v1/emit_audio_chunk",
	})
}

type startListeningRequest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	var req startListeningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	id := req.SessionID
	if id == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION", "session_id is required")
		return
	}
	if req.SampleRate == 0 {
		req.SampleRate = audio.HubSampleRate
	}
	if req.Channels == 0 {
		req.Channels = audio.HubChannels
	}

	s.deps.Store.Dispatch(store.NewAction(store.TypeStartListening, id).
		With(store.KeySampleRate, req.SampleRate).
		With(store.KeyChannels, req.Channels).
		With(store.KeyFormat, req.Format))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "listening"})
}

type chunkMetadata struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
	ChunkID    string `json:"chunk_id"`
}

// handleEmitAudioChunk ingests one audio chunk. The body is the metadata
// JSON, the four-byte separator 00 00 FF FF, then the raw audio payload.
// The metadata names the target session.
func (s *Server) handleEmitAudioChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}
	if len(body) > maxChunkBody {
		writeError(w, http.StatusRequestEntityTooLarge, "CHUNK_TOO_LARGE", "audio chunk exceeds limit")
		return
	}

	sep := bytes.Index(body, chunkSeparator)
	if sep < 0 {
		writeError(w, http.StatusBadRequest, "BAD_CHUNK", "missing metadata separator")
		return
	}
	var meta chunkMetadata
	if err := json.Unmarshal(body[:sep], &meta); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CHUNK", "malformed chunk metadata")
		return
	}
	pcm := body[sep+len(chunkSeparator):]
	id := meta.SessionID
	if id == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION", "chunk metadata names no session_id")
		return
	}
	if meta.SampleRate == 0 {
		meta.SampleRate = audio.HubSampleRate
	}
	if meta.Channels == 0 {
		meta.Channels = audio.HubChannels
	}

	ts, err := s.deps.Effects.IngestAudio(id, pcm,
		audio.Format{SampleRate: meta.SampleRate, Channels: meta.Channels}, meta.Format)
	if err != nil {
		if errors.Is(err, effects.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "UNKNOWN_SESSION", "no such session")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "BAD_AUDIO", err.Error())
		return
	}

	resp := map[string]any{"timestamp": ts, "bytes": len(pcm)}
	if meta.ChunkID != "" {
		resp["chunk_id"] = meta.ChunkID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.deps.Store.Snapshot()
	resp := map[string]any{
		"sessions": len(snapshot.Sessions),
		"stats":    snapshot.Stats,
	}
	if s.deps.Pool != nil {
		resp["pool"] = s.deps.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams session events as Server-Sent Events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "NO_STREAMING", "response writer cannot stream")
		return
	}

	events, cancel := s.deps.Hub.Subscribe(id, 0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, transport.Envelope{Type: transport.EventConnectionReady, SessionID: id}.Stamped())
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.deps.Store.Dispatch(store.NewAction(store.TypeDisconnected, id).
				With(store.KeyTransport, "http"))
			return
		case env, open := <-events:
			if !open {
				return
			}
			writeSSE(w, env)
			flusher.Flush()
		case <-heartbeat.C:
			writeSSE(w, transport.Envelope{Type: transport.EventHeartbeat, SessionID: id}.Stamped())
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, env transport.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
