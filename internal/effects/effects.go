// Package effects is the business glue of the hub. One Effects instance
// per process owns the per-session control machines and timers, validates
// every dispatched action against the session's machine, and reacts to
// transitions: starting detector loops, seeding recordings with pre-roll,
// brokering provider leases, and dispatching the resulting transcript
// actions back into the store.
//
// Effects never blocks the store's dispatch worker: anything that waits
// on I/O (tail padding, provider leases, transcription) runs on its own
// goroutine and reports back through Dispatch.
package effects

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/bufmgr"
	"github.com/MrWong99/asrhub/internal/clock"
	"github.com/MrWong99/asrhub/internal/fcm"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/pkg/provider/denoise"
	"github.com/MrWong99/asrhub/pkg/provider/enhance"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// Reader names on the per-session audio queue. Each detector loop owns
// exactly one cursor.
const (
	readerWakeWord  = "wake_word"
	readerVAD       = "vad"
	readerRecording = "recording"
	readerStreaming = "streaming_asr"
)

// recordingTelemetryTimer fires periodically on uncapped captures so very
// long recordings surface in the logs. It is not a machine timer.
const recordingTelemetryTimer = "recording_telemetry"

const recordingTelemetryInterval = 10 * time.Minute

// errorRecoverTimer schedules automatic recovery out of the ERROR state.
const errorRecoverTimer = "error_recover"

const errorRecoverDelay = 5 * time.Second

// Config tunes the effects layer.
type Config struct {
	// AwakeTimeout is how long ACTIVATED lasts without capture.
	AwakeTimeout time.Duration

	// LLMClaimTTL and TTSClaimTTL are the reply watchdog windows.
	LLMClaimTTL time.Duration
	TTSClaimTTL time.Duration

	// KeepAwakeAfterReply and ReturnAfterCapture pick where the session
	// lands after playback and after a capture.
	KeepAwakeAfterReply bool
	ReturnAfterCapture  bool // true lands in ACTIVATED, false in LISTENING

	// AllowBargeIn lets a wake word during playback interrupt the reply.
	AllowBargeIn bool

	// AutoCaptureOnWake chains wake detection straight into a capture
	// after AutoCaptureDelay.
	AutoCaptureOnWake bool
	AutoCaptureDelay  time.Duration

	// MaxRecording and MaxStreaming cap one capture. Negative disables
	// the cap; a telemetry warning still fires every ten minutes.
	MaxRecording time.Duration
	MaxStreaming time.Duration

	// SessionIdleTimeout resets an idle session once, then destroys it.
	SessionIdleTimeout time.Duration

	// PreRoll is how much queued audio before the wake word seeds the
	// capture. TailPadding is how long the capture holds after speech end
	// before transcribing.
	PreRoll     time.Duration
	TailPadding time.Duration

	// SilenceTimeout is the sustained-silence span that ends a capture.
	SilenceTimeout time.Duration

	// Buffers maps recipe names (vad, wake, whisper, streaming) to
	// resolved buffer configurations.
	Buffers map[string]bufmgr.Config

	// Language is the recognition language hint.
	Language string

	// RecordCaptures archives captures through the recording service.
	RecordCaptures bool
}

func (c *Config) applyDefaults() {
	if c.AwakeTimeout <= 0 {
		c.AwakeTimeout = 8 * time.Second
	}
	if c.LLMClaimTTL <= 0 {
		c.LLMClaimTTL = 3 * time.Second
	}
	if c.TTSClaimTTL <= 0 {
		c.TTSClaimTTL = 3 * time.Second
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 5 * time.Minute
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
	if c.AutoCaptureDelay < 0 || c.AutoCaptureDelay > 300*time.Millisecond {
		c.AutoCaptureDelay = 200 * time.Millisecond
	}
}

// Deps are the runtime collaborators. Store, Timers, Queues and Clock are
// required; the rest degrade the pipeline gracefully when nil.
type Deps struct {
	Clock  clock.Clock
	Store  *store.Store
	Timers *timer.Service
	Queues *audioqueue.Manager

	// Pool provides transcription instances. Nil disables transcription.
	Pool *pool.Pool

	// VAD and Wake create per-session detector handles. Nil disables the
	// corresponding loop.
	VAD  vad.Engine
	Wake wake.Detector

	// WakeConfig seeds wake sessions (keywords, threshold).
	WakeConfig wake.Config

	// Denoiser and Enhancer run over finished utterances when set.
	Denoiser denoise.Denoiser
	Enhancer enhance.Enhancer

	// Recorder archives captures when set and RecordCaptures is on.
	Recorder *recording.Service
}

// Effects is the store validator and subscriber binding everything
// together.
type Effects struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates the effects layer. Call Register to attach it to the store
// before the store runs.
func New(cfg Config, deps Deps) *Effects {
	cfg.applyDefaults()
	return &Effects{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*session),
	}
}

// Register installs the effects layer as the store's validator and as a
// subscriber. Must be called before Store.Run.
func (e *Effects) Register() {
	e.deps.Store.SetValidator(e)
	e.deps.Store.Subscribe(e.onAction)
}

// Evaluate implements store.Validator: it creates the session machine on
// session/create and routes trigger actions through it. Runs on the
// dispatch worker.
func (e *Effects) Evaluate(a store.Action) store.Transition {
	id := a.SessionID()
	if id == "" {
		return store.Transition{}
	}

	switch a.Type {
	case store.TypeSessionCreate:
		e.createSession(a)
		return store.Transition{}
	case store.TypeSessionDestroy, store.TypeAudioChunk, store.TypeAudioMetadata, store.TypeDisconnected:
		return store.Transition{}
	}

	s := e.lookup(id)
	if s == nil {
		return store.Transition{}
	}
	tr := s.machine.Handle(fcm.TriggerFromAction(a))
	return store.Transition{From: string(tr.From), To: string(tr.To), Fired: tr.Fired}
}

// createSession builds the runtime for a new session. Duplicate creates
// are ignored, matching the reducer.
func (e *Effects) createSession(a store.Action) {
	id := a.SessionID()
	strategy, ok := store.ParseStrategy(a.String(store.KeyStrategy))
	if !ok {
		strategy = store.StrategyNonStreaming
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, exists := e.sessions[id]; exists {
		return
	}

	returnTo := fcm.Listening
	if e.cfg.ReturnAfterCapture {
		returnTo = fcm.Activated
	}
	machine := fcm.New(id, fcm.Strategy(strategy), fcm.Config{
		KeepAwakeAfterReply: e.cfg.KeepAwakeAfterReply,
		AllowBargeIn:        e.cfg.AllowBargeIn,
		ReturnAfterCapture:  returnTo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.sessions[id] = &session{
		id:       id,
		strategy: strategy,
		machine:  machine,
		queue:    e.deps.Queues.Get(id),
		ctx:      ctx,
		cancel:   cancel,
	}
	slog.Info("session created", "session_id", id, "strategy", string(strategy))
}

func (e *Effects) lookup(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// onAction is the store subscriber: all transition side effects start
// here. Runs on the dispatch worker and must not block.
func (e *Effects) onAction(a store.Action, tr store.Transition, prev, next *store.State) {
	id := a.SessionID()
	if id == "" {
		return
	}

	switch a.Type {
	case store.TypeSessionCreate:
		e.armSessionIdle(id)
		return
	case store.TypeSessionDestroy:
		e.destroySession(id)
		return
	}

	s := e.lookup(id)
	if s == nil {
		return
	}

	// Any session activity pushes the idle horizon out.
	if a.Type != store.TypeTimeout {
		e.armSessionIdle(id)
	}

	switch a.Type {
	case store.TypeStartListening:
		if tr.Fired {
			e.startDetectors(s, a)
		}
	case store.TypeWakeTriggered:
		if tr.Fired {
			e.onWake(s, a)
		}
	case store.TypeLLMReplyFinished:
		// Still BUSY; the reply must reach playback within the claim TTL.
		e.deps.Timers.Reset(id, fcm.TimerTTSClaim, e.cfg.TTSClaimTTL, e.timeoutCallback(id, fcm.TimerTTSClaim))
	case store.TypeTTSPlaybackStarted:
		e.deps.Timers.Cancel(id, fcm.TimerLLMClaim)
		e.deps.Timers.Cancel(id, fcm.TimerTTSClaim)
	case store.TypeTimeout:
		e.onTimeout(s, a, tr)
	case store.TypeUploadFile:
		if tr.Fired {
			e.startBatchTranscription(s, a)
		}
	}

	if tr.Fired {
		e.onTransition(s, a, tr, next)
	}
}

// onTransition reacts to a fired machine transition.
func (e *Effects) onTransition(s *session, a store.Action, tr store.Transition, next *store.State) {
	from, to := fcm.State(tr.From), fcm.State(tr.To)

	if from != to {
		e.onExitState(s, from)
	}

	switch to {
	case fcm.Activated:
		e.deps.Timers.Reset(s.id, fcm.TimerAwake, e.cfg.AwakeTimeout, e.timeoutCallback(s.id, fcm.TimerAwake))
		if a.Type == store.TypeTranscriptionDone {
			// A downstream reply has llm_claim_ttl to take over the
			// session; expiry returns it to the plain awake window.
			e.deps.Timers.Reset(s.id, fcm.TimerLLMClaim, e.cfg.LLMClaimTTL, e.timeoutCallback(s.id, fcm.TimerLLMClaim))
		}
	case fcm.Listening:
		e.deps.Timers.Cancel(s.id, fcm.TimerAwake)
	case fcm.Recording:
		e.deps.Timers.Cancel(s.id, fcm.TimerAwake)
		e.beginCapture(s, a, next)
	case fcm.Streaming:
		e.deps.Timers.Cancel(s.id, fcm.TimerAwake)
		e.beginStreaming(s, a, next)
	case fcm.Transcribing:
		e.finishCapture(s, a)
	case fcm.Busy:
		// The reply claimed the session in time.
		e.deps.Timers.Cancel(s.id, fcm.TimerLLMClaim)
	case fcm.Idle:
		// reset landed here: drop capture state but keep the session.
		e.abortCapture(s)
		s.resetDetectors()
	case fcm.Error:
		e.abortCapture(s)
		id := s.id
		e.deps.Timers.Reset(id, errorRecoverTimer, errorRecoverDelay, func() {
			e.deps.Store.Dispatch(store.NewAction(store.TypeRecover, id))
		})
	case fcm.Recovering:
		// The recovery path is recover -> RECOVERING -> reset -> IDLE.
		e.deps.Store.Dispatch(store.NewAction(store.TypeReset, s.id))
	}
}

// onExitState tears down state-scoped resources.
func (e *Effects) onExitState(s *session, from fcm.State) {
	switch from {
	case fcm.Busy:
		e.deps.Timers.Cancel(s.id, fcm.TimerLLMClaim)
		e.deps.Timers.Cancel(s.id, fcm.TimerTTSClaim)
	case fcm.Recording:
		e.deps.Timers.Cancel(s.id, fcm.TimerRecording)
		e.deps.Timers.Cancel(s.id, recordingTelemetryTimer)
	case fcm.Streaming:
		e.deps.Timers.Cancel(s.id, fcm.TimerStreaming)
		e.deps.Timers.Cancel(s.id, recordingTelemetryTimer)
		e.stopStreaming(s)
	}
}

// onWake records the wake hit and optionally chains into a capture.
func (e *Effects) onWake(s *session, a store.Action) {
	ts := a.Float(store.KeyTimestamp)
	s.setWakeTimestamp(ts)
	s.addMarker(ts, "wake_word", map[string]any{
		"keyword":    a.String(store.KeyKeyword),
		"confidence": a.Float(store.KeyConfidence),
	})

	if !e.cfg.AutoCaptureOnWake {
		return
	}
	captureType := store.TypeStartRecording
	if s.strategy == store.StrategyStreaming {
		captureType = store.TypeStartASRStreaming
	}
	id := s.id
	e.deps.Timers.Reset(id, fcm.TimerAutoCapture, e.cfg.AutoCaptureDelay, func() {
		e.deps.Store.Dispatch(store.NewAction(captureType, id))
	})
}

// onTimeout handles timer expirations that are not (or not only) machine
// transitions.
func (e *Effects) onTimeout(s *session, a store.Action, tr store.Transition) {
	switch a.String(store.KeyTimer) {
	case fcm.TimerSessionIdle:
		if s.machine.Current() == fcm.Idle {
			slog.Info("idle session destroyed", "session_id", s.id)
			e.deps.Store.Dispatch(store.NewAction(store.TypeSessionDestroy, s.id))
			return
		}
		// First expiry resets the session; the next one destroys it.
		slog.Info("idle session reset", "session_id", s.id)
		e.deps.Store.Dispatch(store.NewAction(store.TypeReset, s.id))
		e.armSessionIdle(s.id)
	case recordingTelemetryTimer:
		slog.Warn("uncapped capture still running",
			"session_id", s.id,
			"state", string(s.machine.Current()),
			"running_for", recordingTelemetryInterval)
		e.deps.Timers.Reset(s.id, recordingTelemetryTimer, recordingTelemetryInterval,
			e.timeoutCallback(s.id, recordingTelemetryTimer))
	}
}

// timeoutCallback builds a timer callback dispatching the timeout action.
func (e *Effects) timeoutCallback(sessionID, name string) func() {
	return func() {
		e.deps.Store.Dispatch(store.NewAction(store.TypeTimeout, sessionID).With(store.KeyTimer, name))
	}
}

func (e *Effects) armSessionIdle(id string) {
	e.deps.Timers.Reset(id, fcm.TimerSessionIdle, e.cfg.SessionIdleTimeout,
		e.timeoutCallback(id, fcm.TimerSessionIdle))
}

// destroySession tears the runtime down: timers, detector loops, queue,
// recorder, lease.
func (e *Effects) destroySession(id string) {
	e.mu.Lock()
	s := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if s == nil {
		return
	}

	e.deps.Timers.CancelAll(id)
	e.abortCapture(s)
	s.cancel()
	e.deps.Queues.Destroy(id)

	// Detector loops exit once the queue closes; wait off the dispatch
	// worker so Dispatch never stalls.
	go func() {
		s.wg.Wait()
		s.closeDetectors()
		slog.Info("session destroyed", "session_id", id)
	}()
}

// Close destroys every session and stops accepting new ones.
func (e *Effects) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.destroySession(id)
	}
	return nil
}
