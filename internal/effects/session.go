package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/bufmgr"
	"github.com/MrWong99/asrhub/internal/fcm"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// ErrUnknownSession is returned by IngestAudio for sessions that were
// never created or already destroyed.
var ErrUnknownSession = errors.New("effects: unknown session")

const pullTimeout = 500 * time.Millisecond

// session is the per-session runtime owned by Effects. The machine and
// queue live for the whole session; detector handles come up on
// start_listening and capture state comes and goes per utterance.
type session struct {
	id       string
	strategy store.Strategy
	machine  *fcm.Machine
	queue    *audioqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	vadSpeech atomic.Bool

	mu               sync.Mutex
	detectorsStarted bool
	vadSession       vad.SessionHandle
	wakeSession      wake.SessionHandle
	opus             *audio.OpusDecoder
	wakeTS           float64
	captureStart     float64
	recorder         *recording.Recording
	recorderFrom     float64
	pending          []recording.Marker
	captureCancel    context.CancelFunc
	lease            *pool.Lease
	stream           asr.StreamHandle
}

func (s *session) setWakeTimestamp(ts float64) {
	s.mu.Lock()
	s.wakeTS = ts
	s.mu.Unlock()
}

// addMarker records an annotation on the active recording, or parks it
// until the next capture starts.
func (s *session) addMarker(ts float64, markerType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.AddMarker(ts, markerType, data)
		return
	}
	if len(s.pending) < 32 {
		s.pending = append(s.pending, recording.Marker{Timestamp: ts, Type: markerType, Data: data})
	}
}

func (s *session) resetDetectors() {
	s.vadSpeech.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vadSession != nil {
		s.vadSession.Reset()
	}
	if s.wakeSession != nil {
		s.wakeSession.Reset()
	}
	s.pending = nil
}

func (s *session) closeDetectors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vadSession != nil {
		s.vadSession.Close()
		s.vadSession = nil
	}
	if s.wakeSession != nil {
		s.wakeSession.Close()
		s.wakeSession = nil
	}
}

// IngestAudio is the transport entry point for session audio. The payload
// is decoded and converted to the hub format, pushed onto the session
// queue, and announced as an audio/chunk action. Returns the queue
// timestamp assigned to the chunk.
func (e *Effects) IngestAudio(sessionID string, data []byte, format audio.Format, encoding string) (float64, error) {
	s := e.lookup(sessionID)
	if s == nil {
		return 0, ErrUnknownSession
	}

	pcm, format, err := s.decode(data, format, encoding)
	if err != nil {
		return 0, err
	}
	pcm = audio.To16kMono(pcm, format.SampleRate, format.Channels)

	ts, err := s.queue.Push(pcm)
	if err != nil {
		return 0, fmt.Errorf("effects: push audio: %w", err)
	}

	e.deps.Store.Dispatch(store.NewAction(store.TypeAudioChunk, sessionID).
		With(store.KeyAudio, pcm).
		With(store.KeyTimestamp, ts))
	return ts, nil
}

// decode turns a wire payload into raw PCM plus its true format.
func (s *session) decode(data []byte, format audio.Format, encoding string) ([]byte, audio.Format, error) {
	switch encoding {
	case "", audio.FormatPCM16:
		return data, format, nil
	case audio.FormatWAV:
		pcm, f, err := audio.ParseWAV(data)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("effects: decode wav: %w", err)
		}
		return pcm, f, nil
	case audio.FormatMP3:
		pcm, f, err := audio.DecodeMP3(data)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("effects: decode mp3: %w", err)
		}
		return pcm, f, nil
	case audio.FormatOpus:
		s.mu.Lock()
		if s.opus == nil {
			dec, err := audio.NewOpusDecoder()
			if err != nil {
				s.mu.Unlock()
				return nil, audio.Format{}, err
			}
			s.opus = dec
		}
		dec := s.opus
		pcm, f, err := dec.Decode(data)
		s.mu.Unlock()
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("effects: decode opus: %w", err)
		}
		return pcm, f, nil
	default:
		return nil, audio.Format{}, fmt.Errorf("effects: unsupported audio format %q", encoding)
	}
}

// startDetectors opens the queue readers and launches the wake word and
// VAD loops. Idempotent per session.
func (e *Effects) startDetectors(s *session, a store.Action) {
	s.mu.Lock()
	if s.detectorsStarted {
		s.mu.Unlock()
		return
	}
	s.detectorsStarted = true
	s.mu.Unlock()

	if e.deps.Wake != nil {
		wcfg := e.deps.WakeConfig
		wcfg.SampleRate = audio.HubSampleRate
		handle, err := e.deps.Wake.NewSession(wcfg)
		if err != nil {
			slog.Error("wake session failed", "session_id", s.id, "error", err)
		} else {
			s.mu.Lock()
			s.wakeSession = handle
			s.mu.Unlock()
			s.queue.OpenReader(readerWakeWord)
			s.wg.Add(1)
			go e.wakeLoop(s, handle)
		}
	}

	if e.deps.VAD != nil {
		recipe := e.bufferRecipe("vad")
		frameMs := audio.HubFormat().BytesToDurationMs(recipe.FrameSize)
		handle, err := e.deps.VAD.NewSession(vad.Config{
			SampleRate:       audio.HubSampleRate,
			FrameSizeMs:      frameMs,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			slog.Error("vad session failed", "session_id", s.id, "error", err)
		} else {
			s.mu.Lock()
			s.vadSession = handle
			s.mu.Unlock()
			s.queue.OpenReader(readerVAD)
			s.wg.Add(1)
			go e.vadLoop(s, handle, recipe)
		}
	}

	if e.deps.Recorder != nil && e.cfg.RecordCaptures {
		s.queue.OpenReader(readerRecording)
		s.wg.Add(1)
		go e.recordingLoop(s)
	}

	slog.Info("detectors started", "session_id", s.id, "strategy", string(s.strategy))
}

// bufferRecipe returns the named recipe, falling back to a fixed frame of
// the hub format when unconfigured.
func (e *Effects) bufferRecipe(name string) bufmgr.Config {
	if recipe, ok := e.cfg.Buffers[name]; ok {
		return recipe
	}
	return bufmgr.Config{
		Mode:       bufmgr.ModeFixed,
		SampleRate: audio.HubSampleRate,
		Channels:   audio.HubChannels,
		FrameSize:  audio.HubFormat().DurationMsToBytes(400),
		OnOverflow: bufmgr.DropOldest,
	}
}

// wakeLoop scans listening audio for keywords. During playback it keeps
// scanning only when barge-in is allowed; in every other state audio is
// consumed and discarded so the reader never lags.
func (e *Effects) wakeLoop(s *session, handle wake.SessionHandle) {
	defer s.wg.Done()

	buf, err := bufmgr.New(e.bufferRecipe("wake"))
	if err != nil {
		slog.Error("wake buffer failed", "session_id", s.id, "error", err)
		return
	}

	for {
		chunk, err := s.queue.Pull(readerWakeWord, pullTimeout)
		if errors.Is(err, audioqueue.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		state := s.machine.Current()
		bargeIn := state == fcm.Busy && e.cfg.AllowBargeIn
		if state != fcm.Listening && !bargeIn {
			buf.Reset()
			continue
		}

		if err := buf.Push(chunk.Data); err != nil {
			buf.Reset()
			continue
		}
		for buf.Ready() {
			det, err := handle.ProcessWindow(buf.Pop())
			if err != nil {
				slog.Warn("wake scan failed", "session_id", s.id, "error", err)
				continue
			}
			if !det.Triggered {
				continue
			}
			if bargeIn {
				e.deps.Store.Dispatch(store.NewAction(store.TypeInterruptReply, s.id).
					With(store.KeySource, store.SourceVoice).
					With(store.KeyVADSpeech, s.vadSpeech.Load()).
					With(store.KeyKeyword, det.Keyword))
			} else {
				e.deps.Store.Dispatch(store.NewAction(store.TypeWakeTriggered, s.id).
					With(store.KeyKeyword, det.Keyword).
					With(store.KeyConfidence, det.Confidence).
					With(store.KeyTimestamp, chunk.Timestamp))
			}
			buf.Reset()
			handle.Reset()
			break
		}
	}
}

// vadLoop tracks speech activity and ends captures after sustained
// silence.
func (e *Effects) vadLoop(s *session, handle vad.SessionHandle, recipe bufmgr.Config) {
	defer s.wg.Done()

	buf, err := bufmgr.New(recipe)
	if err != nil {
		slog.Error("vad buffer failed", "session_id", s.id, "error", err)
		return
	}

	for {
		chunk, err := s.queue.Pull(readerVAD, pullTimeout)
		if errors.Is(err, audioqueue.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		if err := buf.Push(chunk.Data); err != nil {
			buf.Reset()
			continue
		}
		for buf.Ready() {
			ev, err := handle.ProcessFrame(buf.Pop())
			if err != nil {
				slog.Warn("vad frame failed", "session_id", s.id, "error", err)
				continue
			}
			e.handleVADEvent(s, ev, chunk.Timestamp)
		}
	}
}

func (e *Effects) handleVADEvent(s *session, ev vad.Event, ts float64) {
	switch ev.Type {
	case vad.SpeechStart:
		s.vadSpeech.Store(true)
		s.addMarker(ts, "speech_start", nil)
	case vad.SpeechEnd:
		s.vadSpeech.Store(false)
		s.addMarker(ts, "speech_end", nil)
	case vad.Silence:
		s.vadSpeech.Store(false)
	default:
		return
	}

	if ev.SilenceDuration < e.cfg.SilenceTimeout {
		return
	}
	switch s.machine.Current() {
	case fcm.Recording:
		e.deps.Store.Dispatch(store.NewAction(store.TypeEndRecording, s.id).
			With(store.KeyTrigger, store.TriggerVADTimeout))
	case fcm.Streaming:
		e.deps.Store.Dispatch(store.NewAction(store.TypeEndASRStreaming, s.id).
			With(store.KeyTrigger, store.TriggerVADTimeout))
	}
}

// recordingLoop copies queue audio into the active recording. Chunks at
// or before recorderFrom were already seeded from the pre-roll window and
// are skipped.
func (e *Effects) recordingLoop(s *session) {
	defer s.wg.Done()
	for {
		chunk, err := s.queue.Pull(readerRecording, pullTimeout)
		if errors.Is(err, audioqueue.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		s.mu.Lock()
		rec := s.recorder
		from := s.recorderFrom
		s.mu.Unlock()
		if rec == nil || chunk.Timestamp <= from {
			continue
		}
		rec.Write(chunk.Data)
	}
}
