package effects

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/asrhub/internal/audioqueue"
	"github.com/MrWong99/asrhub/internal/fcm"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/enhance"
)

// beginCapture starts a non-streaming capture: the recorder is opened and
// seeded with the pre-roll window reaching back before the wake word, and
// the capture watchdog is armed.
func (e *Effects) beginCapture(s *session, a store.Action, next *store.State) {
	start := a.Float(store.KeyTimestamp)
	if start == 0 {
		start = next.Sessions[s.id].RecordingStart
	}

	s.mu.Lock()
	s.captureStart = start
	s.mu.Unlock()

	e.seedRecorder(s, start)
	e.armCaptureWatchdog(s, fcm.TimerRecording, e.cfg.MaxRecording)
}

// beginStreaming starts a live recognition capture: lease, stream, and
// the goroutine feeding queue audio into it.
func (e *Effects) beginStreaming(s *session, a store.Action, next *store.State) {
	start := a.Float(store.KeyTimestamp)
	if start == 0 {
		start = next.Sessions[s.id].RecordingStart
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.captureStart = start
	s.captureCancel = cancel
	s.mu.Unlock()

	e.seedRecorder(s, start)
	e.armCaptureWatchdog(s, fcm.TimerStreaming, e.cfg.MaxStreaming)

	s.wg.Add(1)
	go e.streamLoop(ctx, s, start)
}

// seedRecorder opens a recording for the capture and seeds it with the
// queued audio between the pre-roll horizon and the capture start.
func (e *Effects) seedRecorder(s *session, start float64) {
	if e.deps.Recorder == nil || !e.cfg.RecordCaptures {
		return
	}
	rec, err := e.deps.Recorder.Start(s.id)
	if err != nil {
		slog.Error("recording start failed", "session_id", s.id, "error", err)
		return
	}

	s.mu.Lock()
	from := s.wakeTS
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if from == 0 {
		from = start
	}
	from -= e.cfg.PreRoll.Seconds()

	for _, m := range pending {
		rec.AddMarker(m.Timestamp, m.Type, m.Data)
	}
	rec.AddMarker(start, "capture_start", nil)
	for _, chunk := range s.queue.GetBetween(from, start) {
		rec.Write(chunk.Data)
	}

	s.mu.Lock()
	s.recorder = rec
	s.recorderFrom = start
	s.mu.Unlock()
}

// armCaptureWatchdog caps the capture, or arms the telemetry warning when
// the cap is disabled.
func (e *Effects) armCaptureWatchdog(s *session, name string, max time.Duration) {
	if max > 0 {
		e.deps.Timers.Reset(s.id, name, max, e.timeoutCallback(s.id, name))
		return
	}
	e.deps.Timers.Reset(s.id, recordingTelemetryTimer, recordingTelemetryInterval,
		e.timeoutCallback(s.id, recordingTelemetryTimer))
}

// finishCapture runs when the machine enters TRANSCRIBING. Streaming
// captures already delivered their results through the stream; stopping
// the stream dispatches the final transcript.
func (e *Effects) finishCapture(s *session, a store.Action) {
	if s.strategy == store.StrategyStreaming {
		return
	}

	trigger := a.String(store.KeyTrigger)
	if trigger == "" && a.Type == store.TypeTimeout {
		trigger = store.TriggerTimeout
	}

	s.mu.Lock()
	start := s.captureStart
	s.mu.Unlock()

	s.wg.Add(1)
	go e.transcribeCapture(s, start, trigger)
}

// transcribeCapture assembles the utterance after the tail padding,
// conditions it, and runs it through a leased provider.
func (e *Effects) transcribeCapture(s *session, start float64, trigger string) {
	defer s.wg.Done()

	if e.cfg.TailPadding > 0 {
		select {
		case <-time.After(e.cfg.TailPadding):
		case <-s.ctx.Done():
			return
		}
	}
	end := e.deps.Clock.Now()
	s.addMarker(end, "capture_end", map[string]any{"trigger": trigger})
	e.stopRecorder(s)

	var pcm []byte
	for _, chunk := range s.queue.GetBetween(start, end) {
		pcm = append(pcm, chunk.Data...)
	}
	if len(pcm) == 0 {
		e.dispatchTranscript(s.id, asr.Result{}, trigger)
		return
	}

	pcm = e.condition(s.id, pcm)
	result, err := e.transcribe(s.ctx, s.id, pcm)
	if err != nil {
		e.reportTranscriptionError(s.id, err, trigger)
		return
	}
	result.IsFinal = true
	e.dispatchTranscript(s.id, result, trigger)
}

// condition runs the utterance through the denoiser and the enhancer.
// Both are best-effort; failures fall back to the unprocessed audio.
func (e *Effects) condition(sessionID string, pcm []byte) []byte {
	if e.deps.Denoiser != nil {
		out, err := e.deps.Denoiser.Denoise(pcm)
		if err != nil {
			slog.Warn("denoise failed", "session_id", sessionID, "error", err)
		} else {
			pcm = out
		}
	}
	if e.deps.Enhancer != nil {
		out, report, err := e.deps.Enhancer.Enhance(pcm, enhance.PurposeASR)
		if err != nil {
			slog.Warn("enhance failed", "session_id", sessionID, "error", err)
		} else {
			pcm = out
			slog.Debug("utterance enhanced",
				"session_id", sessionID, "stages", report.Stages, "gain_db", report.GainDB)
		}
	}
	return pcm
}

// transcribe leases a provider, transcribes, and releases.
func (e *Effects) transcribe(ctx context.Context, sessionID string, pcm []byte) (asr.Result, error) {
	if e.deps.Pool == nil {
		return asr.Result{}, asr.ErrUnavailable
	}
	lease, err := e.deps.Pool.Lease(ctx, sessionID)
	if err != nil {
		return asr.Result{}, err
	}
	defer lease.Release()

	return lease.Transcribe(ctx, pcm, asr.AudioConfig{
		SampleRate: audio.HubSampleRate,
		Channels:   audio.HubChannels,
		Language:   e.cfg.Language,
	})
}

// reportTranscriptionError maps provider failures to actions. Soft
// unavailability still completes the capture with an empty transcript so
// the session does not wedge in TRANSCRIBING.
func (e *Effects) reportTranscriptionError(sessionID string, err error, trigger string) {
	switch {
	case errors.Is(err, asr.ErrUnavailable):
		slog.Warn("transcription unavailable", "session_id", sessionID, "error", err)
		e.dispatchTranscript(sessionID, asr.Result{}, trigger)
	case errors.Is(err, pool.ErrAcquireTimeout), errors.Is(err, pool.ErrQuotaExceeded):
		e.deps.Store.Dispatch(store.NewAction(store.TypeError, sessionID).
			With(store.KeyErrorCode, "POOL_EXHAUSTED").
			With(store.KeyErrorMessage, err.Error()))
	case errors.Is(err, context.Canceled):
		// Session went away mid-transcription.
	default:
		e.deps.Store.Dispatch(store.NewAction(store.TypeError, sessionID).
			With(store.KeyErrorCode, "ASR_FAILED").
			With(store.KeyErrorMessage, err.Error()))
	}
}

func (e *Effects) dispatchTranscript(sessionID string, result asr.Result, trigger string) {
	a := store.NewAction(store.TypeTranscriptionDone, sessionID).
		With(store.KeyText, result.Text).
		With(store.KeyConfidence, result.Confidence).
		With(store.KeyIsFinal, result.IsFinal)
	if result.Language != "" {
		a = a.With(store.KeyLanguage, result.Language)
	}
	if trigger != "" {
		a = a.With(store.KeyTrigger, trigger)
	}
	e.deps.Store.Dispatch(a)
}

// streamLoop owns one live recognition stream: lease, feed, and result
// fan-in. It exits when the capture is cancelled or the queue closes.
func (e *Effects) streamLoop(ctx context.Context, s *session, start float64) {
	defer s.wg.Done()

	if e.deps.Pool == nil {
		e.reportTranscriptionError(s.id, asr.ErrUnavailable, "")
		return
	}
	lease, err := e.deps.Pool.Lease(ctx, s.id)
	if err != nil {
		e.reportTranscriptionError(s.id, err, "")
		return
	}

	var keywords []asr.KeywordBoost
	for _, kw := range e.deps.WakeConfig.Keywords {
		keywords = append(keywords, asr.KeywordBoost{Keyword: kw, Boost: 1.5})
	}
	stream, err := lease.StartStream(ctx, asr.StreamConfig{
		SampleRate: audio.HubSampleRate,
		Channels:   audio.HubChannels,
		Language:   e.cfg.Language,
		Keywords:   keywords,
	})
	if err != nil {
		lease.Release()
		e.reportTranscriptionError(s.id, err, "")
		return
	}

	s.mu.Lock()
	s.lease = lease
	s.stream = stream
	s.mu.Unlock()

	if err := s.queue.OpenReaderAt(readerStreaming, start); err != nil {
		s.queue.OpenReader(readerStreaming)
	}
	defer s.queue.CloseReader(readerStreaming)

	// Result fan-in runs until the stream closes its channels.
	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		partials, finals := stream.Partials(), stream.Finals()
		for partials != nil || finals != nil {
			select {
			case r, ok := <-partials:
				if !ok {
					partials = nil
					continue
				}
				r.IsFinal = false
				e.dispatchTranscript(s.id, r, "")
			case r, ok := <-finals:
				if !ok {
					finals = nil
					continue
				}
				r.IsFinal = true
				e.dispatchTranscript(s.id, r, "")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-resultsDone
			return
		default:
		}

		chunk, err := s.queue.Pull(readerStreaming, pullTimeout)
		if errors.Is(err, audioqueue.ErrTimeout) {
			continue
		}
		if err != nil {
			e.stopStreaming(s)
			<-resultsDone
			return
		}

		// Playback pauses recognition; barge-in resumes it via the
		// machine, not here.
		if s.machine.Current() == fcm.Busy {
			continue
		}
		if err := stream.SendAudio(chunk.Data); err != nil {
			slog.Warn("stream send failed", "session_id", s.id, "error", err)
			e.stopStreaming(s)
			<-resultsDone
			return
		}
	}
}

// stopStreaming tears the live stream down and makes sure a final
// transcript action lands so the TRANSCRIBING state can resolve.
func (e *Effects) stopStreaming(s *session) {
	s.mu.Lock()
	cancel := s.captureCancel
	lease := s.lease
	stream := s.stream
	s.captureCancel = nil
	s.lease = nil
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream == nil && lease == nil {
		return
	}

	go func() {
		final := asr.Result{}
		if stream != nil {
			// Close flushes the recognizer; drain whatever it commits.
			stream.Close()
			for r := range stream.Finals() {
				r.IsFinal = true
				e.dispatchTranscript(s.id, r, "")
				final = r
			}
		}
		if lease != nil {
			lease.Release()
		}
		e.stopRecorder(s)
		if final.Text == "" && s.machine.Current() == fcm.Transcribing {
			// Nothing committed after the stream ended; resolve the
			// capture with an empty final.
			e.dispatchTranscript(s.id, asr.Result{IsFinal: true}, "")
		}
	}()
}

// stopRecorder finalizes the active recording, if any.
func (e *Effects) stopRecorder(s *session) {
	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if _, err := rec.Stop(); err != nil && !errors.Is(err, recording.ErrStopped) {
		slog.Error("recording stop failed", "session_id", s.id, "error", err)
	}
}

// abortCapture drops all capture state without producing a transcript.
func (e *Effects) abortCapture(s *session) {
	s.mu.Lock()
	cancel := s.captureCancel
	lease := s.lease
	stream := s.stream
	s.captureCancel = nil
	s.lease = nil
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil || lease != nil {
		go func() {
			if stream != nil {
				stream.Close()
				for range stream.Finals() {
				}
			}
			if lease != nil {
				lease.Release()
			}
		}()
	}
	e.stopRecorder(s)
}

// startBatchTranscription handles the batch strategy: a complete audio
// file arrives in one action and is transcribed directly.
func (e *Effects) startBatchTranscription(s *session, a store.Action) {
	data := a.Bytes(store.KeyAudio)
	format := audio.Format{
		SampleRate: a.Int(store.KeySampleRate),
		Channels:   a.Int(store.KeyChannels),
	}
	encoding := a.String(store.KeyFormat)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if format.SampleRate == 0 {
			format = audio.HubFormat()
		}
		pcm, f, err := s.decode(data, format, encoding)
		if err != nil {
			e.deps.Store.Dispatch(store.NewAction(store.TypeError, s.id).
				With(store.KeyErrorCode, "BAD_AUDIO").
				With(store.KeyErrorMessage, err.Error()))
			return
		}
		pcm = audio.To16kMono(pcm, f.SampleRate, f.Channels)
		pcm = e.condition(s.id, pcm)

		result, err := e.transcribe(s.ctx, s.id, pcm)
		if err != nil {
			e.reportTranscriptionError(s.id, err, store.TriggerManual)
			return
		}
		result.IsFinal = true
		e.dispatchTranscript(s.id, result, store.TriggerManual)
	}()
}
