package store

// Reduce folds one action into the state, returning a fresh snapshot. It is
// pure and total: no I/O, and unknown action types fall through to the
// bookkeeping-only path so every dispatch produces exactly one new state.
func Reduce(prev *State, a Action, tr Transition) *State {
	next := &State{
		Sessions: cloneSessions(prev.Sessions),
		Stats:    prev.Stats,
	}
	next.Stats.ActionsDispatched++

	id := a.SessionID()
	ts := a.Float(KeyTimestamp)

	switch a.Type {
	case TypeSessionCreate:
		if _, exists := next.Sessions[id]; exists || id == "" {
			return next
		}
		strategy, _ := ParseStrategy(a.String(KeyStrategy))
		state := "IDLE"
		if tr.Fired {
			state = tr.To
		}
		next.Sessions[id] = SessionState{
			ID:          id,
			RequestID:   a.String(KeyRequestID),
			Strategy:    strategy,
			State:       state,
			CreatedAt:   ts,
			LastEventAt: ts,
		}
		next.Stats.SessionsCreated++
		return next

	case TypeSessionDestroy:
		if _, exists := next.Sessions[id]; !exists {
			return next
		}
		delete(next.Sessions, id)
		next.Stats.SessionsDestroyed++
		return next
	}

	sess, exists := next.Sessions[id]
	if !exists {
		// Unknown or missing session: the action still counts, state rows
		// stay untouched.
		return next
	}

	sess.LastEventAt = ts
	if tr.Fired {
		sess.State = tr.To
	}

	switch a.Type {
	case TypeAudioChunk:
		n := int64(len(a.Bytes(KeyAudio)))
		sess.ChunksReceived++
		sess.BytesReceived += n
		next.Stats.ChunksReceived++
		next.Stats.BytesReceived += n

	case TypeStartListening, TypeAudioMetadata:
		if sr := a.Int(KeySampleRate); sr > 0 {
			sess.Audio.SampleRate = sr
		}
		if ch := a.Int(KeyChannels); ch > 0 {
			sess.Audio.Channels = ch
		}
		if f := a.String(KeyFormat); f != "" {
			sess.Audio.Format = f
		}

	case TypeWakeTriggered:
		sess.WakeTimestamp = ts

	case TypeStartRecording, TypeStartASRStreaming:
		sess.RecordingStart = ts

	case TypeTranscriptionDone:
		if text := a.String(KeyText); text != "" || a.Bool(KeyIsFinal) {
			sess.LastTranscript = text
			sess.Transcripts++
			next.Stats.Transcripts++
		}

	case TypeError:
		sess.LastError = &SessionError{
			Code:      a.String(KeyErrorCode),
			Message:   a.String(KeyErrorMessage),
			Timestamp: ts,
		}
		next.Stats.Errors++

	case TypeReset:
		sess.WakeTimestamp = 0
		sess.RecordingStart = 0
		sess.LastError = nil
	}

	next.Sessions[id] = sess
	return next
}
