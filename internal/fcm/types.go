package fcm

// State is a control-machine state name. The names appear verbatim in
// store snapshots and on the wire in status events.
type State string

const (
	Idle         State = "IDLE"
	Listening    State = "LISTENING"
	Activated    State = "ACTIVATED"
	Recording    State = "RECORDING"
	Streaming    State = "STREAMING"
	Transcribing State = "TRANSCRIBING"
	Processing   State = "PROCESSING"
	Busy         State = "BUSY"
	Error        State = "ERROR"
	Recovering   State = "RECOVERING"
)

// Strategy selects the transition table a session runs under. A session is
// bound to one strategy for its whole lifetime.
type Strategy string

const (
	// Batch sessions transcribe uploaded files: no wake word, no live
	// detectors.
	Batch Strategy = "batch"

	// NonStreaming sessions capture an utterance after the wake word and
	// transcribe it in one shot.
	NonStreaming Strategy = "non_streaming"

	// StreamingStrategy sessions hold a live recognizer stream open while
	// capturing.
	StreamingStrategy Strategy = "streaming"
)

// Timer names the machine understands in timeout triggers. The effects
// layer arms these through the timer service and feeds expirations back as
// timeout actions.
const (
	TimerAwake       = "awake"
	TimerRecording   = "recording"
	TimerStreaming   = "streaming"
	TimerLLMClaim    = "llm_claim"
	TimerTTSClaim    = "tts_claim"
	TimerSessionIdle = "session_idle"
	TimerAutoCapture = "auto_capture"
)

// Config tunes the machine's common rules. Durations are owned by the
// effects layer; the machine only needs the branching switches.
type Config struct {
	// KeepAwakeAfterReply sends the session back to ACTIVATED instead of
	// LISTENING when TTS playback finishes.
	KeepAwakeAfterReply bool

	// AllowBargeIn permits voice-sourced interrupt_reply while BUSY.
	AllowBargeIn bool

	// ReturnAfterCapture picks where a finished capture lands: Activated
	// (default) or Listening.
	ReturnAfterCapture State
}

// Trigger is the machine-facing view of a dispatched action.
type Trigger struct {
	// Type is the action type, e.g. "wake_triggered".
	Type string

	// Timer carries the timer name for timeout triggers.
	Timer string

	// Source and Target qualify interrupt_reply.
	Source string
	Target string

	// VADSpeech reports whether live VAD currently detects speech; it
	// decides where a voice barge-in lands.
	VADSpeech bool
}

// Transition is the outcome of handling a trigger. Fired is false when the
// trigger was rejected or accepted without a state change; the state is
// then guaranteed unchanged.
type Transition struct {
	From  State
	To    State
	Fired bool
}

// Hook observes one side of a transition. Returned errors are logged and
// never abort the transition.
type Hook func(from, to State, t Trigger) error
