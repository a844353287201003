package store

// Strategy selects a session's control-machine transition table.
type Strategy string

const (
	StrategyBatch        Strategy = "batch"
	StrategyNonStreaming Strategy = "non_streaming"
	StrategyStreaming    Strategy = "streaming"
)

// ParseStrategy validates a wire-level strategy string.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyBatch, StrategyNonStreaming, StrategyStreaming:
		return Strategy(s), true
	}
	return "", false
}

// AudioFormat is the format a session's inbound audio arrives in, declared
// via start_listening or audio/metadata.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Format     string // "pcm_s16le", "opus", "mp3", "wav"
}

// SessionError captures the last hard error of a session.
type SessionError struct {
	Code      string
	Message   string
	Timestamp float64
}

// SessionState is the store's view of one session. Values are snapshots;
// the live control machine is owned by the effects layer and mirrored here
// through dispatch.
type SessionState struct {
	ID          string
	RequestID   string
	Strategy    Strategy
	State       string // control-machine state name
	CreatedAt   float64
	LastEventAt float64
	Audio       AudioFormat

	WakeTimestamp  float64
	RecordingStart float64

	LastTranscript string
	LastError      *SessionError

	ChunksReceived int64
	BytesReceived  int64
	Transcripts    int64
}

// Stats aggregates hub-level counters.
type Stats struct {
	SessionsCreated   int64
	SessionsDestroyed int64
	ActionsDispatched int64
	ChunksReceived    int64
	BytesReceived     int64
	Transcripts       int64
	Errors            int64
}

// State is the root of the store. Published snapshots are immutable: the
// reducer builds a fresh State (copying the session map) for every action,
// so holders of a snapshot never observe later mutations.
type State struct {
	Sessions map[string]SessionState
	Stats    Stats
}

// NewState returns the empty root.
func NewState() *State {
	return &State{Sessions: make(map[string]SessionState)}
}

// cloneSessions copies the session map for copy-on-write updates.
func cloneSessions(in map[string]SessionState) map[string]SessionState {
	out := make(map[string]SessionState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
