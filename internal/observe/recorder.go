package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/asrhub/internal/store"
)

func actionAttr(typ string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("type", typ))
}

// Recorder is a store subscriber that turns the action stream into metric
// observations: action and chunk counters, session and capture gauges, and
// the capture-to-final-transcript latency histogram.
type Recorder struct {
	metrics *Metrics

	mu       sync.Mutex
	captures map[string]capture
}

type capture struct {
	startedAt time.Time
	strategy  string
}

// NewRecorder builds a recorder over the given instruments.
func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{metrics: m, captures: make(map[string]capture)}
}

// Register subscribes the recorder to the store's action stream.
func (r *Recorder) Register(st *store.Store) {
	st.Subscribe(r.onAction)
}

func (r *Recorder) onAction(a store.Action, tr store.Transition, prev, next *store.State) {
	ctx := context.Background()
	m := r.metrics

	m.Actions.Add(ctx, 1, actionAttr(a.Type))

	if delta := len(next.Sessions) - len(prev.Sessions); delta != 0 {
		m.ActiveSessions.Add(ctx, int64(delta))
	}

	id := a.SessionID()
	switch a.Type {
	case store.TypeAudioChunk:
		m.AudioChunks.Add(ctx, 1)
		m.AudioBytes.Add(ctx, int64(len(a.Bytes(store.KeyAudio))))

	case store.TypeStartRecording, store.TypeStartASRStreaming:
		if tr.Fired {
			r.beginCapture(ctx, id, next.Sessions[id].Strategy)
		}

	case store.TypeTranscriptionDone:
		final := a.Bool(store.KeyIsFinal)
		m.RecordTranscript(ctx, final)
		if final {
			r.endCapture(ctx, id, true)
		}

	case store.TypeError:
		code := a.String(store.KeyErrorCode)
		if code == "" {
			code = "UNKNOWN"
		}
		m.RecordSessionError(ctx, code)
		r.endCapture(ctx, id, false)

	case store.TypeSessionDestroy:
		r.endCapture(ctx, id, false)
	}
}

func (r *Recorder) beginCapture(ctx context.Context, id string, strategy store.Strategy) {
	r.mu.Lock()
	_, exists := r.captures[id]
	if !exists {
		r.captures[id] = capture{startedAt: time.Now(), strategy: string(strategy)}
	}
	r.mu.Unlock()
	if !exists {
		r.metrics.ActiveCaptures.Add(ctx, 1)
	}
}

// endCapture closes an open capture window. Latency is observed only when
// the window ends in a final transcript; aborts just release the gauge.
func (r *Recorder) endCapture(ctx context.Context, id string, observe bool) {
	r.mu.Lock()
	c, exists := r.captures[id]
	delete(r.captures, id)
	r.mu.Unlock()
	if !exists {
		return
	}
	r.metrics.ActiveCaptures.Add(ctx, -1)
	if observe {
		r.metrics.RecordTranscription(ctx, c.strategy, time.Since(c.startedAt).Seconds())
	}
}
