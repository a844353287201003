package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/asrhub/internal/resilience"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

// Lease is exclusive access to one pool instance. All transcription goes
// through the lease so the pool can track instance health; Release must
// be called exactly once when the session is done with the instance.
type Lease struct {
	pool      *Pool
	inst      *instance
	sessionID string

	once      sync.Once
	sawErrors bool
}

// SessionID returns the session holding the lease.
func (l *Lease) SessionID() string { return l.sessionID }

// Transcribe runs one batch transcription on the leased instance through
// its circuit breaker. An open breaker surfaces as ErrUnavailable.
// Context cancellation neither trips the breaker nor counts against the
// instance.
func (l *Lease) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (asr.Result, error) {
	l.beginCall()
	defer l.endCall()

	var result asr.Result
	var callErr error
	err := l.inst.breaker.Execute(func() error {
		result, callErr = l.inst.provider.Transcribe(ctx, pcm, cfg)
		if callErr != nil && (errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded)) {
			// A caller abort is not the instance's fault; do not trip
			// the breaker.
			return nil
		}
		return callErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		l.recordError()
		return asr.Result{}, fmt.Errorf("%w: %v", asr.ErrUnavailable, err)
	}
	if callErr != nil {
		if err != nil {
			l.recordError()
		}
		return asr.Result{}, callErr
	}
	l.recordSuccess()
	return result, nil
}

// StartStream opens a live recognition stream on the leased instance.
// Returns asr.ErrNotStreaming when the backend is batch-only.
func (l *Lease) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	sp, ok := l.inst.provider.(asr.StreamingProvider)
	if !ok {
		return nil, asr.ErrNotStreaming
	}
	l.beginCall()
	defer l.endCall()
	handle, err := sp.StartStream(ctx, cfg)
	if err != nil {
		l.recordError()
		return nil, err
	}
	l.recordSuccess()
	return handle, nil
}

// Provider exposes the raw leased provider for callers that need
// capability checks. Health tracking only sees calls made through the
// lease methods.
func (l *Lease) Provider() asr.Provider { return l.inst.provider }

func (l *Lease) beginCall() {
	l.pool.mu.Lock()
	l.inst.inFlight++
	l.pool.mu.Unlock()
}

func (l *Lease) endCall() {
	l.pool.mu.Lock()
	l.inst.inFlight--
	l.pool.mu.Unlock()
}

func (l *Lease) recordError() {
	l.pool.mu.Lock()
	l.inst.consecutiveErrors++
	l.sawErrors = true
	l.pool.mu.Unlock()
}

func (l *Lease) recordSuccess() {
	l.pool.mu.Lock()
	l.inst.consecutiveErrors = 0
	l.pool.mu.Unlock()
}

// Release returns the instance to the pool. When the lease saw errors the
// instance is probed before going back into rotation; past the failure
// threshold it is replaced instead. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		sawErrors := l.sawErrors
		l.pool.mu.Unlock()
		l.pool.release(l, sawErrors)
	})
}
