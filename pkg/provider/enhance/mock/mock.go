// Package mock provides a test double for the enhance package interface.
package mock

import (
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/enhance"
)

// EnhanceCall records a single invocation of Enhancer.Enhance.
type EnhanceCall struct {
	// PCM is a copy of the bytes passed to Enhance.
	PCM []byte
	// Purpose is the purpose passed to Enhance.
	Purpose enhance.Purpose
}

// Enhancer is a mock implementation of enhance.Enhancer.
type Enhancer struct {
	mu sync.Mutex

	// Result, if non-nil, is returned by every Enhance call. When nil,
	// Enhance echoes a copy of its input.
	Result []byte

	// Report is returned by every Enhance call, with Purpose filled in.
	Report enhance.Report

	// Err, if non-nil, is returned by every Enhance call.
	Err error

	// EnhanceCalls records every call to Enhance in order.
	EnhanceCalls []EnhanceCall
}

// Enhance records the call and returns Result (or an input copy),
// Report, Err.
func (e *Enhancer) Enhance(pcm []byte, purpose enhance.Purpose) ([]byte, enhance.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	e.EnhanceCalls = append(e.EnhanceCalls, EnhanceCall{PCM: cp, Purpose: purpose})
	if e.Err != nil {
		return nil, enhance.Report{}, e.Err
	}
	report := e.Report
	report.Purpose = purpose
	if e.Result != nil {
		return e.Result, report, nil
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, report, nil
}

// EnhanceCallCount returns the number of Enhance calls. Thread-safe.
func (e *Enhancer) EnhanceCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.EnhanceCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (e *Enhancer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EnhanceCalls = nil
}

// Ensure Enhancer implements enhance.Enhancer at compile time.
var _ enhance.Enhancer = (*Enhancer)(nil)
