// Package mock provides test doubles for the wake package interfaces.
//
// Use Detector to verify that sessions are created with the expected
// Config. Use Session to script Detection results and inspect the windows
// that were scanned.
package mock

import (
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// NewSessionCall records a single invocation of Detector.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg wake.Config
}

// Detector is a mock implementation of wake.Detector.
type Detector struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session wake.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (d *Detector) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NewSessionCalls = append(d.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if d.NewSessionErr != nil {
		return nil, d.NewSessionErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NewSessionCalls = nil
}

// Ensure Detector implements wake.Detector at compile time.
var _ wake.Detector = (*Detector)(nil)

// ProcessWindowCall records a single invocation of Session.ProcessWindow.
type ProcessWindowCall struct {
	// PCM is a copy of the bytes passed to ProcessWindow.
	PCM []byte
}

// Session is a mock implementation of wake.SessionHandle.
type Session struct {
	mu sync.Mutex

	// DetectionResult is returned by every ProcessWindow call unless
	// Script is non-empty.
	DetectionResult wake.Detection

	// Script, when non-empty, is consumed one detection per ProcessWindow
	// call; after it runs out DetectionResult is returned.
	Script []wake.Detection

	// ProcessWindowErr, if non-nil, is returned by every ProcessWindow call.
	ProcessWindowErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ProcessWindowCalls records every call to ProcessWindow in order.
	ProcessWindowCalls []ProcessWindowCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessWindow records the call and returns the next scripted detection
// or DetectionResult, plus ProcessWindowErr.
func (s *Session) ProcessWindow(pcm []byte) (wake.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.ProcessWindowCalls = append(s.ProcessWindowCalls, ProcessWindowCall{PCM: cp})
	det := s.DetectionResult
	if len(s.Script) > 0 {
		det = s.Script[0]
		s.Script = s.Script[1:]
	}
	return det, s.ProcessWindowErr
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ProcessWindowCallCount returns the number of ProcessWindow calls.
// Thread-safe.
func (s *Session) ProcessWindowCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessWindowCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessWindowCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements wake.SessionHandle at compile time.
var _ wake.SessionHandle = (*Session)(nil)
