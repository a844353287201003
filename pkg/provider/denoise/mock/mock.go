// Package mock provides a test double for the denoise package interface.
package mock

import (
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/denoise"
)

// DenoiseCall records a single invocation of Denoiser.Denoise.
type DenoiseCall struct {
	// PCM is a copy of the bytes passed to Denoise.
	PCM []byte
}

// Denoiser is a mock implementation of denoise.Denoiser.
type Denoiser struct {
	mu sync.Mutex

	// Result, if non-nil, is returned by every Denoise call. When nil,
	// Denoise echoes a copy of its input.
	Result []byte

	// Err, if non-nil, is returned by every Denoise call.
	Err error

	// DenoiseCalls records every call to Denoise in order.
	DenoiseCalls []DenoiseCall
}

// Denoise records the call and returns Result (or an input copy), Err.
func (d *Denoiser) Denoise(pcm []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.DenoiseCalls = append(d.DenoiseCalls, DenoiseCall{PCM: cp})
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Result != nil {
		return d.Result, nil
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// DenoiseCallCount returns the number of Denoise calls. Thread-safe.
func (d *Denoiser) DenoiseCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DenoiseCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (d *Denoiser) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DenoiseCalls = nil
}

// Ensure Denoiser implements denoise.Denoiser at compile time.
var _ denoise.Denoiser = (*Denoiser)(nil)
