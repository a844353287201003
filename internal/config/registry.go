package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/denoise"
	"github.com/MrWong99/asrhub/pkg/provider/enhance"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	asr     map[string]func(ProviderConfig) (asr.Provider, error)
	vad     map[string]func(ProviderConfig) (vad.Engine, error)
	wake    map[string]func(ProviderConfig) (wake.Detector, error)
	denoise map[string]func(ProviderConfig) (denoise.Denoiser, error)
	enhance map[string]func(ProviderConfig) (enhance.Enhancer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:     make(map[string]func(ProviderConfig) (asr.Provider, error)),
		vad:     make(map[string]func(ProviderConfig) (vad.Engine, error)),
		wake:    make(map[string]func(ProviderConfig) (wake.Detector, error)),
		denoise: make(map[string]func(ProviderConfig) (denoise.Denoiser, error)),
		enhance: make(map[string]func(ProviderConfig) (enhance.Enhancer, error)),
	}
}

// RegisterASR registers a recognition provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(ProviderConfig) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterWake registers a wake-word detector factory under name.
func (r *Registry) RegisterWake(name string, factory func(ProviderConfig) (wake.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake[name] = factory
}

// RegisterDenoise registers a denoiser factory under name.
func (r *Registry) RegisterDenoise(name string, factory func(ProviderConfig) (denoise.Denoiser, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denoise[name] = factory
}

// RegisterEnhance registers an enhancer factory under name.
func (r *Registry) RegisterEnhance(name string, factory func(ProviderConfig) (enhance.Enhancer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enhance[name] = factory
}

// CreateASR instantiates a recognition provider using the factory
// registered under name. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateASR(name string, entry ProviderConfig) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under name.
func (r *Registry) CreateVAD(name string, entry ProviderConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateWake instantiates a wake-word detector using the factory registered
// under name.
func (r *Registry) CreateWake(name string, entry ProviderConfig) (wake.Detector, error) {
	r.mu.RLock()
	factory, ok := r.wake[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wake_word/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateDenoise instantiates a denoiser using the factory registered under name.
func (r *Registry) CreateDenoise(name string, entry ProviderConfig) (denoise.Denoiser, error) {
	r.mu.RLock()
	factory, ok := r.denoise[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: denoise/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateEnhance instantiates an enhancer using the factory registered under name.
func (r *Registry) CreateEnhance(name string, entry ProviderConfig) (enhance.Enhancer, error) {
	r.mu.RLock()
	factory, ok := r.enhance[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: enhance/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}
