package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructors for transports and audio devices. It is
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transports  map[string]func(TransportConfig) (s2s.Provider, error)
	microphones map[string]func(CaptureConfig) (audio.Microphone, error)
	speakers    map[string]func(PlaybackConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports:  make(map[string]func(TransportConfig) (s2s.Provider, error)),
		microphones: make(map[string]func(CaptureConfig) (audio.Microphone, error)),
		speakers:    make(map[string]func(PlaybackConfig) (audio.Speaker, error)),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory func(TransportConfig) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterMicrophone registers a microphone factory under name. The factory
// is looked up by [CaptureConfig.Command].
func (r *Registry) RegisterMicrophone(name string, factory func(CaptureConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterSpeaker registers a speaker factory under name. The factory is
// looked up by [PlaybackConfig.Command].
func (r *Registry) RegisterSpeaker(name string, factory func(PlaybackConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[name] = factory
}

// CreateTransport instantiates the transport registered under cfg.Name.
func (r *Registry) CreateTransport(cfg TransportConfig) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateMicrophone instantiates the microphone registered under cfg.Command,
// falling back to the factory registered under "" when present.
func (r *Registry) CreateMicrophone(cfg CaptureConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Command]
	if !ok {
		factory, ok = r.microphones[""]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q", ErrProviderNotRegistered, cfg.Command)
	}
	return factory(cfg)
}

// CreateSpeaker instantiates the speaker registered under cfg.Command,
// falling back to the factory registered under "" when present.
func (r *Registry) CreateSpeaker(cfg PlaybackConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.speakers[cfg.Command]
	if !ok {
		factory, ok = r.speakers[""]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrProviderNotRegistered, cfg.Command)
	}
	return factory(cfg)
}

// Transports returns the sorted names of all registered transports.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
