package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/audiostream/pkg/provider/respond"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranscriberFactory builds a transcription backend from its config entry.
type TranscriberFactory func(ProviderEntry) (transcribe.Provider, error)

// ResponderFactory builds a reply backend from its config entry.
type ResponderFactory func(ProviderEntry) (respond.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]TranscriberFactory
	responder   map[string]ResponderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[string]TranscriberFactory),
		responder:   make(map[string]ResponderFactory),
	}
}

// RegisterTranscriber registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// RegisterResponder registers a reply provider factory under name.
func (r *Registry) RegisterResponder(name string, factory ResponderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responder[name] = factory
}

// CreateTranscriber instantiates the transcription provider registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateResponder instantiates the reply provider registered under entry.Name.
func (r *Registry) CreateResponder(entry ProviderEntry) (respond.Provider, error) {
	r.mu.RLock()
	factory, ok := r.responder[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: responder/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OptString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// OptFloat extracts a numeric value from a provider Options map. YAML
// integers are accepted.
func OptFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
