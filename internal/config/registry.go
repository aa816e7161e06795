package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/davrien/converso/pkg/provider/capture"
	"github.com/davrien/converso/pkg/provider/embeddings"
	"github.com/davrien/converso/pkg/provider/llm"
	"github.com/davrien/converso/pkg/provider/synthesis"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	coach      map[string]func(ProviderEntry) (llm.Provider, error)
	capture    map[string]func(ProviderEntry) (capture.Engine, error)
	synthesis  map[string]func(ProviderEntry, synthesis.AudioSink) (synthesis.Engine, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		coach:      make(map[string]func(ProviderEntry) (llm.Provider, error)),
		capture:    make(map[string]func(ProviderEntry) (capture.Engine, error)),
		synthesis:  make(map[string]func(ProviderEntry, synthesis.AudioSink) (synthesis.Engine, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterCoach registers a chat-model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCoach(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coach[name] = factory
}

// RegisterCapture registers a capture engine factory under name.
func (r *Registry) RegisterCapture(name string, factory func(ProviderEntry) (capture.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSynthesis registers a synthesis engine factory under name. The
// factory receives the audio sink server-rendering engines stream into;
// event-relay engines ignore it.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry, synthesis.AudioSink) (synthesis.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateCoach instantiates a chat-model provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCoach(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.coach[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: coach/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates a capture engine using the factory registered
// under entry.Name.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Engine, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates a synthesis engine using the factory
// registered under entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry, sink synthesis.AudioSink) (synthesis.Engine, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, sink)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
