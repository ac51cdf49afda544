package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/llm"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tts    map[string]func(ProviderEntry) (tts.Provider, error)
	llm    map[string]func(ProviderEntry) (llm.Provider, error)
	output map[string]func(AudioConfig) (audio.Output, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:    make(map[string]func(ProviderEntry) (tts.Provider, error)),
		llm:    make(map[string]func(ProviderEntry) (llm.Provider, error)),
		output: make(map[string]func(AudioConfig) (audio.Output, error)),
	}
}

// RegisterTTS registers a synthesis channel factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterLLM registers a text producer factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterOutput registers an audio output factory under name. The factory
// receives the whole audio section since devices need the rate and block size.
func (r *Registry) RegisterOutput(name string, factory func(AudioConfig) (audio.Output, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateTTS instantiates a synthesis channel using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates a text producer using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates the audio output named by cfg.Output.Name.
func (r *Registry) CreateOutput(cfg AudioConfig) (audio.Output, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Output.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Output.Name)
	}
	return factory(cfg)
}

// ─── Option helpers ─────────────────────────────────────────────────────────

// StringOption returns entry.Options[key] as a string, or def when absent.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}
