package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"evorelay/internal/config"
	"evorelay/internal/domain"
)

// Capabilities bundles what one configured backend can do. Transcriber and
// Describer are nil when the backend has no audio or vision support.
type Capabilities struct {
	Completer   domain.Completer
	Embedder    domain.Embedder
	Transcriber domain.Transcriber
	Describer   domain.ImageDescriber
}

// Constructor builds a capability bundle from a config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) *Capabilities

// Factory creates and caches generation backends from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]*Capabilities
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]*Capabilities),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a backend constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) *Capabilities {
		o := NewOpenAI(OpenAIConfig{
			APIKey:       pc.APIKey,
			APIBase:      pc.APIBase,
			Model:        pc.DefaultModel,
			EmbedModel:   pc.EmbedModel,
			WhisperModel: pc.WhisperModel,
			VisionModel:  pc.VisionModel,
			Logger:       logger,
		})
		return &Capabilities{Completer: o, Embedder: o, Transcriber: o, Describer: o}
	}

	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) *Capabilities {
		o := NewOllama(OllamaConfig{
			APIBase:      pc.APIBase,
			DefaultModel: pc.DefaultModel,
			EmbedModel:   pc.EmbedModel,
			Logger:       logger,
		})
		return &Capabilities{Completer: o, Embedder: o}
	}
}

// Get returns the backend with the given name, or the default if name is
// empty. Created backends are cached so the same instance is reused.
// Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Get(name string) (*Capabilities, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]

	var caps *Capabilities
	if found {
		caps = ctor(pc, f.logger)
	} else if pc.APIBase != "" && pc.APIKey != "" {
		// Fallback: treat unknown providers as OpenAI-compatible.
		o := NewOpenAI(OpenAIConfig{
			APIKey:       pc.APIKey,
			APIBase:      pc.APIBase,
			Model:        pc.DefaultModel,
			EmbedModel:   pc.EmbedModel,
			WhisperModel: pc.WhisperModel,
			VisionModel:  pc.VisionModel,
			Logger:       f.logger,
		})
		caps = &Capabilities{Completer: o, Embedder: o, Transcriber: o, Describer: o}
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}

	f.cache[name] = caps
	return caps, nil
}

// Default returns the configured default backend.
func (f *Factory) Default() (*Capabilities, error) {
	return f.Get("")
}

// Healthy returns the first backend whose completer passes a health check,
// or nil when none does.
func (f *Factory) Healthy(ctx context.Context) *Capabilities {
	for name := range f.cfg.Providers {
		caps, err := f.Get(name)
		if err != nil || caps == nil || caps.Completer == nil {
			continue
		}
		if caps.Completer.Healthy(ctx) == nil {
			return caps
		}
	}
	return nil
}
