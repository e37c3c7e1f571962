package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownModel indicates a model id not present in the registry.
var ErrUnknownModel = errors.New("unknown model")

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID          string `json:"id" yaml:"id"`
	Provider    string `json:"provider" yaml:"provider"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Registry tracks the models a process may route completions to and
// which one is currently selected. Safe for concurrent use: the
// transport layer reads it from the dispatcher goroutine while runs
// read the current selection from their own goroutines.
type Registry struct {
	mu      sync.RWMutex
	models  []ModelInfo
	current string
}

// NewRegistry creates a registry. The first model is the initial
// selection; defaultID overrides that when non-empty.
func NewRegistry(models []ModelInfo, defaultID string) (*Registry, error) {
	if len(models) == 0 {
		return nil, errors.New("llm: registry needs at least one model")
	}

	r := &Registry{
		models:  make([]ModelInfo, len(models)),
		current: models[0].ID,
	}
	copy(r.models, models)

	if defaultID != "" {
		if _, ok := r.lookup(defaultID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, defaultID)
		}
		r.current = defaultID
	}

	return r, nil
}

// List returns all registered models.
func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelInfo, len(r.models))
	copy(out, r.models)
	return out
}

// Current returns the selected model.
func (r *Registry) Current() ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, _ := r.lookup(r.current)
	return info
}

// Set selects a model by id. Returns ErrUnknownModel for ids not in
// the registry; the previous selection is kept.
func (r *Registry) Set(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	r.current = id
	return nil
}

// lookup finds a model by id. Callers hold the lock.
func (r *Registry) lookup(id string) (ModelInfo, bool) {
	for _, m := range r.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// WithModelRouting wraps a client so requests that do not name a model
// use the registry's current selection at call time. model.set therefore
// takes effect for runs started afterwards without rebuilding clients.
func WithModelRouting(client Client, registry *Registry) Client {
	return &routedClient{inner: client, registry: registry}
}

// WithModelOverride wraps a client pinning every request without an
// explicit model to the given id, used for per-run model selection.
func WithModelOverride(client Client, model string) Client {
	return &routedClient{inner: client, override: model}
}

type routedClient struct {
	inner    Client
	registry *Registry
	override string
}

func (c *routedClient) route(req CompletionRequest) CompletionRequest {
	if req.Model != "" {
		return req
	}
	if c.override != "" {
		req.Model = c.override
	} else if c.registry != nil {
		req.Model = c.registry.Current().ID
	}
	return req
}

// Complete implements Client.
func (c *routedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return c.inner.Complete(ctx, c.route(req))
}

// Stream implements Client.
func (c *routedClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return c.inner.Stream(ctx, c.route(req))
}
