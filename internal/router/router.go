// Package router implements the routing table: label → upstream model
// resolution, with hot reload and copy-on-write concurrency.
package router

import (
	"fmt"
	"sync"
)

// ModelConfig is one routing table entry: a label plus the upstream
// model parameters the label resolves to.
type ModelConfig struct {
	Label             string
	Model             string // litellm_params.model, the upstream model name
	APIBase           string
	APIKey            string
	CustomLLMProvider string
}

// Loader fetches the full model list from the config source (in
// cmd/ccproxy, the models list of ccproxy.yaml). Table calls it once at
// construction and again on every ReloadModels.
type Loader func() ([]ModelConfig, error)

// Table is the label → ModelConfig routing table. Reads take the read
// lock; ReloadModels swaps the whole map under the write lock so readers
// never observe a partial mix of old and new entries.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelConfig
	load   Loader

	defaultPassthrough bool
}

// New builds a Table, performing the initial load.
func New(load Loader, defaultPassthrough bool) (*Table, error) {
	t := &Table{load: load, defaultPassthrough: defaultPassthrough}
	if err := t.ReloadModels(); err != nil {
		return nil, err
	}
	return t, nil
}

// GetModelForLabel returns the resolved model config for a label, or
// false if no entry exists.
func (t *Table) GetModelForLabel(label string) (ModelConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cfg, ok := t.models[label]
	return cfg, ok
}

// HasDefault reports whether the table has a "default" entry.
func (t *Table) HasDefault() bool {
	_, ok := t.GetModelForLabel("default")
	return ok
}

// DefaultPassthroughEnabled reports whether requests classified as
// "default" pass through with the client's requested model; model_router
// does so even when a "default" entry exists.
func (t *Table) DefaultPassthroughEnabled() bool {
	return t.defaultPassthrough
}

// ReloadModels refetches the full list from the Loader and atomically
// replaces the internal map. Built off-lock, swapped under the write
// lock, so concurrent readers see either the old map or the new one.
func (t *Table) ReloadModels() error {
	list, err := t.load()
	if err != nil {
		return fmt.Errorf("loading routing table: %w", err)
	}
	fresh := make(map[string]ModelConfig, len(list))
	for _, cfg := range list {
		fresh[cfg.Label] = cfg
	}
	t.mu.Lock()
	t.models = fresh
	t.mu.Unlock()
	return nil
}

// RoutingError is raised when a label cannot be resolved and no
// passthrough fallback applies.
type RoutingError struct {
	Label string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no model configured for label %q, no default entry, and passthrough disabled", e.Label)
}
