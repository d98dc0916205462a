package runbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request carries everything the framework hands an engine. Parameters are
// opaque to the framework; each engine owns validation against its own
// declared schema. The dry-run flag is passed through uninterpreted and
// engines must honor it themselves.
type Request struct {
	ExecutionID string                 `json:"execution_id"`
	Runbook     string                 `json:"runbook"`
	Parameters  map[string]interface{} `json:"parameters"`
	DryRun      bool                   `json:"dry_run"`
	Actor       string                 `json:"actor"`
}

// Result is the outcome an engine reports on success.
type Result struct {
	// Output is the opaque structured result stored on the ledger.
	Output map[string]interface{} `json:"output,omitempty"`

	// ItemsFound is how many candidate items the engine inspected.
	ItemsFound int `json:"items_found"`

	// ItemsActioned is how many items the engine acted on. Zero under a
	// honored dry run.
	ItemsActioned int `json:"items_actioned"`
}

// Engine carries out a runbook's remediation logic. Implementations own
// their idempotence; the framework does not guarantee exactly-once
// delivery of side effects.
type Engine interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req Request) (*Result, error)

// Run implements Engine.
func (f EngineFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps runbook names to their engine implementations. It is
// constructed explicitly and injected at startup so tests can substitute
// fakes; there is no hidden global state.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// Register binds an engine to a runbook name. Registering the same name
// twice is a programming error and fails.
func (r *Registry) Register(name string, engine Engine) error {
	if name == "" {
		return fmt.Errorf("engine name is required")
	}
	if engine == nil {
		return fmt.Errorf("engine for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("engine already registered for runbook %q", name)
	}

	r.engines[name] = engine
	return nil
}

// Resolve returns the engine for a runbook name.
func (r *Registry) Resolve(name string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	return engine, ok
}

// Names returns the registered runbook names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
