// Package registry maps (pack, agent) pairs to builders of runnable agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/agentjobs/pkg/agent"
)

// ErrUnknownAgent is returned by Resolve for an unregistered pair.
var ErrUnknownAgent = errors.New("unknown agent")

// Runnable is one agent instance bound to a tenant.
type Runnable interface {
	Run(ctx context.Context, input map[string]any) (any, error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context, input map[string]any) (any, error)

// Run calls f.
func (f RunnableFunc) Run(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// Enqueuer schedules follow-up work on the durable task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// BuildContext is what a builder receives to construct a tenant-bound runnable.
type BuildContext struct {
	TenantID  string
	Queue     Enqueuer
	Publisher agent.Publisher
}

// Builder constructs a runnable for one job.
type Builder func(bc BuildContext) (Runnable, error)

// AgentRegistry resolves and registers agent builders.
type AgentRegistry interface {
	Resolve(pack, agent string) (Builder, error)
	Register(pack, agent string, builder Builder) error
}

// Registry is the in-memory AgentRegistry. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]map[string]Builder
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{builders: make(map[string]map[string]Builder)}
}

// Register adds a builder. Registering an existing pair is an error.
func (r *Registry) Register(pack, name string, builder Builder) error {
	pack, name = strings.TrimSpace(pack), strings.TrimSpace(name)
	if pack == "" || name == "" {
		return fmt.Errorf("pack and agent names are required")
	}
	if builder == nil {
		return fmt.Errorf("builder is required for %s/%s", pack, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agents, ok := r.builders[pack]
	if !ok {
		agents = make(map[string]Builder)
		r.builders[pack] = agents
	}
	if _, exists := agents[name]; exists {
		return fmt.Errorf("agent %s/%s already registered", pack, name)
	}
	agents[name] = builder
	return nil
}

// Resolve returns the builder for (pack, agent).
func (r *Registry) Resolve(pack, name string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if builder, ok := r.builders[pack][name]; ok {
		return builder, nil
	}
	return nil, fmt.Errorf("%w %s/%s", ErrUnknownAgent, pack, name)
}

// List returns registered agent names per pack, sorted.
func (r *Registry) List() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.builders))
	for pack, agents := range r.builders {
		names := make([]string, 0, len(agents))
		for name := range agents {
			names = append(names, name)
		}
		sort.Strings(names)
		out[pack] = names
	}
	return out
}

// Packs returns the registered pack names, sorted.
func (r *Registry) Packs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	packs := make([]string, 0, len(r.builders))
	for pack := range r.builders {
		packs = append(packs, pack)
	}
	sort.Strings(packs)
	return packs
}
