// Package engine holds the registry of workflow/activity handlers and the
// Engine value bundling it with the storage/bus adapters. Dispatching
// workflows and publishing signals is done through pkg/client, and
// execution through pkg/worker's Pool. The
// registration vocabulary (RegisterWorkflow/RegisterActivity, a
// WorkflowDefinition binding a name to a handler) mirrors a Temporal-style
// engine abstraction, but execution itself is a single replay-context tick
// rather than a persistent goroutine per workflow run.
package engine

import (
	"context"
	"fmt"

	"github.com/coreflow/workflow/pkg/bus"
	"github.com/coreflow/workflow/pkg/replay"
	"github.com/coreflow/workflow/pkg/storage"
)

// WorkflowFunc is the user-supplied handler for a workflow. It runs once
// per worker tick against a replay.Context that already contains the
// workflow's full history; calling a replay primitive either replays a
// past result or executes a new side effect and records it. The returned
// HandlerOutcome tells the worker pool whether the workflow is done,
// should suspend, or failed.
type WorkflowFunc func(ctx context.Context, rc *replay.Context, input []byte) replay.HandlerOutcome

// ActivityFunc is the user-supplied handler for a named activity, invoked
// by replay.Context.Activity the first time a given location executes.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// WorkflowDefinition binds a logical workflow name to its handler.
type WorkflowDefinition struct {
	Name    string
	Handler WorkflowFunc
}

// ActivityDefinition binds a logical activity name to its handler.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
}

// Registry holds the workflow and activity handlers a worker pool
// dispatches against. It is not safe for concurrent registration and
// lookup; register everything during startup before calling
// worker.Pool.Run.
type Registry struct {
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
}

// RegisterWorkflow registers def.Handler under def.Name. Returns an error
// if the name is already registered.
func (r *Registry) RegisterWorkflow(def WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	r.workflows[def.Name] = def.Handler
	return nil
}

// RegisterActivity registers def.Handler under def.Name. Returns an error
// if the name is already registered.
func (r *Registry) RegisterActivity(def ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("activity name is required")
	}
	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	r.activities[def.Name] = def.Handler
	return nil
}

// Workflow looks up a registered workflow handler by name.
func (r *Registry) Workflow(name string) (WorkflowFunc, bool) {
	fn, ok := r.workflows[name]
	return fn, ok
}

// Activity looks up a registered activity handler by name.
func (r *Registry) Activity(name string) (ActivityFunc, bool) {
	fn, ok := r.activities[name]
	return fn, ok
}

// WorkflowNames returns the registered workflow names, used by the worker
// pool to build the name filter it passes to storage.Adapter.PullWorkflows.
func (r *Registry) WorkflowNames() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Engine bundles a Registry with the storage and bus adapters a worker
// pool and client need. It has no behavior of its own beyond construction;
// pkg/worker.Pool and pkg/client.Client each take the pieces they need.
type Engine struct {
	Registry *Registry
	Storage  storage.Adapter
	Bus      bus.PubSub
}

// New constructs an Engine from its three collaborators.
func New(registry *Registry, adapter storage.Adapter, pubsub bus.PubSub) *Engine {
	return &Engine{Registry: registry, Storage: adapter, Bus: pubsub}
}
