package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/types"
)

// Executor is a flow-node executor.
type Executor interface {
	Descriptor() types.NodeExecutorDescriptor
}

// Pauser is implemented by executors that suspend execution on a checkpoint.
type Pauser interface {
	Executor
	CreateCheckpoint(ctx context.Context, executionID, nodeID string, cfg types.WaitConfig) (types.WaitCheckpoint, error)
}

// Canceller is implemented by executors that can abort a suspended execution.
type Canceller interface {
	Executor
	Cancel(ctx context.Context, executionID string) error
}

// ActionRunner is implemented by the action node executor.
type ActionRunner interface {
	Executor
	Run(ctx context.Context, batch []types.Action, target actions.Target) (actions.Result, error)
}

// Registry maps node types to executors. It is built explicitly at startup
// and passed to the engine; there is no package-level default.
type Registry struct {
	mu     sync.RWMutex
	byType map[types.NodeType]Executor
	byID   map[string]Executor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byType: make(map[types.NodeType]Executor),
		byID:   make(map[string]Executor),
	}
}

// Register adds an executor for every node type its descriptor lists.
// A descriptor must declare capabilities the executor actually implements.
func (r *Registry) Register(e Executor) error {
	d := e.Descriptor()
	if d.ID == "" || len(d.NodeTypes) == 0 {
		return types.NewValidationError("descriptor", "executor needs an id and at least one node type")
	}
	if _, ok := e.(Pauser); d.SupportsPause && !ok {
		return types.NewValidationError("supportsPause", "executor %s cannot create checkpoints", d.ID)
	}
	if _, ok := e.(Canceller); d.SupportsCancellation && !ok {
		return types.NewValidationError("supportsCancellation", "executor %s cannot cancel", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return types.NewValidationError("id", "executor %s already registered", d.ID)
	}
	for _, t := range d.NodeTypes {
		if prev, ok := r.byType[t]; ok {
			return types.NewValidationError("nodeTypes", "node type %s already handled by %s", t, prev.Descriptor().ID)
		}
	}
	r.byID[d.ID] = e
	for _, t := range d.NodeTypes {
		r.byType[t] = e
	}
	return nil
}

// MustRegister is Register that panics, for startup wiring.
func (r *Registry) MustRegister(executors ...Executor) *Registry {
	for _, e := range executors {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(t types.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	if !ok {
		return nil, types.NotFoundf("executor for node type %s", t)
	}
	return e, nil
}

// Pauser returns the executor for t if it supports pausing.
func (r *Registry) Pauser(t types.NodeType) (Pauser, error) {
	e, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	p, ok := e.(Pauser)
	if !ok || !e.Descriptor().SupportsPause {
		return nil, types.NewValidationError("nodeType", "executor for %s does not support pause", t)
	}
	return p, nil
}

// Canceller returns the executor for t if it supports cancellation.
func (r *Registry) Canceller(t types.NodeType) (Canceller, error) {
	e, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	c, ok := e.(Canceller)
	if !ok || !e.Descriptor().SupportsCancellation {
		return nil, types.NewValidationError("nodeType", "executor for %s does not support cancellation", t)
	}
	return c, nil
}

// ActionRunner returns the action node executor.
func (r *Registry) ActionRunner() (ActionRunner, error) {
	e, err := r.Lookup(types.NodeAction)
	if err != nil {
		return nil, err
	}
	a, ok := e.(ActionRunner)
	if !ok {
		return nil, fmt.Errorf("executor %s registered for %s cannot run actions", e.Descriptor().ID, types.NodeAction)
	}
	return a, nil
}

// Descriptors lists registered executors ordered by id.
func (r *Registry) Descriptors() []types.NodeExecutorDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeExecutorDescriptor, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
