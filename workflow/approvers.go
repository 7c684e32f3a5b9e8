package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/process-engine/types"
)

// IdentityDirectory is the identity/org collaborator approvers resolve against.
type IdentityDirectory interface {
	UsersInRole(ctx context.Context, role string) ([]string, error)
	ManagerOf(ctx context.Context, userID string) (string, error)
	QueueMembers(ctx context.Context, queue string) ([]string, error)
}

// ResolveInput is what an approver strategy can see.
type ResolveInput struct {
	Record      map[string]interface{}
	SubmittedBy string
}

// ApproverStrategy resolves one approver spec type to user ids.
type ApproverStrategy interface {
	Resolve(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error)
}

// ApproverStrategyFunc adapts a function to ApproverStrategy.
type ApproverStrategyFunc func(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error)

func (f ApproverStrategyFunc) Resolve(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
	return f(ctx, spec, in)
}

// ApproverResolver dispatches each spec to the strategy for its type.
type ApproverResolver struct {
	strategies map[types.ApproverType]ApproverStrategy
}

// NewApproverResolver wires the default strategy for every approver type.
func NewApproverResolver(dir IdentityDirectory) *ApproverResolver {
	return &ApproverResolver{strategies: map[types.ApproverType]ApproverStrategy{
		types.ApproverUser: ApproverStrategyFunc(func(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
			return []string{spec.Value}, nil
		}),
		types.ApproverRole: ApproverStrategyFunc(func(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
			return dir.UsersInRole(ctx, spec.Value)
		}),
		types.ApproverQueue: ApproverStrategyFunc(func(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
			return dir.QueueMembers(ctx, spec.Value)
		}),
		types.ApproverManager: ApproverStrategyFunc(func(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
			if in.SubmittedBy == "" {
				return nil, types.NewValidationError("submittedBy", "manager approver needs a submitter")
			}
			m, err := dir.ManagerOf(ctx, in.SubmittedBy)
			if err != nil {
				return nil, err
			}
			return []string{m}, nil
		}),
		types.ApproverField: ApproverStrategyFunc(fieldApprovers),
	}}
}

// Use replaces the strategy for one approver type.
func (r *ApproverResolver) Use(t types.ApproverType, s ApproverStrategy) {
	r.strategies[t] = s
}

// Resolve returns the deduplicated approver ids of specs, in spec order.
func (r *ApproverResolver) Resolve(ctx context.Context, specs []types.ApproverSpec, in ResolveInput) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range specs {
		s, ok := r.strategies[spec.Type]
		if !ok {
			return nil, types.NewValidationError("approvers", "no strategy for approver type %q", spec.Type)
		}
		ids, err := s.Resolve(ctx, spec, in)
		if err != nil {
			return nil, fmt.Errorf("resolve %s approver %q: %w", spec.Type, spec.Value, err)
		}
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	if len(out) == 0 {
		return nil, types.NewValidationError("approvers", "no approvers resolved")
	}
	return out, nil
}

// fieldApprovers reads user ids from a record field holding a string or a list.
func fieldApprovers(ctx context.Context, spec types.ApproverSpec, in ResolveInput) ([]string, error) {
	switch v := in.Record[spec.Value].(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, types.NewValidationError(spec.Value, "field does not hold user ids")
}

// MemoryDirectory is a static IdentityDirectory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	roles    map[string][]string
	managers map[string]string
	queues   map[string][]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		roles:    make(map[string][]string),
		managers: make(map[string]string),
		queues:   make(map[string][]string),
	}
}

func (d *MemoryDirectory) SetRole(role string, users ...string) *MemoryDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = users
	return d
}

func (d *MemoryDirectory) SetManager(user, manager string) *MemoryDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.managers[user] = manager
	return d
}

func (d *MemoryDirectory) SetQueue(queue string, users ...string) *MemoryDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[queue] = users
	return d
}

func (d *MemoryDirectory) UsersInRole(ctx context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.roles[role]...), nil
}

func (d *MemoryDirectory) ManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.managers[userID]
	if !ok {
		return "", types.NotFoundf("manager of %s", userID)
	}
	return m, nil
}

func (d *MemoryDirectory) QueueMembers(ctx context.Context, queue string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.queues[queue]...), nil
}
