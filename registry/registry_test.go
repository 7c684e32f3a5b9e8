package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

type fakeWait struct {
	desc      types.NodeExecutorDescriptor
	cancelled []string
}

func (f *fakeWait) Descriptor() types.NodeExecutorDescriptor { return f.desc }

func (f *fakeWait) CreateCheckpoint(ctx context.Context, executionID, nodeID string, cfg types.WaitConfig) (types.WaitCheckpoint, error) {
	return types.WaitCheckpoint{ID: "cp", ExecutionID: executionID, NodeID: nodeID, EventType: cfg.EventType}, nil
}

func (f *fakeWait) Cancel(ctx context.Context, executionID string) error {
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type plain struct{ desc types.NodeExecutorDescriptor }

func (p plain) Descriptor() types.NodeExecutorDescriptor { return p.desc }

func waitDescriptor() types.NodeExecutorDescriptor {
	return types.NodeExecutorDescriptor{
		ID: "wait", NodeTypes: []types.NodeType{types.NodeWait}, Version: "1.0.0",
		SupportsPause: true, SupportsCancellation: true,
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	w := &fakeWait{desc: waitDescriptor()}
	d := actions.NewDispatcher(rules.NewExprEvaluator(0))
	r.MustRegister(w, d)

	e, err := r.Lookup(types.NodeWait)
	require.NoError(t, err)
	assert.Equal(t, "wait", e.Descriptor().ID)

	p, err := r.Pauser(types.NodeWait)
	require.NoError(t, err)
	cp, err := p.CreateCheckpoint(context.Background(), "42", "step-0", types.WaitConfig{EventType: types.WaitSignal})
	require.NoError(t, err)
	assert.Equal(t, "step-0", cp.NodeID)

	c, err := r.Canceller(types.NodeWait)
	require.NoError(t, err)
	require.NoError(t, c.Cancel(context.Background(), "42"))
	assert.Equal(t, []string{"42"}, w.cancelled)

	runner, err := r.ActionRunner()
	require.NoError(t, err)
	assert.Equal(t, "action", runner.Descriptor().ID)

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "action", descs[0].ID)
	assert.Equal(t, "wait", descs[1].ID)
}

func TestRegistry_Errors(t *testing.T) {
	r := New()

	_, err := r.Lookup(types.NodeApproval)
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "x"}})
	assert.ErrorIs(t, err, types.ErrValidation)

	// claims pause without implementing it
	err = r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "bad", NodeTypes: []types.NodeType{types.NodeWait}, SupportsPause: true}})
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "approval", NodeTypes: []types.NodeType{types.NodeApproval}}}))
	err = r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "approval2", NodeTypes: []types.NodeType{types.NodeApproval}}})
	assert.ErrorIs(t, err, types.ErrValidation)
	err = r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "approval", NodeTypes: []types.NodeType{types.NodeAction}}})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = r.Pauser(types.NodeApproval)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = r.Canceller(types.NodeApproval)
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, r.Register(plain{desc: types.NodeExecutorDescriptor{ID: "fake-action", NodeTypes: []types.NodeType{types.NodeAction}}}))
	_, err = r.ActionRunner()
	assert.Error(t, err)

	assert.Panics(t, func() { New().MustRegister(plain{}) })
}
