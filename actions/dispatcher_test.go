package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

type flakyConnector struct {
	mu       sync.Mutex
	failures int
	calls    int
	lastID   string
}

func (c *flakyConnector) Execute(ctx context.Context, connectorID, actionID string, input map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastID = connectorID + "." + actionID
	if c.calls <= c.failures {
		return nil, errors.New("connector unavailable")
	}
	return map[string]interface{}{"ok": true}, nil
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *MemoryRecordStore) {
	records := NewMemoryRecordStore()
	records.Put("Opportunity", "opp-1", map[string]interface{}{"amount": 1000, "discount": 10})
	base := []Option{WithRecordStore(records), WithLogger(zaptest.NewLogger(t)), WithRetry(0, time.Millisecond)}
	return NewDispatcher(rules.NewExprEvaluator(0), append(base, opts...)...), records
}

func target(records *MemoryRecordStore) Target {
	rec, _ := records.GetRecord(context.Background(), "Opportunity", "opp-1")
	return Target{InstanceID: 7, Object: "Opportunity", RecordID: "opp-1", Record: rec}
}

func TestDispatcher_FieldUpdateFormula(t *testing.T) {
	d, records := newTestDispatcher(t)

	res, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionFieldUpdate, Name: "stage", Config: map[string]interface{}{"field": "stage", "value": "Approved"}},
		{Type: types.ActionFieldUpdate, Name: "net", Config: map[string]interface{}{
			"fields": map[string]interface{}{"net": "=amount * (100 - discount) / 100"},
		}},
	}, target(records))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, "Approved", res.Updated["stage"])

	rec, err := records.GetRecord(context.Background(), "Opportunity", "opp-1")
	require.NoError(t, err)
	assert.Equal(t, "Approved", rec["stage"])
	assert.EqualValues(t, 900, rec["net"])
}

func TestDispatcher_ContinueOnError(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	d, records := newTestDispatcher(t, WithNotifier(notifier))

	batch := []types.Action{
		{Type: types.ActionEmailAlert, Name: "alert", ContinueOnError: true, Config: map[string]interface{}{"recipients": []interface{}{"u1"}}},
		{Type: types.ActionFieldUpdate, Name: "stage", Config: map[string]interface{}{"field": "stage", "value": "Closed"}},
	}
	res, err := d.Run(context.Background(), batch, target(records))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "alert", res.Skipped[0].Action)

	batch[0].ContinueOnError = false
	res, err = d.Run(context.Background(), batch, target(records))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrActionExecution)
	var aerr *types.ActionError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 0, aerr.Index)
	assert.Equal(t, types.ActionEmailAlert, aerr.Type)
	assert.Equal(t, 0, res.Executed)
}

func TestDispatcher_ConnectorRetry(t *testing.T) {
	conn := &flakyConnector{failures: 2}
	d, records := newTestDispatcher(t, WithConnectorRuntime(conn), WithRetry(2, time.Millisecond))

	_, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionConnectorAction, Name: "sync", ConnectorID: "erp", ActionID: "push"},
	}, target(records))
	require.NoError(t, err)
	assert.Equal(t, 3, conn.calls)
	assert.Equal(t, "erp.push", conn.lastID)

	conn = &flakyConnector{failures: 5}
	d, _ = newTestDispatcher(t, WithConnectorRuntime(conn))
	_, err = d.Run(context.Background(), []types.Action{
		{Type: types.ActionConnectorAction, Name: "sync", ConnectorID: "erp", ActionID: "push", MaxRetries: 1},
	}, target(records))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 1 retries")
	assert.Equal(t, 2, conn.calls)
}

func TestDispatcher_ValidationNotRetried(t *testing.T) {
	conn := &flakyConnector{}
	d, records := newTestDispatcher(t, WithConnectorRuntime(conn), WithRetry(3, time.Millisecond))

	_, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionConnectorAction, Name: "missing-ids"},
	}, target(records))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 0, conn.calls)

	_, err = d.Run(context.Background(), []types.Action{{Type: "teleport", Name: "x"}}, target(records))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDispatcher_Script(t *testing.T) {
	d, records := newTestDispatcher(t)

	res, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionScript, Name: "flag", Config: map[string]interface{}{
			"expression": `amount > 500 ? {"tier": "gold"} : {}`,
		}},
	}, target(records))
	require.NoError(t, err)
	assert.Equal(t, "gold", res.Updated["tier"])

	rec, _ := records.GetRecord(context.Background(), "Opportunity", "opp-1")
	assert.Equal(t, "gold", rec["tier"])
}

func TestDispatcher_EmailAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	d, records := newTestDispatcher(t, WithNotifier(notifier))

	_, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionEmailAlert, Name: "alert", Config: map[string]interface{}{
			"recipients": []interface{}{"u1", "u2"}, "template": "approved",
		}},
	}, target(records))
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, []string{"u1", "u2"}, notifier.sent[0].Recipients)
	assert.Equal(t, uint64(7), notifier.sent[0].Data["instanceId"])
}

func TestDispatcher_MissingCollaborator(t *testing.T) {
	d := NewDispatcher(rules.NewExprEvaluator(0))
	_, err := d.Run(context.Background(), []types.Action{
		{Type: types.ActionWebhook, Name: "hook", Config: map[string]interface{}{"url": "http://example.invalid"}},
	}, Target{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrActionExecution)
}

func TestDispatcher_Descriptor(t *testing.T) {
	d := NewDispatcher(rules.NewExprEvaluator(0))
	desc := d.Descriptor()
	assert.Equal(t, []types.NodeType{types.NodeAction}, desc.NodeTypes)
	assert.True(t, desc.SupportsRetry)
	assert.False(t, desc.SupportsPause)
}
