package wait

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
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// recordingSink keeps a flow context per execution, like an engine would.
type recordingSink struct {
	mu        sync.Mutex
	contexts  map[string]map[string]interface{}
	resumed   []types.WaitResumePayload
	timeouts  []types.WaitCheckpoint
	cancelled []types.WaitCheckpoint
	env       map[string]interface{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{contexts: map[string]map[string]interface{}{}, env: map[string]interface{}{}}
}

func (s *recordingSink) OnResumed(ctx context.Context, cp types.WaitCheckpoint, p types.WaitResumePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.contexts[cp.ExecutionID]
	if c == nil {
		c = map[string]interface{}{}
		s.contexts[cp.ExecutionID] = c
	}
	for k, v := range p.Variables {
		c[k] = v
	}
	s.resumed = append(s.resumed, p)
	return nil
}

func (s *recordingSink) OnTimeout(ctx context.Context, cp types.WaitCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(s.timeouts, cp)
	return nil
}

func (s *recordingSink) OnCancelled(ctx context.Context, cp types.WaitCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, cp)
	return nil
}

func (s *recordingSink) ConditionEnv(ctx context.Context, cp types.WaitCheckpoint) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interface{}{}
	for k, v := range s.env {
		out[k] = v
	}
	return out, nil
}

func (s *recordingSink) setEnv(k string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[k] = v
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, cfg types.WaitExecutorConfig) (*Executor, *recordingSink, *fakeClock, *storage.MemoryStorage) {
	clock := &fakeClock{t: t0}
	store := storage.NewMemoryStorage()
	e := NewExecutor(cfg, store, rules.NewExprEvaluator(0), WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))
	sink := newRecordingSink()
	e.SetSink(sink)
	return e, sink, clock, store
}

func TestCreateCheckpoint(t *testing.T) {
	e, _, _, _ := newTestExecutor(t, types.WaitExecutorConfig{DefaultTimeout: time.Hour, MaxPausedExecutions: 2})
	ctx := context.Background()

	cp, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{EventType: types.WaitSignal, SignalName: "docs"})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, types.CheckpointWaiting, cp.Status)
	assert.Equal(t, t0.Add(time.Hour), cp.TimeoutAt)
	assert.Equal(t, types.TimeoutFail, cp.TimeoutBehavior)

	cp, err = e.CreateCheckpoint(ctx, "2", "step-0", types.WaitConfig{EventType: types.WaitWebhook, TimeoutMs: 5000, TimeoutBehavior: types.TimeoutContinue})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Second), cp.TimeoutAt)
	assert.Equal(t, types.TimeoutContinue, cp.TimeoutBehavior)

	t.Run("one outstanding checkpoint per execution", func(t *testing.T) {
		_, err := e.CreateCheckpoint(ctx, "1", "step-1", types.WaitConfig{EventType: types.WaitManual})
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("capacity", func(t *testing.T) {
		_, err := e.CreateCheckpoint(ctx, "3", "step-0", types.WaitConfig{EventType: types.WaitManual})
		assert.ErrorIs(t, err, types.ErrCapacityExceeded)
	})

	t.Run("invalid configs", func(t *testing.T) {
		for _, wc := range []types.WaitConfig{
			{EventType: "carrier-pigeon"},
			{EventType: types.WaitTimer},
			{EventType: types.WaitCondition},
			{EventType: types.WaitManual, TimeoutBehavior: "shrug"},
			{EventType: types.WaitManual, TimeoutMs: -1},
		} {
			_, err := e.CreateCheckpoint(ctx, "9", "n", wc)
			assert.ErrorIs(t, err, types.ErrValidation, "%+v", wc)
		}
		_, err := e.CreateCheckpoint(ctx, "", "n", types.WaitConfig{EventType: types.WaitManual})
		assert.ErrorIs(t, err, types.ErrValidation)
	})
}

func TestResume_ExactlyOnce(t *testing.T) {
	e, sink, _, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	ctx := context.Background()

	cp, err := e.CreateCheckpoint(ctx, "42", "step-1", types.WaitConfig{EventType: types.WaitManual})
	require.NoError(t, err)

	resolved, err := e.Resume(ctx, types.WaitResumePayload{
		ExecutionID: "42", CheckpointID: cp.ID, NodeID: "step-1", EventType: types.WaitManual,
		ResumedBy: "u1", Variables: map[string]interface{}{"approved_amount": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CheckpointResumed, resolved.Status)
	assert.Equal(t, map[string]interface{}{"approved_amount": 500}, sink.contexts["42"])
	require.NotNil(t, resolved.Resumption)
	assert.Equal(t, "u1", resolved.Resumption.ResumedBy)
	assert.Equal(t, cp.ID, resolved.Resumption.CheckpointID)

	_, err = e.Resume(ctx, types.WaitResumePayload{
		ExecutionID: "42", CheckpointID: cp.ID, NodeID: "step-1", EventType: types.WaitManual,
		Variables: map[string]interface{}{"approved_amount": 1},
	})
	assert.ErrorIs(t, err, types.ErrAlreadyResumed)
	assert.Equal(t, map[string]interface{}{"approved_amount": 500}, sink.contexts["42"])
	assert.Len(t, sink.resumed, 1)

	stored, err := e.store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, stored.Resumption.Variables["approved_amount"])
}

func TestResume_Validation(t *testing.T) {
	e, sink, _, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	ctx := context.Background()
	cp, err := e.CreateCheckpoint(ctx, "7", "step-0", types.WaitConfig{EventType: types.WaitSignal, SignalName: "contract_signed"})
	require.NoError(t, err)

	cases := []types.WaitResumePayload{
		{ExecutionID: "8", CheckpointID: cp.ID, NodeID: "step-0"},
		{ExecutionID: "7", CheckpointID: cp.ID, NodeID: "step-1"},
		{ExecutionID: "7", CheckpointID: cp.ID, NodeID: "step-0", EventType: types.WaitWebhook},
		{ExecutionID: "7", CheckpointID: cp.ID, NodeID: "step-0", SignalName: "other"},
	}
	for _, p := range cases {
		_, err := e.Resume(ctx, p)
		assert.ErrorIs(t, err, types.ErrValidation, "%+v", p)
	}

	_, err = e.Resume(ctx, types.WaitResumePayload{ExecutionID: "7", CheckpointID: "missing", NodeID: "step-0"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = e.Resume(ctx, types.WaitResumePayload{ExecutionID: "99", NodeID: "step-0"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, sink.resumed)

	// lookup by execution when the checkpoint id is not known
	_, err = e.Resume(ctx, types.WaitResumePayload{ExecutionID: "7", NodeID: "step-0", SignalName: "contract_signed"})
	require.NoError(t, err)
	require.Len(t, sink.resumed, 1)
	assert.Equal(t, cp.ID, sink.resumed[0].CheckpointID)
	assert.Equal(t, types.WaitSignal, sink.resumed[0].EventType)
}

func TestResume_ConcurrentCallersRace(t *testing.T) {
	e, sink, _, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	ctx := context.Background()
	cp, err := e.CreateCheckpoint(ctx, "5", "step-0", types.WaitConfig{EventType: types.WaitWebhook})
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Resume(ctx, types.WaitResumePayload{ExecutionID: "5", CheckpointID: cp.ID, NodeID: "step-0"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, lost int
	for err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, types.ErrAlreadyResumed) {
			lost++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, lost)
	assert.Len(t, sink.resumed, 1)
}

func TestPoll_TimeoutFiresOnce(t *testing.T) {
	e, sink, clock, store := newTestExecutor(t, types.WaitExecutorConfig{DefaultTimeout: time.Hour})
	ctx := context.Background()
	cp, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{EventType: types.WaitManual})
	require.NoError(t, err)

	res, err := e.Poll(ctx, clock.Advance(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PollResult{Waiting: 1}, res)
	assert.Empty(t, sink.timeouts)

	now := clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		_, err := e.Poll(ctx, now)
		require.NoError(t, err)
	}
	require.Len(t, sink.timeouts, 1)
	assert.Equal(t, types.TimeoutFail, sink.timeouts[0].TimeoutBehavior)

	stored, err := store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CheckpointExpired, stored.Status)

	_, err = e.Resume(ctx, types.WaitResumePayload{ExecutionID: "1", CheckpointID: cp.ID, NodeID: "step-0"})
	assert.ErrorIs(t, err, types.ErrAlreadyExpired)
}

func TestPoll_ConcurrentPollersExpireOnce(t *testing.T) {
	e, sink, clock, _ := newTestExecutor(t, types.WaitExecutorConfig{DefaultTimeout: time.Minute})
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		_, err := e.CreateCheckpoint(ctx, id, "step-0", types.WaitConfig{EventType: types.WaitManual})
		require.NoError(t, err)
	}
	now := clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Poll(ctx, now)
		}()
	}
	wg.Wait()
	assert.Len(t, sink.timeouts, 3)
}

func TestPoll_Timer(t *testing.T) {
	e, sink, clock, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	ctx := context.Background()
	_, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{EventType: types.WaitTimer, DurationMs: 60_000})
	require.NoError(t, err)

	res, err := e.Poll(ctx, clock.Advance(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Resumed)

	res, err = e.Poll(ctx, clock.Advance(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)
	require.Len(t, sink.resumed, 1)
	assert.Equal(t, types.WaitTimer, sink.resumed[0].EventType)
	assert.Equal(t, "timer", sink.resumed[0].ResumedBy)
}

func TestPoll_Condition(t *testing.T) {
	e, sink, clock, store := newTestExecutor(t, types.WaitExecutorConfig{ConditionPollInterval: time.Minute})
	ctx := context.Background()
	cp, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{EventType: types.WaitCondition, Condition: "stage == 'Signed'"})
	require.NoError(t, err)

	// not yet due
	res, err := e.Poll(ctx, clock.Advance(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Polled)

	res, err = e.Poll(ctx, clock.Advance(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 0, res.Resumed)
	stored, err := store.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PollCount)
	assert.Equal(t, clock.Now().Add(time.Minute), *stored.NextPollAt)

	sink.setEnv("stage", "Signed")
	res, err = e.Poll(ctx, clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)
	require.Len(t, sink.resumed, 1)
	assert.Equal(t, types.WaitCondition, sink.resumed[0].EventType)
}

func TestPoll_ConditionMaxPolls(t *testing.T) {
	e, sink, clock, _ := newTestExecutor(t, types.WaitExecutorConfig{ConditionPollInterval: time.Minute, ConditionMaxPolls: 2})
	ctx := context.Background()
	_, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{
		EventType: types.WaitCondition, Condition: "false", TimeoutBehavior: types.TimeoutContinue,
	})
	require.NoError(t, err)

	_, err = e.Poll(ctx, clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, sink.timeouts)

	res, err := e.Poll(ctx, clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	require.Len(t, sink.timeouts, 1)
	assert.Equal(t, types.TimeoutContinue, sink.timeouts[0].TimeoutBehavior)
}

func TestCancel(t *testing.T) {
	e, sink, _, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	ctx := context.Background()
	cp, err := e.CreateCheckpoint(ctx, "1", "step-0", types.WaitConfig{EventType: types.WaitWebhook})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, "1"))
	require.Len(t, sink.cancelled, 1)
	assert.Equal(t, cp.ID, sink.cancelled[0].ID)

	_, err = e.Resume(ctx, types.WaitResumePayload{ExecutionID: "1", CheckpointID: cp.ID, NodeID: "step-0"})
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, e.Cancel(ctx, "1"), types.ErrNotFound)

	// a new checkpoint can be created once the old one is gone
	_, err = e.CreateCheckpoint(ctx, "1", "step-1", types.WaitConfig{EventType: types.WaitManual})
	assert.NoError(t, err)
}

func TestWebhookPathAndDescriptor(t *testing.T) {
	e, _, _, _ := newTestExecutor(t, types.WaitExecutorConfig{})
	assert.Equal(t, "/api/v1/automation/resume/42/step-0", e.WebhookPath("42", "step-0"))

	e2 := NewExecutor(types.WaitExecutorConfig{WebhookURLPattern: "/hooks/{nodeId}/{executionId}"}, storage.NewMemoryStorage(), nil)
	assert.Equal(t, "/hooks/a%20b/7", e2.WebhookPath("7", "a b"))

	d := e.Descriptor()
	assert.True(t, d.SupportsPause)
	assert.True(t, d.SupportsCancellation)
	assert.Equal(t, []types.NodeType{types.NodeWait}, d.NodeTypes)
}

func TestNoSink(t *testing.T) {
	e := NewExecutor(types.WaitExecutorConfig{}, storage.NewMemoryStorage(), rules.NewExprEvaluator(0))
	cp, err := e.CreateCheckpoint(context.Background(), "1", "n", types.WaitConfig{EventType: types.WaitManual})
	require.NoError(t, err)
	_, err = e.Resume(context.Background(), types.WaitResumePayload{ExecutionID: "1", CheckpointID: cp.ID, NodeID: "n"})
	assert.Error(t, err)
}
