package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/registry"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/wait"
)

// Standard error definitions
var (
	ErrNotPending   = fmt.Errorf("%w: instance is not pending", types.ErrValidation)
	ErrNotApprover  = fmt.Errorf("%w: user is not an approver of the current step", types.ErrValidation)
	ErrAlreadyVoted = fmt.Errorf("%w: approver already voted on this step", types.ErrValidation)
	ErrStepWaiting  = fmt.Errorf("%w: step is waiting on an external event", types.ErrValidation)

	errNoChange = errors.New("no change")
)

const (
	// maxConflictRetries bounds re-reads after a lost versioned write.
	maxConflictRetries = 5

	// ApprovalExecutorID is the registry id of the engine itself.
	ApprovalExecutorID = "approval"

	// EscalationApprover is the approver id of votes injected by auto_approve escalation.
	EscalationApprover = "system:escalation"
)

// SubmitRequest starts an instance of ProcessName for a record.
type SubmitRequest struct {
	ProcessName string
	RecordID    string
	// Record is loaded from the RecordStore when nil.
	Record      map[string]interface{}
	SubmittedBy string
	Variables   map[string]interface{}
}

// VoteRequest is one approver response.
type VoteRequest struct {
	InstanceID uint64
	StepIndex  int
	ApproverID string
	Decision   types.Decision
	Comment    string
}

// Engine runs approval process instances. Every state change of an instance
// goes through one versioned write; side effects run after it commits.
type Engine struct {
	store     storage.Storage
	defs      *DefinitionStore
	registry  *registry.Registry
	evaluator rules.Evaluator
	approvers *ApproverResolver
	generate  generator.Generator
	records   actions.RecordStore
	locker    RecordLocker
	notifier  actions.Notifier
	bus       *events.EventBus
	logger    *zap.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	keys      keyedMutex

	// reconcileGrace is how long a waiting instance may lack a checkpoint.
	reconcileGrace time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }
func WithEventBus(b *events.EventBus) Option { return func(e *Engine) { e.bus = b } }
func WithRecordStore(s actions.RecordStore) Option { return func(e *Engine) { e.records = s } }
func WithRecordLocker(l RecordLocker) Option { return func(e *Engine) { e.locker = l } }
func WithNotifier(n actions.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithDirectory resolves approvers against dir with the default strategies.
func WithDirectory(dir IdentityDirectory) Option {
	return func(e *Engine) { e.approvers = NewApproverResolver(dir) }
}

// WithApproverResolver replaces the approver resolver.
func WithApproverResolver(r *ApproverResolver) Option {
	return func(e *Engine) { e.approvers = r }
}

// WithReconcileGrace sets how long Reconcile leaves a waiting instance
// without a checkpoint before creating one. The default is a minute.
func WithReconcileGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reconcileGrace = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine. The registry must hold the action executor
// and, for steps with waits, a pausing wait executor. A wait executor that
// accepts a sink is bound to the engine.
func NewEngine(generate generator.Generator, store storage.Storage, defs *DefinitionStore, reg *registry.Registry, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if defs == nil {
		defs = NewDefinitionStore(store, 0)
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator(0)
	}
	e := &Engine{
		store:     store,
		defs:      defs,
		registry:  reg,
		evaluator: evaluator,
		generate:  generate,
		logger:    zap.NewNop(),
		now:       time.Now,

		reconcileGrace: time.Minute,
	}
	for _, o := range opts {
		o(e)
	}
	if e.approvers == nil {
		e.approvers = NewApproverResolver(NewMemoryDirectory())
	}
	if e.locker == nil {
		e.locker = storage.NewMemoryLocker()
	}
	if e.notifier == nil {
		e.notifier = actions.NewLogNotifier(e.logger)
	}
	if _, err := reg.Lookup(types.NodeApproval); err != nil {
		if err := reg.Register(e); err != nil {
			return nil, err
		}
	}
	if p, err := reg.Pauser(types.NodeWait); err == nil {
		if s, ok := p.(interface{ SetSink(wait.Sink) }); ok {
			s.SetSink(e)
		}
	}
	return e, nil
}

// Descriptor advertises the engine as the executor of approval nodes.
func (e *Engine) Descriptor() types.NodeExecutorDescriptor {
	return types.NodeExecutorDescriptor{
		ID:        ApprovalExecutorID,
		NodeTypes: []types.NodeType{types.NodeApproval},
		Version:   "1.0.0",
	}
}

// Definitions returns the definition store the engine reads from.
func (e *Engine) Definitions() *DefinitionStore {
	return e.defs
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// Status returns the structured state of an instance.
func (e *Engine) Status(ctx context.Context, id uint64) (types.StatusView, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return types.StatusView{}, err
	}
	view := types.StatusView{InstanceID: inst.ID, Status: inst.Status, CurrentStep: inst.CurrentStep}
	if f := inst.Failure; f != nil {
		step := f.Step
		view.FailedStep = &step
		view.FailedAction = f.Action
		view.Message = f.Message
	}
	return view, nil
}

// Submit creates a pending instance on the first step whose entry criteria
// hold. If no step applies the instance is approved immediately.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (types.ProcessInstance, error) {
	if req.RecordID == "" {
		return types.ProcessInstance{}, types.NewValidationError("recordId", "record id is required")
	}
	def, err := e.defs.Get(ctx, req.ProcessName)
	if err != nil {
		return types.ProcessInstance{}, err
	}
	record := req.Record
	if record == nil {
		if e.records == nil {
			return types.ProcessInstance{}, types.NewValidationError("record", "no record given and no record store configured")
		}
		if record, err = e.records.GetRecord(ctx, def.Object, req.RecordID); err != nil {
			return types.ProcessInstance{}, err
		}
	}
	if def.EntryCriteria != "" {
		ok, err := e.evaluator.Evaluate(def.EntryCriteria, rules.Env(record, nil, req.Variables))
		if err != nil {
			return types.ProcessInstance{}, fmt.Errorf("process %q entry criteria: %w", def.Name, err)
		}
		if !ok {
			return types.ProcessInstance{}, types.NewValidationError("entryCriteria", "record %s does not meet the entry criteria of %q", req.RecordID, def.Name)
		}
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.ProcessInstance{}, fmt.Errorf("generate instance id: %w", err)
	}
	now := e.now()
	inst := types.ProcessInstance{
		ID:          id,
		ProcessName: def.Name,
		Object:      def.Object,
		RecordID:    req.RecordID,
		SubmittedBy: req.SubmittedBy,
		Status:      types.StatusPending,
		Context:     copyMap(req.Variables),
		Record:      copyMap(record),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if def.LockRecord {
		if err := e.locker.Lock(ctx, def.Object, req.RecordID, inst.ExecutionID()); err != nil {
			return types.ProcessInstance{}, err
		}
		inst.RecordLocked = true
	}
	locked := inst.RecordLocked
	release := func() {
		if locked {
			if err := e.locker.Unlock(ctx, def.Object, req.RecordID, inst.ExecutionID()); err != nil {
				e.logger.Warn("record unlock failed", zap.Uint64("instance", id), zap.Error(err))
			}
		}
	}

	fx := &effects{}
	fx.run(0, def.OnSubmit)
	fx.emit(eventOf(events.InstanceSubmitted, &inst, map[string]interface{}{"submittedBy": req.SubmittedBy}))
	if err := e.enterStep(ctx, &inst, def, 0, true, fx); err != nil {
		release()
		return types.ProcessInstance{}, err
	}
	if err := e.store.CreateInstance(ctx, &inst); err != nil {
		release()
		return types.ProcessInstance{}, err
	}
	e.metrics.InstanceSubmitted(def.Name)
	e.logger.Info("instance submitted",
		zap.Uint64("instance", id),
		zap.String("process", def.Name),
		zap.String("record", req.RecordID),
		zap.Int("step", inst.CurrentStep))
	return e.apply(ctx, inst, fx)
}

// Vote records an approver response. Votes for a step that already
// concluded are kept in the history as late votes and change nothing else.
func (e *Engine) Vote(ctx context.Context, req VoteRequest) (types.ProcessInstance, error) {
	switch req.Decision {
	case types.DecisionApprove, types.DecisionReject:
	default:
		return types.ProcessInstance{}, types.NewValidationError("decision", "unknown decision %q", req.Decision)
	}
	if req.ApproverID == "" {
		return types.ProcessInstance{}, types.NewValidationError("approverId", "approver id is required")
	}

	late := false
	inst, fx, err := e.mutate(ctx, req.InstanceID, func(inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
		if req.StepIndex < 0 || req.StepIndex >= len(def.Steps) {
			return types.NewValidationError("stepIndex", "step %d does not exist", req.StepIndex)
		}
		vote := types.Vote{
			StepIndex:  req.StepIndex,
			ApproverID: req.ApproverID,
			Decision:   req.Decision,
			Comment:    req.Comment,
			At:         e.now(),
		}
		if inst.Status.IsTerminal() || req.StepIndex != inst.CurrentStep {
			if err := e.checkLateVoter(ctx, inst, def, req); err != nil {
				return err
			}
			late = true
			vote.Late = true
			inst.History = append(inst.History, vote)
			fx.emit(eventOf(events.LateVoteRecorded, inst, map[string]interface{}{"approver": req.ApproverID, "stepIndex": req.StepIndex}))
			return nil
		}
		if inst.AwaitingNode != "" {
			return ErrStepWaiting
		}
		if !contains(inst.Approvers, req.ApproverID) {
			return fmt.Errorf("%w: %s", ErrNotApprover, req.ApproverID)
		}
		for _, v := range inst.Votes {
			if v.ApproverID == req.ApproverID {
				return ErrAlreadyVoted
			}
		}
		inst.Votes = append(inst.Votes, vote)
		inst.History = append(inst.History, vote)
		fx.emit(eventOf(events.VoteRecorded, inst, map[string]interface{}{"approver": req.ApproverID, "decision": string(req.Decision)}))
		return e.tally(ctx, inst, def, fx)
	})
	if err != nil {
		return inst, err
	}
	e.metrics.Vote(string(req.Decision), late)
	if late {
		e.logger.Info("late vote recorded",
			zap.Uint64("instance", req.InstanceID),
			zap.Int("step", req.StepIndex),
			zap.String("approver", req.ApproverID))
	}
	return e.apply(ctx, inst, fx)
}

// checkLateVoter admits one late vote per approver of the concluded step.
// Approvers are those assigned when the step is current, those who already
// voted on it, or those its approver specs resolve to.
func (e *Engine) checkLateVoter(ctx context.Context, inst *types.ProcessInstance, def types.ProcessDefinition, req VoteRequest) error {
	voted := false
	for _, v := range inst.History {
		if v.StepIndex != req.StepIndex || v.ApproverID != req.ApproverID {
			continue
		}
		if v.Late {
			return ErrAlreadyVoted
		}
		voted = true
	}
	if voted || (req.StepIndex == inst.CurrentStep && contains(inst.Approvers, req.ApproverID)) {
		return nil
	}
	ids, err := e.approvers.Resolve(ctx, def.Steps[req.StepIndex].Approvers, ResolveInput{Record: inst.Record, SubmittedBy: inst.SubmittedBy})
	if err == nil && contains(ids, req.ApproverID) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotApprover, req.ApproverID)
}

// tally concludes the current step if its votes decide it.
func (e *Engine) tally(ctx context.Context, inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
	step := def.Steps[inst.CurrentStep]
	approved := make(map[string]bool)
	for _, v := range inst.Votes {
		if v.Decision == types.DecisionReject {
			return e.rejectStep(ctx, inst, def, fx)
		}
		approved[v.ApproverID] = true
	}
	if step.Behavior == types.BehaviorUnanimous {
		for _, a := range inst.Approvers {
			if !approved[a] {
				return nil
			}
		}
	} else if len(approved) == 0 {
		return nil
	}
	return e.approveStep(ctx, inst, def, fx)
}

// Recall withdraws a pending instance.
func (e *Engine) Recall(ctx context.Context, id uint64, by string) (types.ProcessInstance, error) {
	inst, fx, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
		if inst.Status != types.StatusPending {
			return fmt.Errorf("%w: instance %d is %s", ErrNotPending, inst.ID, inst.Status)
		}
		e.finish(inst, types.StatusRecalled, fx)
		fx.run(inst.CurrentStep, def.OnRecall)
		fx.emit(eventOf(events.InstanceFinished, inst, map[string]interface{}{"status": string(types.StatusRecalled), "recalledBy": by}))
		return nil
	})
	if err != nil {
		return inst, err
	}
	e.logger.Info("instance recalled", zap.Uint64("instance", id), zap.String("by", by))
	return e.apply(ctx, inst, fx)
}

// Escalate applies the escalation action of an overdue pending step. It is
// level-triggered: the escalation marker is written with the decision, so
// each step window escalates at most once. It reports whether it acted.
func (e *Engine) Escalate(ctx context.Context, id uint64, now time.Time) (bool, error) {
	var action types.EscalationAction
	inst, fx, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
		esc := def.Escalation
		if inst.Status != types.StatusPending || esc == nil || !esc.Enabled || esc.Timeout() <= 0 {
			return errNoChange
		}
		if inst.AwaitingNode != "" || inst.EscalatedAt != nil || now.Sub(inst.StepEnteredAt) < esc.Timeout() {
			return errNoChange
		}
		at := now
		inst.EscalatedAt = &at
		action = esc.EffectiveAction()
		fx.emit(eventOf(events.StepEscalated, inst, map[string]interface{}{"action": string(action)}))

		switch action {
		case types.EscalationReassign:
			prior := inst.Approvers
			inst.Approvers = dedupe(esc.EscalateTo)
			inst.Votes = nil
			e.logger.Info("step reassigned",
				zap.Uint64("instance", inst.ID),
				zap.Int("step", inst.CurrentStep),
				zap.Strings("from", prior),
				zap.Strings("to", inst.Approvers))
			fx.notify = append(fx.notify, escalationNotice(inst, def, inst.Approvers))
		case types.EscalationAutoApprove:
			vote := types.Vote{
				StepIndex:  inst.CurrentStep,
				ApproverID: EscalationApprover,
				Decision:   types.DecisionApprove,
				Comment:    "approved by escalation",
				At:         now,
				Synthetic:  true,
			}
			inst.Votes = append(inst.Votes, vote)
			inst.History = append(inst.History, vote)
			return e.approveStep(ctx, inst, def, fx)
		default:
			recipients := inst.Approvers
			if esc.ShouldNotifySubmitter() && inst.SubmittedBy != "" {
				recipients = dedupe(append(append([]string(nil), recipients...), inst.SubmittedBy))
			}
			fx.notify = append(fx.notify, escalationNotice(inst, def, recipients))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if fx == nil {
		return false, nil
	}
	e.metrics.Escalation(string(action))
	e.logger.Info("step escalated",
		zap.Uint64("instance", id),
		zap.Int("step", inst.CurrentStep),
		zap.String("action", string(action)))
	_, err = e.apply(ctx, inst, fx)
	return true, err
}

// CancelWait aborts the wait the current step is paused on. The instance fails.
func (e *Engine) CancelWait(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return inst, err
	}
	if inst.Status != types.StatusPending || inst.AwaitingNode == "" {
		return inst, types.NewValidationError("awaitingNode", "instance %d is not waiting", id)
	}
	c, err := e.registry.Canceller(types.NodeWait)
	if err != nil {
		return inst, err
	}
	if err := c.Cancel(ctx, inst.ExecutionID()); err != nil {
		return inst, err
	}
	return e.store.GetInstance(ctx, id)
}

// enterStep moves inst to the first step from idx whose entry criteria hold.
// With checkCriteria false the step at idx is entered unconditionally.
func (e *Engine) enterStep(ctx context.Context, inst *types.ProcessInstance, def types.ProcessDefinition, idx int, checkCriteria bool, fx *effects) error {
	for i := idx; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if (checkCriteria || i != idx) && step.EntryCriteria != "" {
			ok, err := e.evaluator.Evaluate(step.EntryCriteria, rules.Env(inst.Record, nil, inst.Context))
			if err != nil {
				return fmt.Errorf("step %d entry criteria: %w", i, err)
			}
			if !ok {
				e.logger.Debug("step skipped", zap.Uint64("instance", inst.ID), zap.Int("step", i))
				continue
			}
		}
		approvers, err := e.approvers.Resolve(ctx, step.Approvers, ResolveInput{Record: inst.Record, SubmittedBy: inst.SubmittedBy})
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		inst.CurrentStep = i
		inst.Approvers = approvers
		inst.Votes = nil
		inst.StepEnteredAt = e.now()
		inst.EscalatedAt = nil
		inst.AwaitingNode = ""
		inst.CheckpointID = ""
		fx.pause = nil
		if step.Wait != nil {
			inst.AwaitingNode = waitNodeID(i)
			fx.pause = &pause{step: i, nodeID: inst.AwaitingNode, cfg: *step.Wait}
		}
		fx.emit(eventOf(events.StepEntered, inst, map[string]interface{}{"approvers": approvers}))
		return nil
	}
	e.finish(inst, types.StatusApproved, fx)
	fx.run(inst.CurrentStep, def.OnFinalApprove)
	fx.emit(eventOf(events.InstanceFinished, inst, map[string]interface{}{"status": string(types.StatusApproved)}))
	return nil
}

func (e *Engine) approveStep(ctx context.Context, inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
	fx.run(inst.CurrentStep, def.Steps[inst.CurrentStep].OnApprove)
	fx.emit(eventOf(events.StepApproved, inst, nil))
	return e.enterStep(ctx, inst, def, inst.CurrentStep+1, true, fx)
}

// rejectStep applies the rejection behavior of the current step.
func (e *Engine) rejectStep(ctx context.Context, inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
	step := def.Steps[inst.CurrentStep]
	fx.run(inst.CurrentStep, step.OnReject)
	fx.emit(eventOf(events.StepRejected, inst, nil))
	if step.RejectionBehavior == types.BackToPrevious {
		prev := inst.CurrentStep - 1
		if prev < 0 {
			prev = 0
		}
		return e.enterStep(ctx, inst, def, prev, false, fx)
	}
	e.finish(inst, types.StatusRejected, fx)
	fx.run(inst.CurrentStep, def.OnFinalReject)
	fx.emit(eventOf(events.InstanceFinished, inst, map[string]interface{}{"status": string(types.StatusRejected)}))
	return nil
}

// finish moves inst to a terminal status and schedules lock and wait cleanup.
func (e *Engine) finish(inst *types.ProcessInstance, status types.InstanceStatus, fx *effects) {
	now := e.now()
	inst.Status = status
	inst.CompletedAt = &now
	if inst.RecordLocked {
		inst.RecordLocked = false
		fx.unlock = true
	}
	if inst.AwaitingNode != "" {
		inst.AwaitingNode = ""
		inst.CheckpointID = ""
		fx.cancelWait = true
	}
	fx.pause = nil
	fx.finished = true
}

// mutate applies fn to the latest stored instance and commits the result
// with a versioned write, re-reading on conflict. fn returning errNoChange
// skips the write; the returned effects are then nil.
func (e *Engine) mutate(ctx context.Context, id uint64, fn func(inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error) (types.ProcessInstance, *effects, error) {
	unlock := e.keys.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		cur, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return types.ProcessInstance{}, nil, err
		}
		def, err := e.defs.Get(ctx, cur.ProcessName)
		if err != nil {
			return cur, nil, err
		}
		inst := cur.Clone()
		fx := &effects{}
		if err := fn(&inst, def, fx); err != nil {
			if errors.Is(err, errNoChange) {
				return cur, nil, nil
			}
			return cur, nil, err
		}
		inst.UpdatedAt = e.now()
		err = e.store.UpdateInstance(ctx, &inst)
		if err == nil {
			return inst, fx, nil
		}
		if !errors.Is(err, types.ErrVersionConflict) || attempt >= maxConflictRetries {
			return cur, nil, err
		}
		e.metrics.VersionConflict()
		e.logger.Debug("instance write conflict, retrying", zap.Uint64("instance", id), zap.Int("attempt", attempt+1))
	}
}

// apply runs the side effects of a committed transition.
func (e *Engine) apply(ctx context.Context, inst types.ProcessInstance, fx *effects) (types.ProcessInstance, error) {
	if fx == nil {
		return inst, nil
	}
	updated := map[string]interface{}{}
	if inst.Record == nil {
		inst.Record = map[string]interface{}{}
	}
	for _, b := range fx.batches {
		res, err := e.runBatch(ctx, inst, b)
		for k, v := range res.Updated {
			inst.Record[k] = v
			updated[k] = v
		}
		if err != nil {
			e.mergeRecord(ctx, inst.ID, updated)
			return e.fail(ctx, inst, b.step, err, fx)
		}
	}
	e.mergeRecord(ctx, inst.ID, updated)
	e.settle(ctx, inst, fx)
	if fx.pause != nil {
		return e.pause(ctx, inst, fx.pause)
	}
	return inst, nil
}

func (e *Engine) runBatch(ctx context.Context, inst types.ProcessInstance, b batch) (actions.Result, error) {
	runner, err := e.registry.ActionRunner()
	if err != nil {
		return actions.Result{}, err
	}
	res, err := runner.Run(ctx, b.actions, actions.Target{
		InstanceID: inst.ID,
		Object:     inst.Object,
		RecordID:   inst.RecordID,
		Record:     copyMap(inst.Record),
		Vars:       inst.Context,
		UserID:     inst.SubmittedBy,
	})
	if err == nil {
		fields := []zap.Field{zap.Uint64("instance", inst.ID), zap.Int("executed", res.Executed)}
		if len(res.Skipped) > 0 {
			fields = append(fields, zap.Int("skipped", len(res.Skipped)))
		}
		e.logger.Debug("action batch ran", fields...)
	}
	data := map[string]interface{}{"step": b.step, "executed": res.Executed, "skipped": len(res.Skipped)}
	if err != nil {
		data["error"] = err.Error()
	}
	e.publish(ctx, []events.Event{eventOf(events.ActionBatchRan, &inst, data)})
	return res, err
}

// mergeRecord folds fields written by actions into the instance snapshot.
func (e *Engine) mergeRecord(ctx context.Context, id uint64, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	_, _, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, _ types.ProcessDefinition, _ *effects) error {
		if inst.Record == nil {
			inst.Record = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			inst.Record[k] = v
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("record snapshot update failed", zap.Uint64("instance", id), zap.Error(err))
	}
}

// fail moves an instance to failed after an action or wait error. Cleanup
// owed by the transition that scheduled the failing work still happens.
func (e *Engine) fail(ctx context.Context, inst types.ProcessInstance, step int, cause error, owed *effects) (types.ProcessInstance, error) {
	failure := &types.Failure{Step: step, Message: cause.Error()}
	var aerr *types.ActionError
	if errors.As(cause, &aerr) {
		failure.Action = aerr.Action
	}
	failed, fx, err := e.mutate(ctx, inst.ID, func(cur *types.ProcessInstance, _ types.ProcessDefinition, fx *effects) error {
		if cur.Status == types.StatusFailed {
			return errNoChange
		}
		e.finish(cur, types.StatusFailed, fx)
		cur.Failure = failure
		fx.emit(eventOf(events.InstanceFailed, cur, map[string]interface{}{"failedStep": step, "failedAction": failure.Action, "message": failure.Message}))
		return nil
	})
	if err != nil {
		e.logger.Error("recording instance failure failed", zap.Uint64("instance", inst.ID), zap.Error(err))
		return inst, cause
	}
	if fx == nil {
		fx = &effects{}
	}
	if owed != nil {
		fx.unlock = fx.unlock || owed.unlock
		fx.cancelWait = fx.cancelWait || owed.cancelWait
		fx.events = append(owed.events, fx.events...)
	}
	e.logger.Warn("instance failed",
		zap.Uint64("instance", inst.ID),
		zap.Int("step", step),
		zap.String("action", failure.Action),
		zap.Error(cause))
	e.settle(ctx, failed, fx)
	return failed, cause
}

// settle performs lock, wait, notification and event effects.
func (e *Engine) settle(ctx context.Context, inst types.ProcessInstance, fx *effects) {
	if fx.unlock {
		if err := e.locker.Unlock(ctx, inst.Object, inst.RecordID, inst.ExecutionID()); err != nil {
			e.logger.Warn("record unlock failed", zap.Uint64("instance", inst.ID), zap.Error(err))
		}
	}
	if fx.cancelWait {
		if c, err := e.registry.Canceller(types.NodeWait); err == nil {
			err = c.Cancel(ctx, inst.ExecutionID())
			if err != nil && !errors.Is(err, types.ErrNotFound) && !isRace(err) {
				e.logger.Warn("cancelling wait failed", zap.Uint64("instance", inst.ID), zap.Error(err))
			}
		}
	}
	for _, n := range fx.notify {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notification failed", zap.Uint64("instance", inst.ID), zap.Strings("recipients", n.Recipients), zap.Error(err))
		}
	}
	if fx.finished {
		e.metrics.InstanceFinished(inst.ProcessName, string(inst.Status))
	}
	e.publish(ctx, fx.events)
}

// pause creates the checkpoint of the step inst just entered.
func (e *Engine) pause(ctx context.Context, inst types.ProcessInstance, p *pause) (types.ProcessInstance, error) {
	cp, err := e.checkpointFor(ctx, inst.ExecutionID(), p.nodeID, p.cfg)
	if err != nil {
		return e.fail(ctx, inst, p.step, fmt.Errorf("pause on %s: %w", p.nodeID, err), nil)
	}
	paused, _, err := e.attach(ctx, inst.ID, cp)
	if err != nil {
		return inst, err
	}
	return paused, nil
}

// checkpointFor creates the checkpoint of nodeID, adopting the outstanding
// one of the execution if an earlier attempt already created it.
func (e *Engine) checkpointFor(ctx context.Context, executionID, nodeID string, cfg types.WaitConfig) (types.WaitCheckpoint, error) {
	pauser, err := e.registry.Pauser(types.NodeWait)
	if err != nil {
		return types.WaitCheckpoint{}, err
	}
	cp, err := pauser.CreateCheckpoint(ctx, executionID, nodeID, cfg)
	if err == nil || !errors.Is(err, storage.ErrCheckpointExists) {
		return cp, err
	}
	existing, ferr := e.store.FindWaitingCheckpoint(ctx, executionID)
	if ferr != nil || existing.NodeID != nodeID {
		return cp, err
	}
	return existing, nil
}

// attach records cp as the checkpoint the instance waits on and reports
// whether the instance changed. A checkpoint created for an instance that
// finished meanwhile is cancelled.
func (e *Engine) attach(ctx context.Context, id uint64, cp types.WaitCheckpoint) (types.ProcessInstance, bool, error) {
	orphaned := false
	inst, fx, err := e.mutate(ctx, id, func(cur *types.ProcessInstance, _ types.ProcessDefinition, fx *effects) error {
		if cur.Status.IsTerminal() {
			orphaned = true
			return errNoChange
		}
		if cur.AwaitingNode != cp.NodeID || cur.CheckpointID == cp.ID {
			return errNoChange
		}
		cur.CheckpointID = cp.ID
		fx.emit(eventOf(events.CheckpointCreated, cur, map[string]interface{}{"checkpointId": cp.ID, "nodeId": cp.NodeID, "eventType": string(cp.EventType)}))
		return nil
	})
	if err != nil {
		return inst, false, err
	}
	if orphaned {
		e.settle(ctx, inst, &effects{cancelWait: true})
	}
	if fx == nil {
		return inst, false, nil
	}
	e.publish(ctx, fx.events)
	return inst, true, nil
}

func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	if e.bus == nil {
		return
	}
	for _, ev := range evs {
		if err := e.bus.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.logger.Debug("event not published", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	}
}

type batch struct {
	step    int
	actions []types.Action
}

type pause struct {
	step   int
	nodeID string
	cfg    types.WaitConfig
}

// effects collects the work a transition owes once it is committed.
type effects struct {
	batches    []batch
	unlock     bool
	cancelWait bool
	finished   bool
	pause      *pause
	notify     []actions.Notification
	events     []events.Event
}

func (fx *effects) run(step int, list []types.Action) {
	if len(list) > 0 {
		fx.batches = append(fx.batches, batch{step: step, actions: list})
	}
}

func (fx *effects) emit(ev events.Event) {
	fx.events = append(fx.events, ev)
}

func eventOf(t events.EventType, inst *types.ProcessInstance, data map[string]interface{}) events.Event {
	return events.Event{Type: t, InstanceID: inst.ID, ProcessName: inst.ProcessName, Step: inst.CurrentStep, Data: data}
}

func escalationNotice(inst *types.ProcessInstance, def types.ProcessDefinition, to []string) actions.Notification {
	return actions.Notification{
		Template:   "approval_escalation",
		Recipients: to,
		Subject:    fmt.Sprintf("Approval overdue: %s step %q", def.Name, def.Steps[inst.CurrentStep].Name),
		Data: map[string]interface{}{
			"instanceId": inst.ID,
			"recordId":   inst.RecordID,
			"step":       inst.CurrentStep,
		},
	}
}

func waitNodeID(step int) string {
	return fmt.Sprintf("step-%d", step)
}

func isRace(err error) bool {
	return errors.Is(err, types.ErrAlreadyResumed) ||
		errors.Is(err, types.ErrAlreadyExpired) ||
		errors.Is(err, types.ErrCancelled)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != "" && !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
