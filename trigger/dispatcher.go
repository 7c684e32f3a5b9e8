package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/util"
	"github.com/songzhibin97/process-engine/workflow"
)

// DefaultMaxDepth caps reevaluateOnChange chains.
const DefaultMaxDepth = 5

// Submitter starts process instances; workflow.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (types.ProcessInstance, error)
}

// Definitions lists published processes and rules; workflow.DefinitionStore implements it.
type Definitions interface {
	List(ctx context.Context) ([]types.ProcessDefinition, error)
	Rules(ctx context.Context) ([]types.WorkflowRule, error)
}

// ActionRunner runs rule action batches; actions.Dispatcher implements it.
type ActionRunner interface {
	Run(ctx context.Context, batch []types.Action, target actions.Target) (actions.Result, error)
}

// ScheduleState persists when scheduled rules last ran; storage.Storage implements it.
type ScheduleState interface {
	RuleLastRun(ctx context.Context, name string) (time.Time, bool, error)
	SetRuleLastRun(ctx context.Context, name string, t time.Time) error
}

// RecordLister enumerates the records of an object for scheduled rules.
type RecordLister interface {
	ListRecords(ctx context.Context, object string) (map[string]map[string]interface{}, error)
}

// Result reports what a record event caused.
type Result struct {
	Submitted []uint64
	RulesRun  []string
	// Depth is the deepest reevaluation reached.
	Depth int
}

// Dispatcher turns record events and schedule ticks into process
// submissions and rule action batches.
type Dispatcher struct {
	defs      Definitions
	submitter Submitter
	runner    ActionRunner
	evaluator rules.Evaluator
	state     ScheduleState
	lister    RecordLister
	maxDepth  int
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRecordLister lets scheduled rules with an object run per record.
func WithRecordLister(l RecordLister) Option {
	return func(d *Dispatcher) { d.lister = l }
}

// WithMaxDepth caps reevaluateOnChange chains. Values below 1 keep the default.
func WithMaxDepth(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxDepth = n
		}
	}
}

// WithInterval sets the schedule tick interval of Run. Default one minute.
func WithInterval(iv time.Duration) Option {
	return func(d *Dispatcher) { d.interval = iv }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(defs Definitions, submitter Submitter, runner ActionRunner, evaluator rules.Evaluator, state ScheduleState, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		defs:      defs,
		submitter: submitter,
		runner:    runner,
		evaluator: evaluator,
		state:     state,
		maxDepth:  DefaultMaxDepth,
		interval:  time.Minute,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnRecordEvent submits every process whose triggerOn matches the event and
// runs every matching active rule. Field updates made by rules marked
// reevaluateOnChange are fed back as updated events, up to the depth cap.
func (d *Dispatcher) OnRecordEvent(ctx context.Context, ev types.RecordEvent) (Result, error) {
	d.metrics.Trigger("record", string(ev.Kind))
	var res Result
	var errs []error

	defs, err := d.defs.List(ctx)
	if err != nil {
		return res, err
	}
	for _, def := range defs {
		if def.Object != ev.Object || !hasKind(def.TriggerOn, ev.Kind) {
			continue
		}
		inst, err := d.submitter.Submit(ctx, workflow.SubmitRequest{
			ProcessName: def.Name,
			RecordID:    ev.RecordID,
			Record:      ev.Record,
			SubmittedBy: ev.UserID,
		})
		if err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) && verr.Field == "entryCriteria" {
				d.logger.Debug("record does not enter process", zap.String("process", def.Name), zap.String("record", ev.RecordID))
				continue
			}
			errs = append(errs, fmt.Errorf("submit %q: %w", def.Name, err))
			continue
		}
		res.Submitted = append(res.Submitted, inst.ID)
	}

	ruleList, err := d.defs.Rules(ctx)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	if err := d.evaluateRules(ctx, ruleList, ev, 0, &res); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (d *Dispatcher) evaluateRules(ctx context.Context, ruleList []types.WorkflowRule, ev types.RecordEvent, depth int, res *Result) error {
	if depth > res.Depth {
		res.Depth = depth
	}
	record := copyRecord(ev.Record)
	changed := map[string]interface{}{}
	var errs []error

	for _, rule := range ruleList {
		if !rule.Active || rule.Object != ev.Object || !hasKind(rule.TriggerOn, ev.Kind) {
			continue
		}
		if rule.EntryCriteria != "" {
			ok, err := d.evaluator.Evaluate(rule.EntryCriteria, rules.Env(record, ev.Prior, nil))
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q criteria: %w", rule.Name, err))
				continue
			}
			if !ok {
				continue
			}
		}
		out, err := d.runner.Run(ctx, rule.Actions, actions.Target{
			Object:   ev.Object,
			RecordID: ev.RecordID,
			Record:   copyRecord(record),
			Prior:    ev.Prior,
			UserID:   ev.UserID,
		})
		res.RulesRun = append(res.RulesRun, rule.Name)
		for k, v := range out.Updated {
			record[k] = v
			if rule.ReevaluateOnChange {
				changed[k] = v
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
		}
	}

	if len(changed) > 0 {
		if depth+1 > d.maxDepth {
			d.logger.Warn("rule reevaluation depth reached",
				zap.String("object", ev.Object),
				zap.String("record", ev.RecordID),
				zap.Int("depth", depth))
		} else {
			next := types.RecordEvent{
				Kind:     types.RecordUpdated,
				Object:   ev.Object,
				RecordID: ev.RecordID,
				Record:   record,
				Prior:    copyRecord(ev.Record),
				UserID:   ev.UserID,
			}
			if err := d.evaluateRules(ctx, ruleList, next, depth+1, res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// OnScheduleTick runs every active scheduled rule with a fire time since
// its last run. A rule seen for the first time is armed, not run.
func (d *Dispatcher) OnScheduleTick(ctx context.Context, now time.Time) ([]string, error) {
	d.metrics.Pass("schedule")
	ruleList, err := d.defs.Rules(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ruleList, func(i, j int) bool { return ruleList[i].Name < ruleList[j].Name })

	var ran []string
	var errs []error
	for _, rule := range ruleList {
		if !rule.Active || rule.Schedule == "" {
			continue
		}
		sched, err := rules.ParseSchedule(rule.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
			continue
		}
		last, ok, err := d.state.RuleLastRun(ctx, rule.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			if err := d.state.SetRuleLastRun(ctx, rule.Name, now); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if !rules.Due(sched, last, now) {
			continue
		}
		if err := d.state.SetRuleLastRun(ctx, rule.Name, now); err != nil {
			errs = append(errs, err)
			continue
		}
		d.metrics.Trigger("schedule", "tick")
		if err := d.runScheduled(ctx, rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
		}
		ran = append(ran, rule.Name)
	}
	return ran, errors.Join(errs...)
}

// runScheduled runs a rule once, or once per matching record when the rule
// has an object and a record lister is configured.
func (d *Dispatcher) runScheduled(ctx context.Context, rule types.WorkflowRule) error {
	if d.lister == nil || rule.Object == "" {
		_, err := d.runner.Run(ctx, rule.Actions, actions.Target{Object: rule.Object})
		return err
	}
	records, err := d.lister.ListRecords(ctx, rule.Object)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		rec := records[id]
		if rule.EntryCriteria != "" {
			ok, err := d.evaluator.Evaluate(rule.EntryCriteria, rules.Env(rec, nil, nil))
			if err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", id, err))
				continue
			}
			if !ok {
				continue
			}
		}
		if _, err := d.runner.Run(ctx, rule.Actions, actions.Target{Object: rule.Object, RecordID: id, Record: rec}); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run ticks scheduled rules every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	return util.NewTickWorker("schedule", d.interval, func(ctx context.Context, now time.Time) {
		ran, err := d.OnScheduleTick(ctx, now)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("schedule tick failed", zap.Error(err))
		}
		if len(ran) > 0 {
			d.logger.Info("scheduled rules ran", zap.Strings("rules", ran))
		}
	}, d.logger).Run(ctx)
}

func hasKind(kinds []types.RecordEventKind, k types.RecordEventKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func copyRecord(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
