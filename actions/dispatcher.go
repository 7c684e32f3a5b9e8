package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// RecordStore is the record CRUD collaborator.
type RecordStore interface {
	GetRecord(ctx context.Context, object, recordID string) (map[string]interface{}, error)
	UpdateFields(ctx context.Context, object, recordID string, fields map[string]interface{}) error
}

// Notification is an email alert or escalation notice.
type Notification struct {
	Template   string                 `json:"template,omitempty"`
	Recipients []string               `json:"recipients"`
	Subject    string                 `json:"subject,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers notifications. Delivery is fire-and-forget; retries are
// the notifier's concern.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ConnectorRuntime executes connector actions and outbound webhooks.
type ConnectorRuntime interface {
	Execute(ctx context.Context, connectorID, actionID string, input map[string]interface{}) (map[string]interface{}, error)
}

// WebhookCaller performs an outbound webhook action.
type WebhookCaller interface {
	Call(ctx context.Context, req WebhookRequest) (int, error)
}

// Target is the record and flow context an action batch runs against.
type Target struct {
	InstanceID uint64
	Object     string
	RecordID   string
	Record     map[string]interface{}
	Prior      map[string]interface{}
	Vars       map[string]interface{}
	UserID     string
}

func (t Target) env() map[string]interface{} {
	env := rules.Env(t.Record, t.Prior, t.Vars)
	env["recordId"] = t.RecordID
	env["object"] = t.Object
	env["userId"] = t.UserID
	return env
}

// Result summarizes a batch run.
type Result struct {
	Executed int
	// Skipped holds failures of actions marked continueOnError.
	Skipped []*types.ActionError
	// Updated holds every field written to the record by the batch.
	Updated map[string]interface{}
}

// Dispatcher executes ordered action lists.
type Dispatcher struct {
	records    RecordStore
	notifier   Notifier
	connectors ConnectorRuntime
	webhooks   WebhookCaller
	evaluator  rules.ValueEvaluator
	logger     *zap.Logger
	metrics    *metrics.Recorder
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithRecordStore(s RecordStore) Option { return func(d *Dispatcher) { d.records = s } }
func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }
func WithConnectorRuntime(c ConnectorRuntime) Option { return func(d *Dispatcher) { d.connectors = c } }
func WithWebhookCaller(w WebhookCaller) Option { return func(d *Dispatcher) { d.webhooks = w } }
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithMetrics(m *metrics.Recorder) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithRetry sets the default retry policy applied to every action.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxRetries = maxRetries
		d.retryDelay = delay
	}
}

// NewDispatcher creates a Dispatcher. Collaborators left unset make the
// corresponding action types fail.
func NewDispatcher(evaluator rules.ValueEvaluator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		evaluator:  evaluator,
		logger:     zap.NewNop(),
		retryDelay: time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Descriptor advertises the dispatcher as the action node executor.
func (d *Dispatcher) Descriptor() types.NodeExecutorDescriptor {
	return types.NodeExecutorDescriptor{
		ID:            "action",
		NodeTypes:     []types.NodeType{types.NodeAction},
		Version:       "1.0.0",
		SupportsRetry: true,
	}
}

// Run executes batch in order against target. The first failure of an
// action without continueOnError aborts the batch and is returned as a
// *types.ActionError; earlier side effects are not undone.
func (d *Dispatcher) Run(ctx context.Context, batch []types.Action, target Target) (Result, error) {
	res := Result{Updated: map[string]interface{}{}}
	if target.Record == nil {
		target.Record = map[string]interface{}{}
	}
	for i, action := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()
		updated, err := d.executeWithRetry(ctx, action, target)
		d.metrics.Action(string(action.Type), err, time.Since(start))
		if err != nil {
			aerr := &types.ActionError{Action: action.Name, Type: action.Type, Index: i, Err: err}
			if action.ContinueOnError {
				d.logger.Warn("action failed, continuing",
					zap.Uint64("instance", target.InstanceID),
					zap.String("action", action.Name),
					zap.Error(err))
				res.Skipped = append(res.Skipped, aerr)
				continue
			}
			return res, aerr
		}
		res.Executed++
		for k, v := range updated {
			target.Record[k] = v
			res.Updated[k] = v
		}
	}
	return res, nil
}

// executeWithRetry runs one action with the dispatcher or per-action retry policy.
func (d *Dispatcher) executeWithRetry(ctx context.Context, action types.Action, target Target) (map[string]interface{}, error) {
	maxRetries := d.maxRetries
	retryDelay := d.retryDelay
	if action.MaxRetries > 0 {
		maxRetries = action.MaxRetries
	}
	if action.RetryDelaySec > 0 {
		retryDelay = time.Duration(action.RetryDelaySec) * time.Second
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		updated, err := d.execute(ctx, action, target)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, types.ErrValidation) {
			return nil, err
		}
		lastErr = err
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	if maxRetries > 0 {
		return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
	}
	return nil, lastErr
}

func (d *Dispatcher) execute(ctx context.Context, action types.Action, target Target) (map[string]interface{}, error) {
	switch action.Type {
	case types.ActionFieldUpdate:
		return d.fieldUpdate(ctx, action, target)
	case types.ActionEmailAlert:
		return nil, d.emailAlert(ctx, action, target)
	case types.ActionWebhook:
		return nil, d.webhook(ctx, action, target)
	case types.ActionScript:
		return d.script(ctx, action, target)
	case types.ActionConnectorAction:
		return d.connector(ctx, action, target)
	}
	return nil, types.NewValidationError("type", "unknown action type %q", action.Type)
}

// fieldUpdate writes config "fields" (or a single "field"/"value" pair).
// String values starting with "=" are formulas evaluated against the record.
func (d *Dispatcher) fieldUpdate(ctx context.Context, action types.Action, target Target) (map[string]interface{}, error) {
	if d.records == nil {
		return nil, errors.New("no record store configured")
	}
	raw := map[string]interface{}{}
	if fields, ok := action.Config["fields"].(map[string]interface{}); ok {
		for k, v := range fields {
			raw[k] = v
		}
	}
	if field, ok := action.Config["field"].(string); ok && field != "" {
		raw[field] = action.Config["value"]
	}
	if len(raw) == 0 {
		return nil, types.NewValidationError("config.fields", "field_update %q has no fields", action.Name)
	}

	env := target.env()
	fields := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "=") {
			val, err := d.evaluator.Eval(strings.TrimPrefix(s, "="), env)
			if err != nil {
				return nil, fmt.Errorf("formula for %s: %w", k, err)
			}
			v = val
		}
		fields[k] = v
	}
	if err := d.records.UpdateFields(ctx, target.Object, target.RecordID, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (d *Dispatcher) emailAlert(ctx context.Context, action types.Action, target Target) error {
	if d.notifier == nil {
		return errors.New("no notifier configured")
	}
	n := Notification{
		Recipients: stringList(action.Config["recipients"]),
		Data: map[string]interface{}{
			"instanceId": target.InstanceID,
			"object":     target.Object,
			"recordId":   target.RecordID,
		},
	}
	n.Template, _ = action.Config["template"].(string)
	n.Subject, _ = action.Config["subject"].(string)
	n.Body, _ = action.Config["body"].(string)
	if len(n.Recipients) == 0 {
		return types.NewValidationError("config.recipients", "email_alert %q has no recipients", action.Name)
	}
	return d.notifier.Notify(ctx, n)
}

func (d *Dispatcher) webhook(ctx context.Context, action types.Action, target Target) error {
	if d.webhooks == nil {
		return errors.New("no webhook caller configured")
	}
	url, _ := action.Config["url"].(string)
	if url == "" {
		return types.NewValidationError("config.url", "webhook %q has no url", action.Name)
	}
	method, _ := action.Config["method"].(string)
	req := WebhookRequest{
		URL:    url,
		Method: method,
		Body: map[string]interface{}{
			"action":     action.Name,
			"instanceId": target.InstanceID,
			"object":     target.Object,
			"recordId":   target.RecordID,
			"record":     target.Record,
		},
	}
	if headers, ok := action.Config["headers"].(map[string]interface{}); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = fmt.Sprint(v)
		}
	}
	_, err := d.webhooks.Call(ctx, req)
	return err
}

// script evaluates config "expression"; a map result is applied as field updates.
func (d *Dispatcher) script(ctx context.Context, action types.Action, target Target) (map[string]interface{}, error) {
	src, _ := action.Config["expression"].(string)
	if src == "" {
		return nil, types.NewValidationError("config.expression", "script %q has no expression", action.Name)
	}
	out, err := d.evaluator.Eval(src, target.env())
	if err != nil {
		return nil, err
	}
	fields, ok := out.(map[string]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	if d.records == nil {
		return nil, errors.New("script produced field updates but no record store is configured")
	}
	if err := d.records.UpdateFields(ctx, target.Object, target.RecordID, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (d *Dispatcher) connector(ctx context.Context, action types.Action, target Target) (map[string]interface{}, error) {
	if d.connectors == nil {
		return nil, errors.New("no connector runtime configured")
	}
	if action.ConnectorID == "" || action.ActionID == "" {
		return nil, types.NewValidationError("connectorId", "connector_action %q needs connectorId and actionId", action.Name)
	}
	input := make(map[string]interface{}, len(action.Config)+2)
	for k, v := range action.Config {
		input[k] = v
	}
	input["recordId"] = target.RecordID
	input["object"] = target.Object
	_, err := d.connectors.Execute(ctx, action.ConnectorID, action.ActionID, input)
	return nil, err
}

func stringList(v interface{}) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
