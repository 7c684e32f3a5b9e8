package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/wait"
)

// DefinitionStore publishes validated, immutable process definitions and
// workflow rules. Reads are served from a local cache.
type DefinitionStore struct {
	store storage.Storage
	cache *cache.Cache
}

// NewDefinitionStore creates a store. Cached definitions expire after ttl
// so other workers' publications become visible; 0 means 5 minutes.
func NewDefinitionStore(store storage.Storage, ttl time.Duration) *DefinitionStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DefinitionStore{store: store, cache: cache.New(ttl, 2*ttl)}
}

// Publish validates and stores def. Republishing an identical definition is
// a no-op; changing a published one is a validation error.
func (s *DefinitionStore) Publish(ctx context.Context, def types.ProcessDefinition) error {
	if def.Version == 0 {
		def.Version = 1
	}
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	existing, err := s.store.GetDefinition(ctx, def.Name)
	switch {
	case err == nil:
		same, err := sameDefinition(existing, def)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		return types.NewValidationError("name", "process %q is already published; publish a new name to change it", def.Name)
	case !errors.Is(err, types.ErrNotFound):
		return err
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	s.cache.SetDefault(def.Name, def)
	return nil
}

// sameDefinition compares the stored encodings of a and b. Definitions read
// back from a JSON store carry float64 numbers and nil slices where the
// published value had ints and empty slices.
func sameDefinition(a, b types.ProcessDefinition) (bool, error) {
	ea, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode definition %q: %w", a.Name, err)
	}
	eb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode definition %q: %w", b.Name, err)
	}
	return bytes.Equal(ea, eb), nil
}

// Get returns a published definition.
func (s *DefinitionStore) Get(ctx context.Context, name string) (types.ProcessDefinition, error) {
	if v, ok := s.cache.Get(name); ok {
		return v.(types.ProcessDefinition), nil
	}
	def, err := s.store.GetDefinition(ctx, name)
	if err != nil {
		return types.ProcessDefinition{}, err
	}
	s.cache.SetDefault(name, def)
	return def, nil
}

// List returns every published definition.
func (s *DefinitionStore) List(ctx context.Context) ([]types.ProcessDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// PublishRule validates and stores a workflow rule. Rules may be replaced.
func (s *DefinitionStore) PublishRule(ctx context.Context, rule types.WorkflowRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	return s.store.SaveRule(ctx, rule)
}

// Rules returns every workflow rule.
func (s *DefinitionStore) Rules(ctx context.Context) ([]types.WorkflowRule, error) {
	return s.store.ListRules(ctx)
}

// Bundle is the on-disk format of a set of definitions.
type Bundle struct {
	Processes []types.ProcessDefinition `yaml:"processes"`
	Rules     []types.WorkflowRule      `yaml:"rules"`
}

// LoadBundle publishes every process and rule in a YAML bundle.
func (s *DefinitionStore) LoadBundle(ctx context.Context, r io.Reader) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return Bundle{}, types.NewValidationError("bundle", "%v", err)
	}
	for _, def := range b.Processes {
		if err := s.Publish(ctx, def); err != nil {
			return b, fmt.Errorf("process %q: %w", def.Name, err)
		}
	}
	for _, rule := range b.Rules {
		if err := s.PublishRule(ctx, rule); err != nil {
			return b, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return b, nil
}

// LoadBundleFile is LoadBundle over a file.
func (s *DefinitionStore) LoadBundleFile(ctx context.Context, path string) (Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bundle{}, err
	}
	defer f.Close()
	return s.LoadBundle(ctx, f)
}

// ValidateDefinition checks a process definition.
func ValidateDefinition(def types.ProcessDefinition) error {
	if def.Name == "" {
		return types.NewValidationError("name", "process name is required")
	}
	if def.Object == "" {
		return types.NewValidationError("object", "process %q needs a target object", def.Name)
	}
	if len(def.Steps) == 0 {
		return types.NewValidationError("steps", "process %q has no steps", def.Name)
	}
	for i, step := range def.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if len(step.Approvers) == 0 {
			return types.NewValidationError(field+".approvers", "step %q has no approvers", step.Name)
		}
		for _, a := range step.Approvers {
			if err := validateApprover(a); err != nil {
				return types.NewValidationError(field+".approvers", "%v", err)
			}
		}
		switch step.Behavior {
		case "", types.BehaviorFirstResponse, types.BehaviorUnanimous:
		default:
			return types.NewValidationError(field+".behavior", "unknown behavior %q", step.Behavior)
		}
		switch step.RejectionBehavior {
		case "", types.RejectProcess, types.BackToPrevious:
		default:
			return types.NewValidationError(field+".rejectionBehavior", "unknown rejection behavior %q", step.RejectionBehavior)
		}
		if err := validateActions(field+".onApprove", step.OnApprove); err != nil {
			return err
		}
		if err := validateActions(field+".onReject", step.OnReject); err != nil {
			return err
		}
		if step.Wait != nil {
			if err := wait.ValidateConfig(*step.Wait); err != nil {
				return types.NewValidationError(field+".wait", "%v", err)
			}
		}
	}
	for field, batch := range map[string][]types.Action{
		"onSubmit":       def.OnSubmit,
		"onFinalApprove": def.OnFinalApprove,
		"onFinalReject":  def.OnFinalReject,
		"onRecall":       def.OnRecall,
	} {
		if err := validateActions(field, batch); err != nil {
			return err
		}
	}
	if esc := def.Escalation; esc != nil && esc.Enabled {
		if esc.TimeoutHours <= 0 {
			return types.NewValidationError("escalation.timeoutHours", "must be positive")
		}
		switch esc.EffectiveAction() {
		case types.EscalationNotify, types.EscalationAutoApprove:
		case types.EscalationReassign:
			if len(esc.EscalateTo) == 0 {
				return types.NewValidationError("escalation.escalateTo", "reassign needs at least one user")
			}
		default:
			return types.NewValidationError("escalation.action", "unknown escalation action %q", esc.Action)
		}
	}
	return validateTriggerKinds("triggerOn", def.TriggerOn)
}

// ValidateRule checks a workflow rule.
func ValidateRule(rule types.WorkflowRule) error {
	if rule.Name == "" {
		return types.NewValidationError("name", "rule name is required")
	}
	if rule.Object == "" && rule.Schedule == "" {
		return types.NewValidationError("object", "rule %q needs an object or a schedule", rule.Name)
	}
	if len(rule.TriggerOn) == 0 && rule.Schedule == "" {
		return types.NewValidationError("triggerOn", "rule %q has neither record triggers nor a schedule", rule.Name)
	}
	if len(rule.Actions) == 0 {
		return types.NewValidationError("actions", "rule %q has no actions", rule.Name)
	}
	if rule.Schedule != "" {
		if _, err := rules.ParseSchedule(rule.Schedule); err != nil {
			return types.NewValidationError("schedule", "%v", err)
		}
	}
	if err := validateActions("actions", rule.Actions); err != nil {
		return err
	}
	return validateTriggerKinds("triggerOn", rule.TriggerOn)
}

func validateApprover(a types.ApproverSpec) error {
	switch a.Type {
	case types.ApproverManager:
		return nil
	case types.ApproverUser, types.ApproverRole, types.ApproverField, types.ApproverQueue:
		if a.Value == "" {
			return fmt.Errorf("%s approver needs a value", a.Type)
		}
		return nil
	}
	return fmt.Errorf("unknown approver type %q", a.Type)
}

func validateActions(field string, batch []types.Action) error {
	for i, a := range batch {
		if !a.Type.Valid() {
			return types.NewValidationError(fmt.Sprintf("%s[%d].type", field, i), "unknown action type %q", a.Type)
		}
		if a.Type == types.ActionConnectorAction && (a.ConnectorID == "" || a.ActionID == "") {
			return types.NewValidationError(fmt.Sprintf("%s[%d]", field, i), "connector_action needs connectorId and actionId")
		}
	}
	return nil
}

func validateTriggerKinds(field string, kinds []types.RecordEventKind) error {
	for _, k := range kinds {
		switch k {
		case types.RecordCreated, types.RecordUpdated, types.RecordDeleted:
		default:
			return types.NewValidationError(field, "unknown record event %q", k)
		}
	}
	return nil
}
