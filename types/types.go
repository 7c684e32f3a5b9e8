package types

import (
	"strconv"
	"time"
)

// ActionType tags the side effect an Action describes.
type ActionType string

const (
	ActionFieldUpdate     ActionType = "field_update"
	ActionEmailAlert      ActionType = "email_alert"
	ActionWebhook         ActionType = "webhook"
	ActionScript          ActionType = "script"
	ActionConnectorAction ActionType = "connector_action"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionFieldUpdate, ActionEmailAlert, ActionWebhook, ActionScript, ActionConnectorAction:
		return true
	}
	return false
}

// Action is a stateless description of a side effect.
type Action struct {
	Type            ActionType             `json:"type" yaml:"type"`
	Name            string                 `json:"name" yaml:"name"`
	Config          map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	ConnectorID     string                 `json:"connectorId,omitempty" yaml:"connectorId,omitempty"`
	ActionID        string                 `json:"actionId,omitempty" yaml:"actionId,omitempty"`
	ContinueOnError bool                   `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	// MaxRetries and RetryDelaySec override the dispatcher retry policy when positive.
	MaxRetries    int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelaySec int `json:"retryDelaySec,omitempty" yaml:"retryDelaySec,omitempty"`
}

// ApproverType selects the strategy used to resolve an approver spec.
type ApproverType string

const (
	ApproverUser    ApproverType = "user"
	ApproverRole    ApproverType = "role"
	ApproverManager ApproverType = "manager"
	ApproverField   ApproverType = "field"
	ApproverQueue   ApproverType = "queue"
)

// ApproverSpec names who may vote on a step. Value is a user id, role name,
// record field name or queue name depending on Type; it is unused for manager.
type ApproverSpec struct {
	Type  ApproverType `json:"type" yaml:"type"`
	Value string       `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepBehavior is the vote aggregation rule of a step.
type StepBehavior string

const (
	BehaviorFirstResponse StepBehavior = "first_response"
	BehaviorUnanimous     StepBehavior = "unanimous"
)

// RejectionBehavior decides what a rejected step does to the process.
type RejectionBehavior string

const (
	RejectProcess  RejectionBehavior = "reject_process"
	BackToPrevious RejectionBehavior = "back_to_previous"
)

// ApprovalStep is one stage of a ProcessDefinition. Its index in the
// definition's step list is its identity.
type ApprovalStep struct {
	Name              string            `json:"name" yaml:"name"`
	EntryCriteria     string            `json:"entryCriteria,omitempty" yaml:"entryCriteria,omitempty"`
	Approvers         []ApproverSpec    `json:"approvers" yaml:"approvers"`
	Behavior          StepBehavior      `json:"behavior,omitempty" yaml:"behavior,omitempty"`
	RejectionBehavior RejectionBehavior `json:"rejectionBehavior,omitempty" yaml:"rejectionBehavior,omitempty"`
	OnApprove         []Action          `json:"onApprove,omitempty" yaml:"onApprove,omitempty"`
	OnReject          []Action          `json:"onReject,omitempty" yaml:"onReject,omitempty"`
	// Wait, when set, pauses the step on a wait node before votes are accepted.
	Wait *WaitConfig `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// EscalationAction is what the scheduler does with an overdue step.
type EscalationAction string

const (
	EscalationNotify      EscalationAction = "notify"
	EscalationReassign    EscalationAction = "reassign"
	EscalationAutoApprove EscalationAction = "auto_approve"
)

// EscalationConfig is evaluated relative to the step-entry time of each instance.
type EscalationConfig struct {
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	TimeoutHours    float64          `json:"timeoutHours" yaml:"timeoutHours"`
	Action          EscalationAction `json:"action,omitempty" yaml:"action,omitempty"`
	EscalateTo      []string         `json:"escalateTo,omitempty" yaml:"escalateTo,omitempty"`
	NotifySubmitter *bool            `json:"notifySubmitter,omitempty" yaml:"notifySubmitter,omitempty"`
}

// Timeout converts TimeoutHours to a duration.
func (c EscalationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours * float64(time.Hour))
}

// EffectiveAction returns the configured action, defaulting to notify.
func (c EscalationConfig) EffectiveAction() EscalationAction {
	if c.Action == "" {
		return EscalationNotify
	}
	return c.Action
}

// ShouldNotifySubmitter defaults to true when unset.
func (c EscalationConfig) ShouldNotifySubmitter() bool {
	return c.NotifySubmitter == nil || *c.NotifySubmitter
}

// RecordEventKind is a record lifecycle event.
type RecordEventKind string

const (
	RecordCreated RecordEventKind = "created"
	RecordUpdated RecordEventKind = "updated"
	RecordDeleted RecordEventKind = "deleted"
)

// ProcessDefinition is an immutable approval template bound to an object.
type ProcessDefinition struct {
	Name           string            `json:"name" yaml:"name"`
	Object         string            `json:"object" yaml:"object"`
	Version        int               `json:"version,omitempty" yaml:"version,omitempty"`
	EntryCriteria  string            `json:"entryCriteria,omitempty" yaml:"entryCriteria,omitempty"`
	LockRecord     bool              `json:"lockRecord,omitempty" yaml:"lockRecord,omitempty"`
	Steps          []ApprovalStep    `json:"steps" yaml:"steps"`
	OnSubmit       []Action          `json:"onSubmit,omitempty" yaml:"onSubmit,omitempty"`
	OnFinalApprove []Action          `json:"onFinalApprove,omitempty" yaml:"onFinalApprove,omitempty"`
	OnFinalReject  []Action          `json:"onFinalReject,omitempty" yaml:"onFinalReject,omitempty"`
	OnRecall       []Action          `json:"onRecall,omitempty" yaml:"onRecall,omitempty"`
	Escalation     *EscalationConfig `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	// TriggerOn lists record events that submit matching records automatically.
	TriggerOn []RecordEventKind `json:"triggerOn,omitempty" yaml:"triggerOn,omitempty"`
}

// WorkflowRule runs an immediate action batch when its criteria match.
type WorkflowRule struct {
	Name               string            `json:"name" yaml:"name"`
	Object             string            `json:"object" yaml:"object"`
	Active             bool              `json:"active" yaml:"active"`
	TriggerOn          []RecordEventKind `json:"triggerOn,omitempty" yaml:"triggerOn,omitempty"`
	EntryCriteria      string            `json:"entryCriteria,omitempty" yaml:"entryCriteria,omitempty"`
	Actions            []Action          `json:"actions" yaml:"actions"`
	ReevaluateOnChange bool              `json:"reevaluateOnChange,omitempty" yaml:"reevaluateOnChange,omitempty"`
	// Schedule is a standard five-field cron expression.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// RecordEvent is a lifecycle event raised by the record CRUD collaborator.
type RecordEvent struct {
	Kind     RecordEventKind        `json:"kind"`
	Object   string                 `json:"object"`
	RecordID string                 `json:"recordId"`
	Record   map[string]interface{} `json:"record"`
	Prior    map[string]interface{} `json:"prior,omitempty"`
	UserID   string                 `json:"userId,omitempty"`
}

// InstanceStatus is the lifecycle status of a ProcessInstance.
type InstanceStatus string

const (
	StatusPending  InstanceStatus = "pending"
	StatusApproved InstanceStatus = "approved"
	StatusRejected InstanceStatus = "rejected"
	StatusRecalled InstanceStatus = "recalled"
	StatusFailed   InstanceStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	return s != StatusPending
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Vote is one approver response on a step.
type Vote struct {
	StepIndex  int       `json:"stepIndex"`
	ApproverID string    `json:"approverId"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
	// Synthetic marks votes injected by escalation.
	Synthetic bool `json:"synthetic,omitempty"`
	// Late marks votes received after their step concluded; they are kept for audit only.
	Late bool `json:"late,omitempty"`
}

// Failure records why an instance failed.
type Failure struct {
	Step    int    `json:"failedStep"`
	Action  string `json:"failedAction,omitempty"`
	Message string `json:"message"`
}

// ProcessInstance is the runtime state of one submission.
type ProcessInstance struct {
	ID          uint64                 `json:"id"`
	ProcessName string                 `json:"processName"`
	Object      string                 `json:"object"`
	RecordID    string                 `json:"recordId"`
	SubmittedBy string                 `json:"submittedBy,omitempty"`
	CurrentStep int                    `json:"currentStep"`
	Status      InstanceStatus         `json:"status"`
	Approvers   []string               `json:"approvers"`
	Votes       []Vote                 `json:"votes,omitempty"`
	History     []Vote                 `json:"history,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	// Record is the record snapshot taken at submission plus fields written by actions.
	Record map[string]interface{} `json:"record,omitempty"`
	// AwaitingNode is the wait node the current step is paused on.
	AwaitingNode  string     `json:"awaitingNode,omitempty"`
	CheckpointID  string     `json:"checkpointId,omitempty"`
	StepEnteredAt time.Time  `json:"stepEnteredAt"`
	EscalatedAt   *time.Time `json:"escalatedAt,omitempty"`
	RecordLocked  bool       `json:"recordLocked,omitempty"`
	Failure       *Failure   `json:"failure,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// ExecutionID is the id used for checkpoints owned by this instance.
func (i *ProcessInstance) ExecutionID() string {
	return strconv.FormatUint(i.ID, 10)
}

// Clone returns a deep copy that can be mutated independently.
func (i ProcessInstance) Clone() ProcessInstance {
	out := i
	out.Approvers = append([]string(nil), i.Approvers...)
	out.Votes = append([]Vote(nil), i.Votes...)
	out.History = append([]Vote(nil), i.History...)
	if i.Context != nil {
		out.Context = make(map[string]interface{}, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = v
		}
	}
	if i.Record != nil {
		out.Record = make(map[string]interface{}, len(i.Record))
		for k, v := range i.Record {
			out.Record[k] = v
		}
	}
	if i.EscalatedAt != nil {
		t := *i.EscalatedAt
		out.EscalatedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	if i.Failure != nil {
		f := *i.Failure
		out.Failure = &f
	}
	return out
}

// StatusView is the structured state exposed to front-ends.
type StatusView struct {
	InstanceID   uint64         `json:"instanceId"`
	Status       InstanceStatus `json:"status"`
	CurrentStep  int            `json:"currentStep"`
	FailedStep   *int           `json:"failedStep,omitempty"`
	FailedAction string         `json:"failedAction,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// NodeType tags a flow node.
type NodeType string

const (
	NodeApproval NodeType = "approval"
	NodeWait     NodeType = "wait"
	NodeAction   NodeType = "action"
)

// NodeExecutorDescriptor advertises an executor and its capabilities.
type NodeExecutorDescriptor struct {
	ID                   string     `json:"id"`
	NodeTypes            []NodeType `json:"nodeTypes"`
	Version              string     `json:"version"`
	SupportsPause        bool       `json:"supportsPause"`
	SupportsCancellation bool       `json:"supportsCancellation"`
	SupportsRetry        bool       `json:"supportsRetry"`
}
