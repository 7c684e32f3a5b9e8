package types

import "time"

// WaitEventType is the kind of event a wait node is waiting for.
type WaitEventType string

const (
	WaitTimer     WaitEventType = "timer"
	WaitSignal    WaitEventType = "signal"
	WaitWebhook   WaitEventType = "webhook"
	WaitManual    WaitEventType = "manual"
	WaitCondition WaitEventType = "condition"
)

// Valid reports whether t is a known wait event type.
func (t WaitEventType) Valid() bool {
	switch t {
	case WaitTimer, WaitSignal, WaitWebhook, WaitManual, WaitCondition:
		return true
	}
	return false
}

// TimeoutBehavior is applied when a checkpoint expires unresumed.
type TimeoutBehavior string

const (
	TimeoutFail     TimeoutBehavior = "fail"
	TimeoutContinue TimeoutBehavior = "continue"
	TimeoutFallback TimeoutBehavior = "fallback"
)

// Valid reports whether b is a known timeout behavior.
func (b TimeoutBehavior) Valid() bool {
	switch b {
	case TimeoutFail, TimeoutContinue, TimeoutFallback:
		return true
	}
	return false
}

// CheckpointStatus moves from waiting to exactly one terminal value.
type CheckpointStatus string

const (
	CheckpointWaiting   CheckpointStatus = "waiting"
	CheckpointResumed   CheckpointStatus = "resumed"
	CheckpointExpired   CheckpointStatus = "expired"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// WaitConfig is the per-node configuration of a wait node.
type WaitConfig struct {
	EventType WaitEventType `json:"eventType" yaml:"eventType"`
	// TimeoutMs overrides the executor default when positive.
	TimeoutMs       int64           `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	TimeoutBehavior TimeoutBehavior `json:"timeoutBehavior,omitempty" yaml:"timeoutBehavior,omitempty"`
	// DurationMs is the delay of a timer wait.
	DurationMs     int64  `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	SignalName     string `json:"signalName,omitempty" yaml:"signalName,omitempty"`
	Condition      string `json:"condition,omitempty" yaml:"condition,omitempty"`
	FallbackNodeID string `json:"fallbackNodeId,omitempty" yaml:"fallbackNodeId,omitempty"`
}

// WaitCheckpoint is the durable marker of a paused execution.
type WaitCheckpoint struct {
	ID              string           `json:"checkpointId"`
	ExecutionID     string           `json:"executionId"`
	NodeID          string           `json:"nodeId"`
	EventType       WaitEventType    `json:"eventType"`
	Status          CheckpointStatus `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	TimeoutAt       time.Time        `json:"timeoutAt"`
	TimeoutBehavior TimeoutBehavior  `json:"timeoutBehavior"`
	SignalName      string           `json:"signalName,omitempty"`
	Condition       string           `json:"condition,omitempty"`
	FallbackNodeID  string           `json:"fallbackNodeId,omitempty"`
	ResumeAt        *time.Time       `json:"resumeAt,omitempty"`
	NextPollAt      *time.Time       `json:"nextPollAt,omitempty"`
	PollCount       int              `json:"pollCount,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	// Resumption is the payload that resumed the checkpoint, kept so the
	// outcome can be delivered again.
	Resumption *WaitResumePayload `json:"resumption,omitempty"`
}

// WaitResumePayload is the transient event that resumes a checkpoint.
type WaitResumePayload struct {
	ExecutionID    string                 `json:"executionId"`
	CheckpointID   string                 `json:"checkpointId,omitempty"`
	NodeID         string                 `json:"nodeId"`
	EventType      WaitEventType          `json:"eventType"`
	SignalName     string                 `json:"signalName,omitempty"`
	WebhookPayload map[string]interface{} `json:"webhookPayload,omitempty"`
	ResumedBy      string                 `json:"resumedBy,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	ResumedAt      time.Time              `json:"resumedAt"`
}

// DefaultWebhookURLPattern is the inbound resume route.
const DefaultWebhookURLPattern = "/api/v1/automation/resume/{executionId}/{nodeId}"

// WaitExecutorConfig configures the checkpoint subsystem.
type WaitExecutorConfig struct {
	DefaultTimeout         time.Duration   `mapstructure:"default_timeout"`
	DefaultTimeoutBehavior TimeoutBehavior `mapstructure:"default_timeout_behavior"`
	// MaxPausedExecutions of 0 means unlimited.
	MaxPausedExecutions   int           `mapstructure:"max_paused_executions"`
	ConditionPollInterval time.Duration `mapstructure:"condition_poll_interval"`
	// ConditionMaxPolls of 0 means unlimited.
	ConditionMaxPolls int    `mapstructure:"condition_max_polls"`
	WebhookURLPattern string `mapstructure:"webhook_url_pattern"`
}

// DefaultWaitExecutorConfig returns the defaults used when fields are unset.
func DefaultWaitExecutorConfig() WaitExecutorConfig {
	return WaitExecutorConfig{
		DefaultTimeout:         24 * time.Hour,
		DefaultTimeoutBehavior: TimeoutFail,
		ConditionPollInterval:  time.Minute,
		WebhookURLPattern:      DefaultWebhookURLPattern,
	}
}

// WithDefaults fills zero fields from DefaultWaitExecutorConfig.
func (c WaitExecutorConfig) WithDefaults() WaitExecutorConfig {
	d := DefaultWaitExecutorConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultTimeoutBehavior == "" {
		c.DefaultTimeoutBehavior = d.DefaultTimeoutBehavior
	}
	if c.ConditionPollInterval <= 0 {
		c.ConditionPollInterval = d.ConditionPollInterval
	}
	if c.WebhookURLPattern == "" {
		c.WebhookURLPattern = d.WebhookURLPattern
	}
	return c
}
