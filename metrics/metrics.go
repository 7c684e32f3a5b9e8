package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the engine's prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	instancesSubmitted *prometheus.CounterVec
	instancesFinished  *prometheus.CounterVec
	votes              *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	checkpointsWaiting prometheus.Gauge
	actions            *prometheus.CounterVec
	actionLatency      *prometheus.HistogramVec
	versionConflicts   prometheus.Counter
	triggers           *prometheus.CounterVec
	schedulerPasses    *prometheus.CounterVec
}

// Config holds configuration for metrics recording.
type Config struct {
	Namespace string
	Registry  prometheus.Registerer
}

// New creates a Recorder registered on cfg.Registry, or on the default
// registerer when none is given.
func New(cfg Config) *Recorder {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "processd"
	}
	f := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Recorder{
		instancesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "instances_submitted_total",
			Help: "Process instances created, by process.",
		}, []string{"process"}),
		instancesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "instances_finished_total",
			Help: "Process instances reaching a terminal status.",
		}, []string{"process", "status"}),
		votes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "votes_total",
			Help: "Votes recorded, by decision and whether they arrived late.",
		}, []string{"decision", "late"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "escalations_total",
			Help: "Escalations fired, by action.",
		}, []string{"action"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "checkpoint_outcomes_total",
			Help: "Wait checkpoint terminal outcomes.",
		}, []string{"outcome"}),
		checkpointsWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "checkpoints_waiting",
			Help: "Waiting checkpoints seen by the last poll.",
		}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "actions_total",
			Help: "Actions executed, by type and result.",
		}, []string{"type", "result"}),
		actionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "action_duration_seconds",
			Help:    "Action execution latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		versionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "instance_version_conflicts_total",
			Help: "Optimistic write conflicts on process instances.",
		}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "trigger_matches_total",
			Help: "Trigger matches, by source and target kind.",
		}, []string{"source", "kind"}),
		schedulerPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "scheduler_passes_total",
			Help: "Periodic passes run, by worker.",
		}, []string{"worker"}),
	}
}

func (r *Recorder) InstanceSubmitted(process string) {
	if r == nil {
		return
	}
	r.instancesSubmitted.WithLabelValues(process).Inc()
}

func (r *Recorder) InstanceFinished(process, status string) {
	if r == nil {
		return
	}
	r.instancesFinished.WithLabelValues(process, status).Inc()
}

func (r *Recorder) Vote(decision string, late bool) {
	if r == nil {
		return
	}
	r.votes.WithLabelValues(decision, strconv.FormatBool(late)).Inc()
}

func (r *Recorder) Escalation(action string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(action).Inc()
}

func (r *Recorder) CheckpointOutcome(outcome string) {
	if r == nil {
		return
	}
	r.checkpoints.WithLabelValues(outcome).Inc()
}

func (r *Recorder) CheckpointsWaiting(n int) {
	if r == nil {
		return
	}
	r.checkpointsWaiting.Set(float64(n))
}

// Action records one action execution.
func (r *Recorder) Action(actionType string, err error, took time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.actions.WithLabelValues(actionType, result).Inc()
	r.actionLatency.WithLabelValues(actionType).Observe(took.Seconds())
}

func (r *Recorder) VersionConflict() {
	if r == nil {
		return
	}
	r.versionConflicts.Inc()
}

func (r *Recorder) Trigger(source, kind string) {
	if r == nil {
		return
	}
	r.triggers.WithLabelValues(source, kind).Inc()
}

func (r *Recorder) Pass(worker string) {
	if r == nil {
		return
	}
	r.schedulerPasses.WithLabelValues(worker).Inc()
}
