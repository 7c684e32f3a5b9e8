// Package config loads processd settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/ingress"
	"github.com/songzhibin97/process-engine/logger"
	"github.com/songzhibin97/process-engine/types"
)

// EnvPrefix prefixes environment overrides, e.g. PROCESSD_REDIS_ADDR.
const EnvPrefix = "PROCESSD"

type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageRedis  StorageType = "redis"
)

type Config struct {
	Storage   StorageType              `mapstructure:"storage"`
	Redis     RedisConfig              `mapstructure:"redis"`
	HTTP      HTTPConfig               `mapstructure:"http"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Log       logger.Config            `mapstructure:"log"`
	Wait      types.WaitExecutorConfig `mapstructure:"wait"`
	Actions   ActionsConfig            `mapstructure:"actions"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Directory DirectoryConfig          `mapstructure:"directory"`
	// Bundle is a YAML file of process definitions and rules published at start.
	Bundle             string        `mapstructure:"bundle"`
	DefinitionCacheTTL time.Duration `mapstructure:"definition_cache_ttl"`
	// NodeID distinguishes instance id generators of concurrent workers.
	NodeID int64 `mapstructure:"node_id"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	Namespace string `mapstructure:"namespace"`
}

type HTTPConfig struct {
	Addr   string               `mapstructure:"addr"`
	Verify ingress.VerifyConfig `mapstructure:"verify"`
}

type MetricsConfig struct {
	// Addr serves /metrics; empty disables the endpoint.
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

type ActionsConfig struct {
	HTTP       actions.HTTPConfig `mapstructure:"http"`
	MaxRetries int                `mapstructure:"max_retries"`
	RetryDelay time.Duration      `mapstructure:"retry_delay"`
	// Connectors maps connector ids to base URLs.
	Connectors map[string]string `mapstructure:"connectors"`
}

type SchedulerConfig struct {
	EscalationInterval    time.Duration `mapstructure:"escalation_interval"`
	EscalationConcurrency int           `mapstructure:"escalation_concurrency"`
	WaitPollInterval      time.Duration `mapstructure:"wait_poll_interval"`
	// ReconcileGrace is how long a waiting instance may lack a checkpoint
	// before the wait poll creates one.
	ReconcileGrace        time.Duration `mapstructure:"reconcile_grace"`
	RuleInterval          time.Duration `mapstructure:"rule_interval"`
	MaxTriggerDepth       int           `mapstructure:"max_trigger_depth"`
}

// DirectoryConfig seeds the in-memory identity directory used to resolve
// role, manager and queue approvers.
type DirectoryConfig struct {
	Roles    map[string][]string `mapstructure:"roles"`
	Managers map[string]string   `mapstructure:"managers"`
	Queues   map[string][]string `mapstructure:"queues"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	w := types.DefaultWaitExecutorConfig()
	for key, val := range map[string]interface{}{
		"storage":                          string(StorageMemory),
		"redis.addr":                       "localhost:6379",
		"redis.password":                   "",
		"redis.db":                         0,
		"redis.pool_size":                  10,
		"redis.namespace":                  "processd",
		"http.addr":                        ":8080",
		"http.verify.mode":                 ingress.ModeNone,
		"http.verify.secret":               "",
		"http.verify.header":               "",
		"http.verify.allowed_cidrs":        []string{},
		"http.verify.issuer":               "",
		"metrics.addr":                     ":9090",
		"metrics.namespace":                "processd",
		"log.level":                        "info",
		"log.development":                  false,
		"log.encoding":                     "",
		"wait.default_timeout":             w.DefaultTimeout,
		"wait.default_timeout_behavior":    string(w.DefaultTimeoutBehavior),
		"wait.max_paused_executions":       0,
		"wait.condition_poll_interval":     w.ConditionPollInterval,
		"wait.condition_max_polls":         0,
		"wait.webhook_url_pattern":         w.WebhookURLPattern,
		"actions.http.timeout":             10 * time.Second,
		"actions.http.rate_per_second":     0.0,
		"actions.http.burst":               1,
		"actions.http.failure_threshold":   5,
		"actions.http.open_timeout":        30 * time.Second,
		"actions.max_retries":              0,
		"actions.retry_delay":              time.Second,
		"scheduler.escalation_interval":    time.Minute,
		"scheduler.escalation_concurrency": 4,
		"scheduler.wait_poll_interval":     15 * time.Second,
		"scheduler.reconcile_grace":        time.Minute,
		"scheduler.rule_interval":          time.Minute,
		"scheduler.max_trigger_depth":      5,
		"bundle":                           "",
		"definition_cache_ttl":             5 * time.Minute,
		"node_id":                          1,
	} {
		v.SetDefault(key, val)
	}
}

// Load reads defaults, PROCESSD_* environment variables and, when file is
// set, the config file, in increasing precedence. Flags bound to v win.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate reports settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if !c.Wait.DefaultTimeoutBehavior.Valid() {
		errs = append(errs, fmt.Errorf("unknown wait.default_timeout_behavior %q", c.Wait.DefaultTimeoutBehavior))
	}
	if c.Scheduler.EscalationInterval <= 0 || c.Scheduler.WaitPollInterval <= 0 || c.Scheduler.RuleInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if _, err := ingress.NewVerifier(c.HTTP.Verify); err != nil {
		errs = append(errs, fmt.Errorf("http.verify: %w", err))
	}
	return errors.Join(errs...)
}
