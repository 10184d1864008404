// Package config handles aios-core configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aios-core/config.yaml, /config/config.yaml
// (container convention), /etc/aios-core/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aios-core", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/aios-core/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all aios-core configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	ActionQueue ActionQueueConfig `yaml:"action_queue"`
	Score       ScoreConfig       `yaml:"score"`
	Reactor     ReactorConfig     `yaml:"reactor"`
	Thresholds  []ThresholdConfig `yaml:"thresholds"`
	Delegator   DelegatorConfig   `yaml:"delegator"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Events      EventsConfig      `yaml:"events"`
}

// SchedulerConfig tunes the Priority Scheduler.
type SchedulerConfig struct {
	MaxConcurrency    int     `yaml:"max_concurrency"`
	DefaultTimeoutSec int     `yaml:"default_timeout_sec"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryBaseSec      int     `yaml:"retry_base_sec"`
	RetryFactor       float64 `yaml:"retry_factor"`
	RetryMaxSec       int     `yaml:"retry_max_sec"`
}

// BreakerConfig tunes the default Circuit Breaker thresholds.
// Individual keys may be overridden at call time; these are the defaults
// applied when a key has no specific configuration.
type BreakerConfig struct {
	MaxTriggersInWindow int `yaml:"max_triggers_in_window"`
	WindowSec           int `yaml:"window_sec"`
	MaxFailures         int `yaml:"max_failures"`
	FailureWindowSec    int `yaml:"failure_window_sec"`
	CooldownSec         int `yaml:"cooldown_sec"`
}

// ActionQueueConfig tunes the Action Queue.
type ActionQueueConfig struct {
	DefaultCooldownSec int            `yaml:"default_cooldown_sec"`
	SpoolPollSec       int            `yaml:"spool_poll_sec"`
	QuotaPerHour       map[string]int `yaml:"quota_per_hour"`
	BudgetPressure     BudgetConfig   `yaml:"budget_pressure"`
}

// BudgetConfig holds the action_queue.budget_pressure settings. They are
// parsed and defaulted here, but the Action Queue's budget-pressure
// guardrail does not read them; it consults the Score Engine's degraded
// state.
type BudgetConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// ScoreConfig tunes the Score Engine.
type ScoreConfig struct {
	WindowSize int                `yaml:"window_size"`
	Base       float64            `yaml:"base"`
	Hysteresis float64            `yaml:"hysteresis"`
	Weights    map[string]float64 `yaml:"weights"`
}

// ReactorConfig tunes the Reactor.
type ReactorConfig struct {
	DefaultCooldownSec int     `yaml:"default_cooldown_sec"`
	SuccessRateWindow  int     `yaml:"success_rate_window"`
	SuccessRateFloor   float64 `yaml:"success_rate_floor"`
	FuseFailThreshold  int     `yaml:"fuse_fail_threshold"`
}

// ThresholdConfig configures one metric's debounce behavior for the
// Threshold Monitor.
type ThresholdConfig struct {
	Metric           string  `yaml:"metric"`
	TriggerThreshold float64 `yaml:"trigger_threshold"`
	RecoverThreshold float64 `yaml:"recover_threshold"`
	DurationSec      int     `yaml:"duration_seconds"`
}

// DelegatorConfig tunes the optional Delegator extension.
type DelegatorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxFailures int  `yaml:"max_failures"`
}

// ConsensusConfig tunes the optional Consensus extension.
type ConsensusConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultProtocol string `yaml:"default_protocol"`
	MinVoters       int    `yaml:"min_voters"`
}

// EventsConfig tunes the Event Bus journal.
type EventsConfig struct {
	RetentionDays  int `yaml:"retention_days"`
	FsyncBatchSize int `yaml:"fsync_batch_size"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). This is a convenience
	// for container deployments; the recommended approach is to put
	// values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = 5
	}
	if c.Scheduler.DefaultTimeoutSec == 0 {
		c.Scheduler.DefaultTimeoutSec = 60
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Scheduler.RetryBaseSec == 0 {
		c.Scheduler.RetryBaseSec = 2
	}
	if c.Scheduler.RetryFactor == 0 {
		c.Scheduler.RetryFactor = 2
	}
	if c.Scheduler.RetryMaxSec == 0 {
		c.Scheduler.RetryMaxSec = 30
	}

	if c.Breaker.MaxTriggersInWindow == 0 {
		c.Breaker.MaxTriggersInWindow = 5
	}
	if c.Breaker.WindowSec == 0 {
		c.Breaker.WindowSec = 60
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 3
	}
	if c.Breaker.FailureWindowSec == 0 {
		c.Breaker.FailureWindowSec = 120
	}
	if c.Breaker.CooldownSec == 0 {
		c.Breaker.CooldownSec = 60
	}

	if c.ActionQueue.DefaultCooldownSec == 0 {
		c.ActionQueue.DefaultCooldownSec = 300
	}
	if c.ActionQueue.SpoolPollSec == 0 {
		c.ActionQueue.SpoolPollSec = 5
	}
	if c.ActionQueue.BudgetPressure.Threshold == 0 {
		c.ActionQueue.BudgetPressure.Threshold = 0.9
	}

	if c.Score.WindowSize == 0 {
		c.Score.WindowSize = 1000
	}
	if c.Score.Base == 0 {
		c.Score.Base = 0.5
	}
	if c.Score.Hysteresis == 0 {
		c.Score.Hysteresis = 0.05
	}
	if c.Score.Weights == nil {
		c.Score.Weights = DefaultScoreWeights()
	}

	if c.Reactor.DefaultCooldownSec == 0 {
		c.Reactor.DefaultCooldownSec = 300
	}
	if c.Reactor.SuccessRateWindow == 0 {
		c.Reactor.SuccessRateWindow = 20
	}
	if c.Reactor.SuccessRateFloor == 0 {
		c.Reactor.SuccessRateFloor = 0.1
	}
	if c.Reactor.FuseFailThreshold == 0 {
		c.Reactor.FuseFailThreshold = 5
	}

	if c.Consensus.DefaultProtocol == "" {
		c.Consensus.DefaultProtocol = "MAJORITY"
	}
	if c.Consensus.MinVoters == 0 {
		c.Consensus.MinVoters = 3
	}

	if c.Events.RetentionDays == 0 {
		c.Events.RetentionDays = 14
	}
	if c.Events.FsyncBatchSize == 0 {
		c.Events.FsyncBatchSize = 20
	}
}

// DefaultScoreWeights returns the baseline per-event-type contribution
// table for the Score Engine.
func DefaultScoreWeights() map[string]float64 {
	return map[string]float64{
		"reactor.success":              0.02,
		"reactor.failed":               -0.04,
		"agent.error":                  -0.03,
		"resource.threshold_confirmed": -0.05,
		"resource.recovered":           0.02,
		"pipeline.completed":           0.01,
		"scheduler.task_failed":        -0.02,
		"scheduler.task_timeout":       -0.02,
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.DefaultTimeoutSec < 1 {
		return fmt.Errorf("scheduler.default_timeout_sec must be >= 1, got %d", c.Scheduler.DefaultTimeoutSec)
	}
	if c.Score.Base < 0 || c.Score.Base > 1 {
		return fmt.Errorf("score.base must be in [0,1], got %f", c.Score.Base)
	}
	if c.Reactor.FuseFailThreshold < 1 {
		return fmt.Errorf("reactor.fuse_fail_threshold must be >= 1, got %d", c.Reactor.FuseFailThreshold)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for _, th := range c.Thresholds {
		if th.Metric == "" {
			return fmt.Errorf("thresholds: metric name must not be empty")
		}
	}
	switch c.Consensus.DefaultProtocol {
	case "MAJORITY", "UNANIMOUS", "WEIGHTED":
	default:
		return fmt.Errorf("consensus.default_protocol %q invalid (want MAJORITY, UNANIMOUS, or WEIGHTED)", c.Consensus.DefaultProtocol)
	}
	return nil
}

// Default returns a default configuration with every field populated
// via applyDefaults, suitable for local development and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// EventsRetention returns the configured journal retention as a
// time.Duration, for use by the retention/pruning coordinator.
func (c *Config) EventsRetention() time.Duration {
	return time.Duration(c.Events.RetentionDays) * 24 * time.Hour
}
