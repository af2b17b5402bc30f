// Package model defines the data structures for upgradectl's manifest,
// run state, records, and configuration.
package model

type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Verify       VerifyConfig       `yaml:"verify"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Lock         LockConfig         `yaml:"lock"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type OrchestratorConfig struct {
	// FanOut bounds in-phase concurrency in standard mode. Safe mode always
	// runs serially; fast mode doubles it.
	FanOut int `yaml:"fan_out"`
	// SoakSec is the mandatory minimum observation period after a bridge
	// stage completes before the next stage may start.
	SoakSec int `yaml:"soak_sec"`
	// RetryHoldbackSec skips components whose last run failed more recently
	// than this, unless --force is given.
	RetryHoldbackSec int `yaml:"retry_holdback_sec"`
}

type VerifyConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffSec is the base spacing between health checks; doubles per
	// attempt when Exponential is set.
	BackoffSec  int  `yaml:"backoff_sec"`
	Exponential bool `yaml:"exponential"`
}

type TimeoutsConfig struct {
	// Per-call apply/verify timeouts by risk tier, in seconds. High-risk
	// components get the most generous budget.
	LowSec    int `yaml:"low_sec"`
	MediumSec int `yaml:"medium_sec"`
	HighSec   int `yaml:"high_sec"`
}

type LockConfig struct {
	TTLSec int `yaml:"ttl_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when config.yaml is absent
// or leaves fields unset.
func DefaultConfig() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			FanOut:           4,
			SoakSec:          3600,
			RetryHoldbackSec: 1800,
		},
		Verify: VerifyConfig{
			MaxAttempts: 3,
			BackoffSec:  5,
			Exponential: true,
		},
		Timeouts: TimeoutsConfig{
			LowSec:    120,
			MediumSec: 300,
			HighSec:   900,
		},
		Lock: LockConfig{
			TTLSec: 7200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Orchestrator.FanOut <= 0 {
		c.Orchestrator.FanOut = def.Orchestrator.FanOut
	}
	if c.Orchestrator.SoakSec <= 0 {
		c.Orchestrator.SoakSec = def.Orchestrator.SoakSec
	}
	if c.Orchestrator.RetryHoldbackSec <= 0 {
		c.Orchestrator.RetryHoldbackSec = def.Orchestrator.RetryHoldbackSec
	}
	if c.Verify.MaxAttempts <= 0 {
		c.Verify.MaxAttempts = def.Verify.MaxAttempts
	}
	if c.Verify.BackoffSec <= 0 {
		c.Verify.BackoffSec = def.Verify.BackoffSec
	}
	if c.Timeouts.LowSec <= 0 {
		c.Timeouts.LowSec = def.Timeouts.LowSec
	}
	if c.Timeouts.MediumSec <= 0 {
		c.Timeouts.MediumSec = def.Timeouts.MediumSec
	}
	if c.Timeouts.HighSec <= 0 {
		c.Timeouts.HighSec = def.Timeouts.HighSec
	}
	if c.Lock.TTLSec <= 0 {
		c.Lock.TTLSec = def.Lock.TTLSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// TimeoutSecFor returns the per-call timeout for a risk tier.
func (c Config) TimeoutSecFor(tier RiskTier) int {
	switch tier {
	case RiskHigh:
		return c.Timeouts.HighSec
	case RiskMedium:
		return c.Timeouts.MediumSec
	default:
		return c.Timeouts.LowSec
	}
}
