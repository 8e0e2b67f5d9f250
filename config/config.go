// Package config holds the runtime configuration parsed from the
// environment. Every field has a sensible default so a zero-config start
// works in tests and demos.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Runtime is the environment-derived configuration of the orchestration
// runtime. Prefix: CHORUS_.
type Runtime struct {
	// Bus
	IdleWindow     time.Duration `env:"CHORUS_BUS_IDLE_WINDOW" envDefault:"10s"`
	ReplayCapacity int           `env:"CHORUS_BUS_REPLAY_CAPACITY" envDefault:"256"`

	// Scheduler
	Workers   int `env:"CHORUS_SCHEDULER_WORKERS" envDefault:"8"`
	QueueSize int `env:"CHORUS_SCHEDULER_QUEUE_SIZE" envDefault:"128"`

	// Agent loop
	MaxIterations int     `env:"CHORUS_AGENT_MAX_ITERATIONS" envDefault:"8"`
	Temperature   float64 `env:"CHORUS_AGENT_TEMPERATURE" envDefault:"0.7"`
	MaxTokens     int64   `env:"CHORUS_AGENT_MAX_TOKENS" envDefault:"0"`

	// Logging
	LogLevel  string `env:"CHORUS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHORUS_LOG_FORMAT" envDefault:"text"`
}

// Load parses the runtime configuration from the environment.
func Load() (*Runtime, error) {
	cfg := &Runtime{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every field at its default,
// ignoring the environment. Used by tests and embedded setups.
func Default() *Runtime {
	return &Runtime{
		IdleWindow:     10 * time.Second,
		ReplayCapacity: 256,
		Workers:        8,
		QueueSize:      128,
		MaxIterations:  8,
		Temperature:    0.7,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Validate rejects configurations that cannot run.
func (c *Runtime) Validate() error {
	if c.IdleWindow <= 0 {
		return fmt.Errorf("config: idle window must be positive, got %s", c.IdleWindow)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: worker count must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue size must be positive, got %d", c.QueueSize)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: max iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}
