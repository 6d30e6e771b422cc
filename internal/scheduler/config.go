// Package scheduler triggers decision ticks for every persona on a fixed
// interval.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Interval is the time between two trigger-all runs.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// MaxJitter spreads the personas of one run over [0, MaxJitter).
	MaxJitter time.Duration `mapstructure:"max_jitter" yaml:"max_jitter"`
	// RunOnStart triggers a run as soon as the scheduler starts.
	RunOnStart bool `mapstructure:"run_on_start" yaml:"run_on_start"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  15 * time.Minute,
		MaxJitter: 3 * time.Second,
	}
}
