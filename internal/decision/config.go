// Package decision runs the per-persona decision tick: Learn, Digest or Rest.
package decision

import "time"

// Config defines the decision thresholds and costs.
type Config struct {
	// TiredThreshold is the live energy below which the persona rests.
	TiredThreshold int `mapstructure:"tired_threshold" yaml:"tired_threshold"`
	// MinEnergyLearn is the live energy needed to learn.
	MinEnergyLearn int `mapstructure:"min_energy_learn" yaml:"min_energy_learn"`
	// MinTokensForAction is the remaining budget needed for one Learn query or one Digest.
	MinTokensForAction int `mapstructure:"min_tokens_for_action" yaml:"min_tokens_for_action"`
	// MinUndigested is the number of undigested learning memories that makes a Digest worthwhile.
	MinUndigested int `mapstructure:"min_undigested" yaml:"min_undigested"`
	// UrgentDigestCount lets a Digest run even when the persona is tired.
	UrgentDigestCount int `mapstructure:"urgent_digest_count" yaml:"urgent_digest_count"`
	// MaxDigestBatch caps the learning memories one Digest consolidates,
	// oldest first.
	MaxDigestBatch int           `mapstructure:"max_digest_batch" yaml:"max_digest_batch"`
	LearnCooldown  time.Duration `mapstructure:"learn_cooldown" yaml:"learn_cooldown"`
	DigestCooldown time.Duration `mapstructure:"digest_cooldown" yaml:"digest_cooldown"`
	// MaxQueries caps the queries of one Learn session.
	MaxQueries int `mapstructure:"max_queries" yaml:"max_queries"`
	// LearnEnergyCost is charged per query.
	LearnEnergyCost  int `mapstructure:"learn_energy_cost" yaml:"learn_energy_cost"`
	DigestEnergyCost int `mapstructure:"digest_energy_cost" yaml:"digest_energy_cost"`
	// MaxConflictRetries bounds the re-reads of a tick that lost a state race.
	MaxConflictRetries int `mapstructure:"max_conflict_retries" yaml:"max_conflict_retries"`
	// Concurrency bounds TickAll.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// DefaultConfig returns the default decision configuration.
func DefaultConfig() Config {
	return Config{
		TiredThreshold:     20,
		MinEnergyLearn:     50,
		MinTokensForAction: 500,
		MinUndigested:      1,
		UrgentDigestCount:  10,
		MaxDigestBatch:     10,
		LearnCooldown:      time.Hour,
		DigestCooldown:     6 * time.Hour,
		MaxQueries:         3,
		LearnEnergyCost:    10,
		DigestEnergyCost:   5,
		MaxConflictRetries: 3,
		Concurrency:        4,
	}
}

// withDefaults fills zero fields from DefaultConfig. Cooldowns may be zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TiredThreshold <= 0 {
		c.TiredThreshold = d.TiredThreshold
	}
	if c.MinEnergyLearn <= 0 {
		c.MinEnergyLearn = d.MinEnergyLearn
	}
	if c.MinTokensForAction <= 0 {
		c.MinTokensForAction = d.MinTokensForAction
	}
	if c.MinUndigested <= 0 {
		c.MinUndigested = d.MinUndigested
	}
	if c.UrgentDigestCount <= 0 {
		c.UrgentDigestCount = d.UrgentDigestCount
	}
	if c.MaxDigestBatch <= 0 {
		c.MaxDigestBatch = d.MaxDigestBatch
	}
	if c.MaxQueries <= 0 {
		c.MaxQueries = d.MaxQueries
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = d.MaxConflictRetries
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}
