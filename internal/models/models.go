// Package models defines the core domain types for Kaiba.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the family of an execution backend.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderLocal     Provider = "local"
)

// ParseProvider converts a stored or user supplied provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderAnthropic, ProviderOpenAI, ProviderLocal:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Action is the choice made by one decision tick.
type Action string

const (
	ActionLearn  Action = "learn"
	ActionDigest Action = "digest"
	ActionRest   Action = "rest"
)

// MemoryType classifies memory content.
type MemoryType string

const (
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeLearning     MemoryType = "learning"
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypeExpertise    MemoryType = "expertise"
	MemoryTypeReflection   MemoryType = "reflection"
)

// ParseMemoryType converts a memory type name. Empty input yields conversation.
func ParseMemoryType(s string) (MemoryType, error) {
	switch t := MemoryType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return MemoryTypeConversation, nil
	case MemoryTypeConversation, MemoryTypeLearning, MemoryTypeFact, MemoryTypeExpertise, MemoryTypeReflection:
		return t, nil
	default:
		return "", fmt.Errorf("unknown memory type %q", s)
	}
}

// Manifest is the structured description of a persona's personality and interests.
type Manifest struct {
	Personality    string         `json:"personality,omitempty" yaml:"personality,omitempty"`
	Interests      []string       `json:"interests,omitempty" yaml:"interests,omitempty"`
	LearningTopics []string       `json:"learning_topics,omitempty" yaml:"learning_topics,omitempty"`
	Curiosities    []string       `json:"curiosities,omitempty" yaml:"curiosities,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Persona is the persistent identity whose resources and actions are managed.
type Persona struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Manifest  Manifest  `json:"manifest"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Default resource values for a newly created persona.
const (
	DefaultTokenBudget  = 100000
	DefaultEnergy       = 100
	DefaultRegenPerHour = 10
	DefaultMood         = "neutral"
	MaxEnergy           = 100
)

// PersonaState holds the resource figures of a persona. EnergyLevel is the value
// materialised at LastActiveAt; the live value is derived on every read.
type PersonaState struct {
	PersonaID          string     `json:"persona_id"`
	TokenBudget        int        `json:"token_budget"`
	TokensUsed         int        `json:"tokens_used"`
	EnergyLevel        int        `json:"energy_level"`
	EnergyRegenPerHour int        `json:"energy_regen_per_hour"`
	Mood               string     `json:"mood"`
	LastActiveAt       *time.Time `json:"last_active_at,omitempty"`
	LastLearnAt        *time.Time `json:"last_learn_at,omitempty"`
	LastDigestAt       *time.Time `json:"last_digest_at,omitempty"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TokensRemaining returns the unspent part of the token budget.
func (s PersonaState) TokensRemaining() int {
	if s.TokensUsed >= s.TokenBudget {
		return 0
	}
	return s.TokenBudget - s.TokensUsed
}

// NewPersonaState returns the default state for a persona.
func NewPersonaState(personaID string, now time.Time) PersonaState {
	return PersonaState{
		PersonaID:          personaID,
		TokenBudget:        DefaultTokenBudget,
		EnergyLevel:        DefaultEnergy,
		EnergyRegenPerHour: DefaultRegenPerHour,
		Mood:               DefaultMood,
		UpdatedAt:          now,
	}
}

// BackendConfig carries the recognised backend settings. Extra is passed through
// to the provider untouched.
type BackendConfig struct {
	Temperature     *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" toml:"max_output_tokens,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	WebSearch       bool           `json:"web_search,omitempty" yaml:"web_search,omitempty" toml:"web_search,omitempty"`
	Command         string         `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args            []string       `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra,omitempty" toml:"extra,omitempty"`
}

// Backend is an interchangeable execution unit able to answer for a persona.
type Backend struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Provider   Provider      `json:"provider"`
	ModelID    string        `json:"model_id"`
	Priority   int           `json:"priority"`
	IsFallback bool          `json:"is_fallback"`
	Config     BackendConfig `json:"config"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Snapshot is the resource view a decision was taken on.
type Snapshot struct {
	Energy          int    `json:"energy"`
	TokensRemaining int    `json:"tokens_remaining"`
	Mood            string `json:"mood"`
	Undigested      int    `json:"undigested"`
}

// Outcome is the immutable result of one decision tick.
type Outcome struct {
	PersonaID string         `json:"persona_id"`
	Action    Action         `json:"action"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	Snapshot  Snapshot       `json:"snapshot"`
	BackendID string         `json:"backend_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	// Skipped marks a tick that lost every state race and did nothing.
	Skipped bool `json:"skipped,omitempty"`
}

// Memory is a knowledge fragment owned by a persona.
type Memory struct {
	ID         string     `json:"id"`
	PersonaID  string     `json:"persona_id"`
	Content    string     `json:"content"`
	Type       MemoryType `json:"memory_type"`
	Importance float64    `json:"importance"`
	Tags       []string   `json:"tags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DigestedAt *time.Time `json:"digested_at,omitempty"`
}

// ScoredMemory is a search hit with its similarity score in [0,1].
type ScoredMemory struct {
	Memory
	Score float64 `json:"score"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	PersonaID  string    `json:"persona_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
