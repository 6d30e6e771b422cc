package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Event names published by Kaiba.
const (
	EventAll               = "all"
	EventLearningCompleted = "learning_completed"
	EventDigestCompleted   = "digest_completed"
	EventRestTaken         = "rest_taken"
	EventResponseCompleted = "response_completed"
	EventMemoryAdded       = "memory_added"
	EventStateChanged      = "state_changed"
	EventWebhookTest       = "webhook_test"

	customEventPrefix = "custom:"
)

var knownEvents = []string{
	EventAll,
	EventLearningCompleted,
	EventDigestCompleted,
	EventRestTaken,
	EventResponseCompleted,
	EventMemoryAdded,
	EventStateChanged,
	EventWebhookTest,
}

// NormalizeEvent validates an event name. Unknown names become custom events.
func NormalizeEvent(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("event name is empty")
	}
	if slices.Contains(knownEvents, name) || strings.HasPrefix(name, customEventPrefix) {
		return name, nil
	}
	return customEventPrefix + name, nil
}

// EventForAction maps a decision action to the event it is published under.
func EventForAction(a Action) string {
	switch a {
	case ActionLearn:
		return EventLearningCompleted
	case ActionDigest:
		return EventDigestCompleted
	default:
		return EventRestTaken
	}
}

// Event is something a persona did that observers may subscribe to.
type Event struct {
	Name      string         `json:"event"`
	PersonaID string         `json:"personaId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Default subscription values.
const (
	DefaultMaxRetries = 3
	DefaultTimeoutMs  = 30000
)

// Subscription is an outbound webhook endpoint for a persona's events.
type Subscription struct {
	ID            string            `json:"id"`
	PersonaID     string            `json:"persona_id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Secret        string            `json:"-"`
	Enabled       bool              `json:"enabled"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers,omitempty"`
	MaxRetries    int               `json:"max_retries"`
	TimeoutMs     int               `json:"timeout_ms"`
	PayloadFormat string            `json:"payload_format,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasSecret reports whether deliveries must be signed.
func (s Subscription) HasSecret() bool {
	return s.Secret != ""
}

// Matches reports whether the subscription should receive the named event.
func (s Subscription) Matches(event string) bool {
	if !s.Enabled {
		return false
	}
	return slices.Contains(s.Events, EventAll) || slices.Contains(s.Events, event)
}

// Validate checks the subscription invariants.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if s.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be > 0")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	return nil
}

// DeliveryStatus represents the current state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliverySuccess   DeliveryStatus = "success"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// ParseDeliveryStatus converts a stored status.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch st := DeliveryStatus(s); st {
	case DeliveryPending, DeliveryRetrying, DeliverySuccess, DeliveryFailed, DeliveryCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown delivery status %q", s)
	}
}

// Terminal reports whether no further attempts are allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed || s == DeliveryCancelled
}

// Delivery tracks the attempts to send one event to one subscription.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	Event          string         `json:"event"`
	Payload        []byte         `json:"-"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	StatusCode     int            `json:"status_code,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
