package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrWebhookDisabled = errors.New("webhook is disabled")
)
