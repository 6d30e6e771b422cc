// Package connectors defines the execution capability used to run prompts
// on a backend, and routes each backend to the connector for its provider.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fentz26/kaiba/internal/models"
)

// Error classes every connector wraps its failures in.
var (
	ErrTransient           = errors.New("transient backend failure")
	ErrPermanent           = errors.New("permanent backend failure")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Response is the answer of one invocation.
type Response struct {
	Text           string `json:"text"`
	TokensConsumed int    `json:"tokens_consumed"`
	Model          string `json:"model,omitempty"`
}

// Invoker runs a prompt on a backend.
type Invoker interface {
	// Invoke sends prompt, preceded by context fragments, to backend.
	Invoke(ctx context.Context, backend models.Backend, prompt string, context []string) (*Response, error)
}

// Router dispatches invocations to the invoker registered for the backend's provider.
type Router struct {
	mu        sync.RWMutex
	providers map[models.Provider]Invoker
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{providers: make(map[models.Provider]Invoker)}
}

// Register sets the invoker for a provider, replacing any previous one.
func (r *Router) Register(p models.Provider, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p] = inv
}

// Providers returns the providers that have an invoker.
func (r *Router) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.providers))
	for p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Invoke implements Invoker.
func (r *Router) Invoke(ctx context.Context, backend models.Backend, prompt string, fragments []string) (*Response, error) {
	r.mu.RLock()
	inv, ok := r.providers[backend.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %s provider %q: %w", backend.ID, backend.Provider, errors.Join(ErrUnsupportedProvider, ErrPermanent))
	}
	return inv.Invoke(ctx, backend, prompt, fragments)
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text ...string) int {
	n := 0
	for _, t := range text {
		n += len(t)
	}
	return (n + 3) / 4
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
