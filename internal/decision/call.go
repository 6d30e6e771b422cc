package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/resource"
	"go.uber.org/zap"
)

// CallResult is the answer of a persona to a direct prompt.
type CallResult struct {
	PersonaID       string `json:"persona_id"`
	BackendID       string `json:"backend_id"`
	Model           string `json:"model,omitempty"`
	Response        string `json:"response"`
	TokensConsumed  int    `json:"tokens_consumed"`
	Energy          int    `json:"energy"`
	EnergyAfter     int    `json:"energy_after"`
	BudgetExhausted bool   `json:"budget_exhausted"`
	ContextUsed     int    `json:"context_used"`
}

// CallEnergyCost is the energy charged for answering a prompt.
const CallEnergyCost = 1

// Call answers prompt as the persona. The backend follows the persona's live
// energy; a budget below MinTokensForAction forces the fallback backend.
// When the debit overruns the budget the answer is still returned, flagged
// BudgetExhausted, and the state is left as it was.
func (e *Engine) Call(ctx context.Context, personaID, prompt string) (*CallResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}
	persona, err := e.repo.GetPersona(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}
	st, energy, err := e.tracker.Snapshot(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}

	forceFallback := st.TokensRemaining() < e.cfg.MinTokensForAction
	backend, err := e.selector.SelectAt(ctx, personaID, energy, forceFallback)
	if err != nil {
		return nil, err
	}

	fragments := e.related(ctx, personaID, prompt)
	resp, err := e.invoker.Invoke(ctx, backend, callPrompt(*persona, prompt), fragments)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", backend.ID, err)
	}

	result := &CallResult{
		PersonaID:      personaID,
		BackendID:      backend.ID,
		Model:          resp.Model,
		Response:       resp.Text,
		TokensConsumed: resp.TokensConsumed,
		Energy:         energy,
		EnergyAfter:    energy,
		ContextUsed:    len(fragments),
	}

	after, err := e.tracker.Consume(ctx, personaID, resource.Usage{Tokens: resp.TokensConsumed, Energy: CallEnergyCost})
	switch {
	case errors.Is(err, resource.ErrBudgetExhausted):
		result.BudgetExhausted = true
	case err != nil:
		return nil, err
	default:
		result.EnergyAfter = after.EnergyLevel
	}

	if _, err := e.memory.Add(ctx, models.Memory{
		PersonaID:  personaID,
		Content:    "Q: " + prompt + "\nA: " + resp.Text,
		Type:       models.MemoryTypeConversation,
		Importance: 0.5,
		Tags:       []string{"call"},
		CreatedAt:  e.clock.Now(),
	}); err != nil {
		e.logger.Warn("store conversation failed", zap.String("persona_id", personaID), zap.Error(err))
	}

	e.publish(models.EventResponseCompleted, personaID, map[string]any{
		"backend_id":       result.BackendID,
		"tokens_consumed":  result.TokensConsumed,
		"budget_exhausted": result.BudgetExhausted,
		"energy_after":     result.EnergyAfter,
	})
	return result, nil
}
