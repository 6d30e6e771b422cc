package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/kaiba/internal/clock"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/store"
	"go.uber.org/zap"
)

// StateRepository reads and conditionally writes persona state.
type StateRepository interface {
	GetState(ctx context.Context, personaID string) (*models.PersonaState, error)
	CompareAndSwapState(ctx context.Context, next models.PersonaState) (*models.PersonaState, error)
}

// Usage is the cost of one unit of work.
type Usage struct {
	Tokens int
	Energy int
}

// DefaultMaxConflictRetries bounds the re-read loop of Consume.
const DefaultMaxConflictRetries = 5

// Tracker reads live energy and debits usage against persisted state.
type Tracker struct {
	repo       StateRepository
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries int
}

// NewTracker creates a Tracker. A nil clock means the real clock.
func NewTracker(repo StateRepository, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		repo:       repo,
		clock:      clk,
		logger:     logging.OrNop(logger),
		maxRetries: DefaultMaxConflictRetries,
	}
}

// Clock returns the clock used for regeneration.
func (t *Tracker) Clock() clock.Clock { return t.clock }

// CurrentEnergy returns the live energy of a persona without writing.
func (t *Tracker) CurrentEnergy(ctx context.Context, personaID string) (int, error) {
	st, err := t.repo.GetState(ctx, personaID)
	if err != nil {
		return 0, err
	}
	return LiveEnergy(*st, t.clock.Now()), nil
}

// Snapshot returns the stored state together with its live energy.
func (t *Tracker) Snapshot(ctx context.Context, personaID string) (*models.PersonaState, int, error) {
	st, err := t.repo.GetState(ctx, personaID)
	if err != nil {
		return nil, 0, err
	}
	return st, LiveEnergy(*st, t.clock.Now()), nil
}

// Consume debits u from the persona. The live energy is materialised,
// LastActiveAt moves to now and the mood follows the new energy. A debit
// that would overrun the token budget is rejected with ErrBudgetExhausted
// and leaves the state untouched.
func (t *Tracker) Consume(ctx context.Context, personaID string, u Usage) (*models.PersonaState, error) {
	return t.Update(ctx, personaID, func(st *models.PersonaState, now time.Time) error {
		if st.TokensUsed+u.Tokens > st.TokenBudget {
			return fmt.Errorf("persona %s needs %d tokens, %d remaining: %w",
				personaID, u.Tokens, st.TokensRemaining(), ErrBudgetExhausted)
		}
		energy := clamp(LiveEnergy(*st, now) - u.Energy)
		st.TokensUsed += u.Tokens
		st.EnergyLevel = energy
		st.Mood = MoodFor(energy)
		st.LastActiveAt = &now
		return nil
	})
}

// Update applies mutate to a fresh copy of the state and writes it with a
// compare-and-swap, re-reading on conflict. If mutate returns an error
// nothing is written.
func (t *Tracker) Update(ctx context.Context, personaID string, mutate func(st *models.PersonaState, now time.Time) error) (*models.PersonaState, error) {
	for attempt := 0; ; attempt++ {
		st, err := t.repo.GetState(ctx, personaID)
		if err != nil {
			return nil, err
		}
		now := t.clock.Now()
		next := *st
		if err := mutate(&next, now); err != nil {
			return nil, err
		}
		next.UpdatedAt = now

		written, err := t.repo.CompareAndSwapState(ctx, next)
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= t.maxRetries {
			return nil, fmt.Errorf("write state for %s: %w", personaID, err)
		}
		t.logger.Debug("state version conflict, retrying",
			zap.String("persona_id", personaID), zap.Int("attempt", attempt+1))
	}
}
