package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/kaiba/internal/clock"
	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/resource"
	"github.com/fentz26/kaiba/internal/selector"
	"github.com/fentz26/kaiba/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Memory importance by type of the memories the engine writes.
const (
	learningImportance  = 0.7
	expertiseImportance = 0.9
)

// Repository reads personas, their state and their candidate backends.
type Repository interface {
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	ListPersonas(ctx context.Context) ([]models.Persona, error)
	GetState(ctx context.Context, personaID string) (*models.PersonaState, error)
	CompareAndSwapState(ctx context.Context, next models.PersonaState) (*models.PersonaState, error)
	ListPersonaBackendIDs(ctx context.Context, personaID string) ([]string, error)
	ListBackends(ctx context.Context) ([]models.Backend, error)
}

// MemoryStore searches and stores persona memories.
type MemoryStore interface {
	Search(ctx context.Context, personaID, query string, limit int, types ...models.MemoryType) ([]models.ScoredMemory, error)
	Add(ctx context.Context, m models.Memory) (*models.Memory, error)
	CountUndigested(ctx context.Context, personaID string) (int, error)
	ListUndigested(ctx context.Context, personaID string, limit int) ([]models.Memory, error)
	MarkDigested(ctx context.Context, personaID string, ids []string, at time.Time) error
}

// Publisher receives the events of finished ticks. Publish must not block.
type Publisher interface {
	Publish(ev models.Event)
}

// Recorder keeps the audit trail of outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, o *models.Outcome) (*models.PDREntry, error)
}

// Deps are the collaborators of an Engine. Publisher, Recorder, Clock and
// Logger are optional.
type Deps struct {
	Repo      Repository
	Memory    MemoryStore
	Invoker   connectors.Invoker
	Publisher Publisher
	Recorder  Recorder
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Engine evaluates decision ticks. It has no loop of its own; callers
// trigger Tick or TickAll.
type Engine struct {
	cfg       Config
	repo      Repository
	memory    MemoryStore
	invoker   connectors.Invoker
	publisher Publisher
	recorder  Recorder
	clock     clock.Clock
	logger    *zap.Logger
	tracker   *resource.Tracker
	selector  *selector.Selector
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := logging.OrNop(deps.Logger).Named("decision")
	tracker := resource.NewTracker(deps.Repo, clk, logger)
	return &Engine{
		cfg:       cfg.withDefaults(),
		repo:      deps.Repo,
		memory:    deps.Memory,
		invoker:   deps.Invoker,
		publisher: deps.Publisher,
		recorder:  deps.Recorder,
		clock:     clk,
		logger:    logger,
		tracker:   tracker,
		selector:  selector.New(deps.Repo, tracker),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Tracker returns the resource tracker used by the engine.
func (e *Engine) Tracker() *resource.Tracker { return e.tracker }

// Selector returns the backend selector used by the engine.
func (e *Engine) Selector() *selector.Selector { return e.selector }

// Tick runs one decision for a persona. Learn and Digest claim their
// cooldown with a compare-and-swap before doing any work, so overlapping
// ticks cannot both fire the same action. A tick that keeps losing that
// race returns a Skipped outcome which is neither recorded nor published.
// Backend, budget and capability failures yield a published Rest outcome
// carrying the reason; only a missing persona or a broken store is
// returned as an error.
func (e *Engine) Tick(ctx context.Context, personaID string) (*models.Outcome, error) {
	persona, err := e.repo.GetPersona(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}

	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		st, err := e.repo.GetState(ctx, personaID)
		if err != nil {
			return nil, fmt.Errorf("get state: %w", err)
		}
		now := e.clock.Now()
		energy := resource.LiveEnergy(*st, now)

		undigested, err := e.memory.CountUndigested(ctx, personaID)
		if err != nil {
			out := e.newOutcome(personaID, now, *st, energy, 0)
			return e.finish(ctx, e.rest(out, fmt.Sprintf("memory store unavailable: %v", err))), nil
		}

		d := Decide(now, *st, energy, undigested, e.cfg)
		out := e.newOutcome(personaID, now, *st, energy, undigested)
		if d.Urgent {
			out.Details["urgent"] = true
		}
		if d.Action == models.ActionRest {
			return e.finish(ctx, e.rest(out, d.Reason)), nil
		}

		claimed, err := e.claim(ctx, *st, d.Action, now)
		if errors.Is(err, store.ErrVersionConflict) {
			e.logger.Debug("lost state race, re-reading",
				zap.String("persona_id", personaID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", d.Action, err)
		}

		switch d.Action {
		case models.ActionLearn:
			e.learn(ctx, *persona, claimed, energy, out)
		case models.ActionDigest:
			e.digest(ctx, *persona, claimed, energy, out)
		}
		if out.Action == models.ActionDigest || out.Action == models.ActionLearn {
			out.Reason = d.Reason
		}
		return e.finish(ctx, out), nil
	}

	e.logger.Info("tick skipped after repeated state conflicts", zap.String("persona_id", personaID))
	return &models.Outcome{
		PersonaID: personaID,
		Action:    models.ActionRest,
		Reason:    "skipped: state changed concurrently",
		Timestamp: e.clock.Now(),
		Skipped:   true,
	}, nil
}

// claim writes the cooldown timestamp of action, conditional on st's version.
func (e *Engine) claim(ctx context.Context, st models.PersonaState, action models.Action, now time.Time) (*models.PersonaState, error) {
	next := st
	switch action {
	case models.ActionLearn:
		next.LastLearnAt = &now
	case models.ActionDigest:
		next.LastDigestAt = &now
	}
	next.UpdatedAt = now
	return e.repo.CompareAndSwapState(ctx, next)
}

func (e *Engine) newOutcome(personaID string, now time.Time, st models.PersonaState, energy, undigested int) *models.Outcome {
	return &models.Outcome{
		PersonaID: personaID,
		Timestamp: now,
		Snapshot: models.Snapshot{
			Energy:          energy,
			TokensRemaining: st.TokensRemaining(),
			Mood:            st.Mood,
			Undigested:      undigested,
		},
		Details: map[string]any{},
	}
}

func (e *Engine) rest(out *models.Outcome, reason string) *models.Outcome {
	out.Action = models.ActionRest
	out.Reason = reason
	return out
}

// learn runs one Learn session on a claimed state and fills out.
func (e *Engine) learn(ctx context.Context, p models.Persona, st *models.PersonaState, energy int, out *models.Outcome) {
	queries := BuildQueries(p, out.Timestamp, e.cfg.MaxQueries)
	if len(queries) == 0 {
		e.rest(out, "nothing to learn: manifest has no interests and persona has no role")
		return
	}

	// A budget too small for every query forces the fallback backend and
	// trims the session to what the budget covers.
	remaining := st.TokensRemaining()
	forceFallback := remaining < e.cfg.MinTokensForAction*len(queries)
	if forceFallback {
		queries = queries[:max(1, min(len(queries), remaining/e.cfg.MinTokensForAction))]
		out.Details["forced_fallback"] = true
	}

	backend, err := e.selector.SelectAt(ctx, p.ID, energy, forceFallback)
	if err != nil {
		e.rest(out, fmt.Sprintf("learn aborted: %v", err))
		return
	}
	out.BackendID = backend.ID

	var learned, tokens int
	var learnedTopics []string
	var failure error
	for _, q := range queries {
		resp, err := e.invoker.Invoke(ctx, backend, learnPrompt(p, q), e.related(ctx, p.ID, q))
		if err != nil {
			failure = fmt.Errorf("invoke %s: %w", backend.ID, err)
			break
		}
		if _, err := e.tracker.Consume(ctx, p.ID, resource.Usage{Tokens: resp.TokensConsumed, Energy: e.cfg.LearnEnergyCost}); err != nil {
			failure = err
			break
		}
		tokens += resp.TokensConsumed
		if _, err := e.memory.Add(ctx, models.Memory{
			PersonaID:  p.ID,
			Content:    resp.Text,
			Type:       models.MemoryTypeLearning,
			Importance: learningImportance,
			Tags:       []string{"learning", q},
			CreatedAt:  e.clock.Now(),
		}); err != nil {
			failure = fmt.Errorf("store learning: %w", err)
			break
		}
		learned++
		learnedTopics = append(learnedTopics, q)
	}

	out.Details["queries"] = learnedTopics
	out.Details["memories_added"] = learned
	out.Details["tokens_used"] = tokens
	if failure != nil {
		out.Details["error"] = failure.Error()
		if errors.Is(failure, resource.ErrBudgetExhausted) {
			out.Details["budget_exhausted"] = true
		}
	}
	if learned == 0 {
		e.rest(out, fmt.Sprintf("learn failed: %v", failure))
		return
	}
	out.Action = models.ActionLearn
}

// digest consolidates the oldest undigested learning memories, at most
// MaxDigestBatch of them, into one expertise memory. The batch is marked
// digested only once the expertise is stored, so a failed digest leaves it
// for the next one.
func (e *Engine) digest(ctx context.Context, p models.Persona, st *models.PersonaState, energy int, out *models.Outcome) {
	undigested, err := e.memory.ListUndigested(ctx, p.ID, e.cfg.MaxDigestBatch)
	if err != nil {
		e.rest(out, fmt.Sprintf("digest aborted: list learnings: %v", err))
		return
	}
	if len(undigested) == 0 {
		e.rest(out, "nothing to digest")
		return
	}
	forceFallback := st.TokensRemaining() < e.cfg.MinTokensForAction
	backend, err := e.selector.SelectAt(ctx, p.ID, energy, forceFallback)
	if err != nil {
		e.rest(out, fmt.Sprintf("digest aborted: %v", err))
		return
	}
	out.BackendID = backend.ID

	resp, err := e.invoker.Invoke(ctx, backend, digestPrompt(p, undigested), nil)
	if err != nil {
		e.rest(out, fmt.Sprintf("digest failed: invoke %s: %v", backend.ID, err))
		return
	}
	if _, err := e.tracker.Consume(ctx, p.ID, resource.Usage{Tokens: resp.TokensConsumed, Energy: e.cfg.DigestEnergyCost}); err != nil {
		if errors.Is(err, resource.ErrBudgetExhausted) {
			out.Details["budget_exhausted"] = true
		}
		e.rest(out, fmt.Sprintf("digest failed: %v", err))
		return
	}
	m, err := e.memory.Add(ctx, models.Memory{
		PersonaID:  p.ID,
		Content:    resp.Text,
		Type:       models.MemoryTypeExpertise,
		Importance: expertiseImportance,
		Tags:       []string{"expertise", "digest"},
		CreatedAt:  e.clock.Now(),
	})
	if err != nil {
		e.rest(out, fmt.Sprintf("digest failed: store expertise: %v", err))
		return
	}
	ids := make([]string, len(undigested))
	for i, u := range undigested {
		ids[i] = u.ID
	}
	if err := e.memory.MarkDigested(ctx, p.ID, ids, e.clock.Now()); err != nil {
		e.logger.Warn("mark memories digested", zap.String("persona_id", p.ID), zap.Error(err))
		out.Details["error"] = fmt.Sprintf("mark digested: %v", err)
	}
	out.Action = models.ActionDigest
	out.Details["memories_digested"] = len(undigested)
	out.Details["expertise_id"] = m.ID
	out.Details["tokens_used"] = resp.TokensConsumed
}

// related returns the content of memories close to query, for context.
func (e *Engine) related(ctx context.Context, personaID, query string) []string {
	hits, err := e.memory.Search(ctx, personaID, query, 3)
	if err != nil {
		e.logger.Warn("memory search failed", zap.String("persona_id", personaID), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Content)
	}
	return out
}

// finish records and publishes an outcome. Failures are logged only.
func (e *Engine) finish(ctx context.Context, out *models.Outcome) *models.Outcome {
	if e.recorder != nil {
		if _, err := e.recorder.RecordOutcome(ctx, out); err != nil {
			e.logger.Warn("record outcome failed", zap.String("persona_id", out.PersonaID), zap.Error(err))
		}
	}
	e.publish(models.EventForAction(out.Action), out.PersonaID, OutcomeData(out))
	e.logger.Info("tick",
		zap.String("persona_id", out.PersonaID),
		zap.String("action", string(out.Action)),
		zap.String("reason", out.Reason),
		zap.Int("energy", out.Snapshot.Energy),
		zap.String("backend_id", out.BackendID))
	return out
}

func (e *Engine) publish(name, personaID string, data map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(models.Event{
		Name:      name,
		PersonaID: personaID,
		Timestamp: e.clock.Now(),
		Data:      data,
	})
}

// OutcomeData is the event payload of an outcome.
func OutcomeData(o *models.Outcome) map[string]any {
	data := map[string]any{
		"action":    string(o.Action),
		"reason":    o.Reason,
		"timestamp": o.Timestamp,
		"snapshot":  o.Snapshot,
	}
	if o.BackendID != "" {
		data["backend_id"] = o.BackendID
	}
	if len(o.Details) > 0 {
		data["details"] = o.Details
	}
	return data
}

// Summary counts the outcomes of a TickAll run.
type Summary struct {
	Processed int               `json:"processed"`
	Learns    int               `json:"learns"`
	Digests   int               `json:"digests"`
	Rests     int               `json:"rests"`
	Skipped   int               `json:"skipped"`
	Errors    int               `json:"errors"`
	Outcomes  []*models.Outcome `json:"outcomes"`
}

func (s *Summary) add(o *models.Outcome) {
	s.Processed++
	s.Outcomes = append(s.Outcomes, o)
	switch {
	case o.Skipped:
		s.Skipped++
	case o.Action == models.ActionLearn:
		s.Learns++
	case o.Action == models.ActionDigest:
		s.Digests++
	default:
		s.Rests++
	}
}

// TickAll ticks every persona, Concurrency at a time. A failing persona
// is counted and does not stop the others.
func (e *Engine) TickAll(ctx context.Context) (*Summary, error) {
	personas, err := e.repo.ListPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	return e.TickEach(ctx, personas, nil)
}

// TickEach ticks the given personas, Concurrency at a time. before, when
// set, runs ahead of each tick; an error from it skips that persona.
func (e *Engine) TickEach(ctx context.Context, personas []models.Persona, before func(ctx context.Context, p models.Persona) error) (*Summary, error) {
	var mu sync.Mutex
	summary := &Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range personas {
		g.Go(func() error {
			if before != nil {
				if err := before(gctx, p); err != nil {
					return nil
				}
			}
			out, err := e.Tick(gctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors++
				e.logger.Warn("tick failed", zap.String("persona_id", p.ID), zap.Error(err))
				return nil
			}
			summary.add(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}
