package decision

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/kaiba/internal/audit"
	"github.com/fentz26/kaiba/internal/clock"
	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/memory"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    int
	text     string
	tokens   int
	err      error
	backends []string
}

func (f *fakeInvoker) Invoke(_ context.Context, b models.Backend, prompt string, _ []string) (*connectors.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.backends = append(f.backends, b.ID)
	if f.err != nil {
		return nil, f.err
	}
	return &connectors.Response{Text: f.text, TokensConsumed: f.tokens, Model: b.ModelID}, nil
}

func (f *fakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingPublisher) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, ev := range r.events {
		names = append(names, ev.Name)
	}
	return names
}

type harness struct {
	store     *store.Store
	memory    *memory.Service
	invoker   *fakeInvoker
	publisher *recordingPublisher
	clock     *clock.FakeClock
	engine    *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:     s,
		memory:    memory.NewService(s),
		invoker:   &fakeInvoker{text: "fresh knowledge about rust", tokens: 200},
		publisher: &recordingPublisher{},
		clock:     clock.Fake(start),
	}
	h.engine = NewEngine(cfg, Deps{
		Repo:      s,
		Memory:    h.memory,
		Invoker:   h.invoker,
		Publisher: h.publisher,
		Recorder:  audit.NewPDRWriter(s),
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t),
	})

	ctx := context.Background()
	_, err = s.SaveBackend(ctx, models.Backend{ID: "primary", Provider: models.ProviderGoogle, ModelID: "gemini", Priority: 0})
	require.NoError(t, err)
	_, err = s.SaveBackend(ctx, models.Backend{ID: "cheap", Provider: models.ProviderLocal, ModelID: "cat", Priority: 2, IsFallback: true})
	require.NoError(t, err)
	return h
}

func (h *harness) persona(t *testing.T, link bool) string {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.CreatePersona(ctx, models.Persona{
		Name: "Rei", Role: "systems engineer",
		Manifest: models.Manifest{Interests: []string{"rust"}},
	})
	require.NoError(t, err)
	if link {
		require.NoError(t, h.store.LinkBackend(ctx, p.ID, "primary"))
		require.NoError(t, h.store.LinkBackend(ctx, p.ID, "cheap"))
	}
	return p.ID
}

func (h *harness) setState(t *testing.T, id string, mutate func(*models.PersonaState)) {
	t.Helper()
	ctx := context.Background()
	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	next := *st
	mutate(&next)
	_, err = h.store.CompareAndSwapState(ctx, next)
	require.NoError(t, err)
}

func (h *harness) addLearning(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.memory.Add(context.Background(), models.Memory{
			PersonaID: id, Content: "rust note", Type: models.MemoryTypeLearning, Importance: 0.7,
			CreatedAt: start.Add(-time.Duration(i+1) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func noDigestConfig() Config {
	cfg := DefaultConfig()
	cfg.MinUndigested = 1000
	cfg.UrgentDigestCount = 1000
	return cfg
}

func TestTickLearn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, true)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLearn, out.Action)
	assert.Equal(t, "primary", out.BackendID)
	assert.Equal(t, 100, out.Snapshot.Energy)
	assert.Equal(t, 1, out.Details["memories_added"])

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 200, st.TokensUsed)
	assert.Equal(t, 90, st.EnergyLevel)
	require.NotNil(t, st.LastLearnAt)
	assert.True(t, st.LastLearnAt.Equal(start))

	mems, err := h.memory.ListUndigested(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "fresh knowledge about rust", mems[0].Content)
	assert.Equal(t, []string{models.EventLearningCompleted}, h.publisher.Names())

	pdrs, err := h.store.ListPDRs(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, pdrs, 1)
	assert.Equal(t, "decision.learn", pdrs[0].Action)
}

func TestTickRespectsLearnCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, true)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionLearn, out.Action)

	h.clock.Set(start.Add(30 * time.Minute))
	out, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Contains(t, out.Reason, "cooldown")

	h.clock.Set(start.Add(61 * time.Minute))
	out, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLearn, out.Action)
	assert.Equal(t, 2, h.invoker.Calls())
}

func TestConcurrentTicksLearnOnce(t *testing.T) {
	ctx := context.Background()
	cfg := noDigestConfig()
	cfg.MaxConflictRetries = 20
	h := newHarness(t, cfg)
	id := h.persona(t, true)

	var wg sync.WaitGroup
	outcomes := make([]*models.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.Tick(ctx, id)
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	learns := 0
	for _, o := range outcomes {
		require.NotNil(t, o)
		if o.Action == models.ActionLearn && !o.Skipped {
			learns++
		}
	}
	assert.Equal(t, 1, learns)
	assert.Equal(t, 1, h.invoker.Calls())
}

func TestTickTiredRests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.setState(t, id, func(s *models.PersonaState) {
		s.EnergyLevel = 10
		s.LastActiveAt = &start
	})

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Contains(t, out.Reason, "tired")
	assert.Zero(t, h.invoker.Calls())
	assert.Equal(t, []string{models.EventRestTaken}, h.publisher.Names())
}

func TestTickUrgentDigestWhileTired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.setState(t, id, func(s *models.PersonaState) {
		s.EnergyLevel = 10
		s.LastActiveAt = &start
	})
	h.addLearning(t, id, 10)
	h.invoker.text = "consolidated expertise"

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionDigest, out.Action)
	assert.Contains(t, out.Reason, "urgent")
	assert.Equal(t, true, out.Details["urgent"])
	// Tired selection goes to the fallback.
	assert.Equal(t, "cheap", out.BackendID)
	assert.Equal(t, 10, out.Details["memories_digested"])

	expertise, err := h.memory.Search(ctx, id, "consolidated expertise", 5, models.MemoryTypeExpertise)
	require.NoError(t, err)
	require.Len(t, expertise, 1)
	assert.Equal(t, 0.9, expertise[0].Importance)

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.LastDigestAt)
	assert.Equal(t, 5, st.EnergyLevel)
}

func TestTickDigestThenLearn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.addLearning(t, id, 2)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionDigest, out.Action)
	assert.Equal(t, 2, out.Snapshot.Undigested)

	out, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLearn, out.Action)
	assert.Equal(t, []string{models.EventDigestCompleted, models.EventLearningCompleted}, h.publisher.Names())
}

func TestFailedDigestKeepsLearnings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.addLearning(t, id, 3)
	h.invoker.err = errors.New("upstream down")

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Contains(t, out.Reason, "digest failed")
	_, urgent := out.Details["urgent"]
	assert.False(t, urgent)

	n, err := h.memory.CountUndigested(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "learnings survive a failed digest")

	h.invoker.err = nil
	h.invoker.text = "consolidated expertise"
	h.clock.Set(start.Add(DefaultConfig().DigestCooldown + time.Minute))
	out, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionDigest, out.Action)
	assert.Equal(t, 3, out.Snapshot.Undigested)
	assert.Equal(t, 3, out.Details["memories_digested"])

	n, err = h.memory.CountUndigested(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDigestBatchTakesOldestFirst(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxDigestBatch = 10
	h := newHarness(t, cfg)
	id := h.persona(t, true)
	h.addLearning(t, id, 12)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionDigest, out.Action)
	assert.Equal(t, 12, out.Snapshot.Undigested)
	assert.Equal(t, 10, out.Details["memories_digested"])

	rest, err := h.memory.ListUndigested(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	// The two newest learnings wait for the next digest.
	assert.True(t, rest[0].CreatedAt.Equal(start.Add(-2*time.Minute)))
	assert.True(t, rest[1].CreatedAt.Equal(start.Add(-time.Minute)))
}

func TestTickWithoutBackendRests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, false)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Contains(t, out.Reason, "no available backend")
	assert.Equal(t, []string{models.EventRestTaken}, h.publisher.Names())

	// The cooldown stays claimed.
	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, st.LastLearnAt)
}

func TestTickBudgetExhaustedRests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, true)
	h.setState(t, id, func(s *models.PersonaState) { s.TokensUsed = s.TokenBudget - 600 })
	h.invoker.tokens = 1000

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Equal(t, true, out.Details["budget_exhausted"])

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st.TokenBudget-600, st.TokensUsed, "rejected debit must not be applied")
	assert.Equal(t, 100, st.EnergyLevel)
}

func TestTickLowBudgetForcesFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	p, err := h.store.CreatePersona(ctx, models.Persona{
		Name:     "Kai",
		Manifest: models.Manifest{Interests: []string{"rust", "go", "zig"}},
	})
	require.NoError(t, err)
	require.NoError(t, h.store.LinkBackend(ctx, p.ID, "primary"))
	require.NoError(t, h.store.LinkBackend(ctx, p.ID, "cheap"))
	// 1200 tokens cover two of the three queries.
	h.setState(t, p.ID, func(s *models.PersonaState) { s.TokensUsed = s.TokenBudget - 1200 })

	out, err := h.engine.Tick(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActionLearn, out.Action)
	assert.Equal(t, "cheap", out.BackendID)
	assert.Equal(t, true, out.Details["forced_fallback"])
	assert.Equal(t, 2, out.Details["memories_added"])
	assert.Equal(t, 2, h.invoker.Calls())
}

func TestTickCapabilityFailureRests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, true)
	h.invoker.err = errors.Join(errors.New("upstream 503"), connectors.ErrTransient)

	out, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.Contains(t, out.Reason, "learn failed")
	assert.Contains(t, out.Details["error"], "upstream 503")
	assert.Equal(t, []string{models.EventRestTaken}, h.publisher.Names())
}

type conflictingRepo struct {
	*store.Store
}

func (conflictingRepo) CompareAndSwapState(context.Context, models.PersonaState) (*models.PersonaState, error) {
	return nil, store.ErrVersionConflict
}

func TestTickSkipsAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	id := h.persona(t, true)
	pub := &recordingPublisher{}
	engine := NewEngine(noDigestConfig(), Deps{
		Repo: conflictingRepo{h.store}, Memory: h.memory, Invoker: h.invoker, Publisher: pub, Clock: h.clock,
	})

	out, err := engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, pub.Names())
	assert.Zero(t, h.invoker.Calls())
}

func TestTickUnknownPersona(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.engine.Tick(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTickAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, noDigestConfig())
	a := h.persona(t, true)
	h.persona(t, false)
	h.setState(t, a, func(s *models.PersonaState) { s.EnergyLevel = 5; s.LastActiveAt = &start })

	summary, err := h.engine.TickAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Rests)
	assert.Zero(t, summary.Errors)
	assert.Len(t, summary.Outcomes, 2)
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.invoker.text = "hello there"
	h.invoker.tokens = 50

	res, err := h.engine.Call(ctx, id, "say hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Response)
	assert.Equal(t, "primary", res.BackendID)
	assert.False(t, res.BudgetExhausted)
	assert.Equal(t, 99, res.EnergyAfter)
	assert.Equal(t, []string{models.EventResponseCompleted}, h.publisher.Names())

	_, err = h.engine.Call(ctx, id, "  ")
	assert.Error(t, err)
}

func TestCallLowBudgetUsesFallbackAndFlagsExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	id := h.persona(t, true)
	h.setState(t, id, func(s *models.PersonaState) { s.TokensUsed = s.TokenBudget - 10 })
	h.invoker.tokens = 50

	res, err := h.engine.Call(ctx, id, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.BackendID)
	assert.True(t, res.BudgetExhausted)

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st.TokenBudget-10, st.TokensUsed)
}
