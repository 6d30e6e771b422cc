package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file was not created")
	require.NoError(t, s.Ping(context.Background()))
}

func TestCreatePersonaSeedsDefaultState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.CreatePersona(ctx, models.Persona{
		Name: "Rei",
		Role: "researcher",
		Manifest: models.Manifest{
			Interests: []string{"rust", "databases"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := s.GetPersona(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rei", got.Name)
	assert.Equal(t, []string{"rust", "databases"}, got.Manifest.Interests)

	st, err := s.GetState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultTokenBudget, st.TokenBudget)
	assert.Equal(t, models.DefaultEnergy, st.EnergyLevel)
	assert.Equal(t, models.DefaultRegenPerHour, st.EnergyRegenPerHour)
	assert.Equal(t, models.DefaultMood, st.Mood)
	assert.Nil(t, st.LastActiveAt)
	assert.EqualValues(t, 1, st.Version)

	_, err = s.CreatePersona(ctx, models.Persona{ID: p.ID, Name: "dup"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetPersona(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwapState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, err := s.CreatePersona(ctx, models.Persona{Name: "Rei"})
	require.NoError(t, err)

	st, err := s.GetState(ctx, p.ID)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := *st
	next.TokensUsed = 700
	next.EnergyLevel = 60
	next.LastActiveAt = &now
	next.UpdatedAt = now

	written, err := s.CompareAndSwapState(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, st.Version+1, written.Version)

	// A second writer still holding the old version loses.
	stale := *st
	stale.TokensUsed = 1
	_, err = s.CompareAndSwapState(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 700, got.TokensUsed)
	assert.Equal(t, 60, got.EnergyLevel)
	require.NotNil(t, got.LastActiveAt)
	assert.True(t, got.LastActiveAt.Equal(now))

	missing := next
	missing.PersonaID = "missing"
	_, err = s.CompareAndSwapState(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackendsAndLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, err := s.CreatePersona(ctx, models.Persona{Name: "Rei"})
	require.NoError(t, err)

	temp := 0.4
	b, err := s.SaveBackend(ctx, models.Backend{
		ID: "gemini-pro", Name: "Gemini Pro", Provider: models.ProviderGoogle, ModelID: "gemini-2.5-pro",
		Priority: 0, Config: models.BackendConfig{Temperature: &temp, WebSearch: true},
	})
	require.NoError(t, err)
	_, err = s.SaveBackend(ctx, models.Backend{
		ID: "local", Name: "Local", Provider: models.ProviderLocal, ModelID: "echo", Priority: 9, IsFallback: true,
	})
	require.NoError(t, err)

	_, err = s.SaveBackend(ctx, models.Backend{Name: "bad", Provider: "acme"})
	assert.Error(t, err)

	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Config.Temperature)
	assert.InDelta(t, 0.4, *got.Config.Temperature, 1e-9)
	assert.True(t, got.Config.WebSearch)

	all, err := s.ListBackends(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].IsFallback)

	require.NoError(t, s.LinkBackend(ctx, p.ID, "local"))
	require.NoError(t, s.LinkBackend(ctx, p.ID, "gemini-pro"))
	require.NoError(t, s.LinkBackend(ctx, p.ID, "local"))
	assert.ErrorIs(t, s.LinkBackend(ctx, p.ID, "nope"), ErrNotFound)

	ids, err := s.ListPersonaBackendIDs(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-pro", "local"}, ids)

	require.NoError(t, s.UnlinkBackend(ctx, p.ID, "local"))
	ids, err = s.ListPersonaBackendIDs(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-pro"}, ids)
}

func TestSubscriptionsCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.CreateSubscription(ctx, models.Subscription{
		PersonaID: "p1", URL: "https://example.test/hook", Secret: "s3cret", Enabled: true,
		Events: []string{models.EventAll}, Headers: map[string]string{"X-Team": "kaiba"},
		MaxRetries: 3, TimeoutMs: 1000,
	})
	require.NoError(t, err)

	_, err = s.CreateSubscription(ctx, models.Subscription{PersonaID: "p1", URL: "ftp://x", Events: []string{"all"}, TimeoutMs: 1})
	assert.Error(t, err)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, "kaiba", got.Headers["X-Team"])
	assert.True(t, got.Matches(models.EventDigestCompleted))

	got.Enabled = false
	updated, err := s.UpdateSubscription(ctx, *got)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	list, err := s.ListSubscriptions(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListSubscriptions(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	_, err = s.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeliveryIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := s.CreateDelivery(ctx, models.Delivery{SubscriptionID: "sub", Event: "rest_taken", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, d.Status)

	next := time.Now().UTC().Add(time.Second)
	first := *d
	first.Attempts = 1
	first.Status = models.DeliveryRetrying
	first.NextAttemptAt = &next
	require.NoError(t, s.UpdateDelivery(ctx, first, 0))

	// Recording attempt 1 a second time must fail.
	dup := *d
	dup.Attempts = 1
	dup.Status = models.DeliverySuccess
	assert.ErrorIs(t, s.UpdateDelivery(ctx, dup, 0), ErrVersionConflict)

	recoverable, err := s.ListRecoverableDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, []byte(`{"a":1}`), recoverable[0].Payload)

	done := time.Now().UTC()
	final := first
	final.Attempts = 2
	final.Status = models.DeliverySuccess
	final.StatusCode = 200
	final.NextAttemptAt = nil
	final.CompletedAt = &done
	require.NoError(t, s.UpdateDelivery(ctx, final, 1))

	// Terminal rows accept no further attempts.
	after := final
	after.Attempts = 3
	assert.ErrorIs(t, s.UpdateDelivery(ctx, after, 2), ErrVersionConflict)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)

	recoverable, err = s.ListRecoverableDeliveries(ctx)
	require.NoError(t, err)
	assert.Empty(t, recoverable)

	list, err := s.ListDeliveries(ctx, "sub", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListMemoriesFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range []models.MemoryType{models.MemoryTypeLearning, models.MemoryTypeLearning, models.MemoryTypeFact} {
		_, err := s.AddMemory(ctx, models.Memory{
			PersonaID: "p1", Content: "note", Type: typ, Importance: 0.7,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	learning, err := s.ListMemories(ctx, MemoryFilter{PersonaID: "p1", Type: models.MemoryTypeLearning})
	require.NoError(t, err)
	assert.Len(t, learning, 2)

	since := base
	recent, err := s.ListMemories(ctx, MemoryFilter{PersonaID: "p1", Type: models.MemoryTypeLearning, Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].CreatedAt.Equal(base.Add(time.Hour)))

	all, err := s.ListMemories(ctx, MemoryFilter{PersonaID: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, models.MemoryTypeFact, all[0].Type)

	oldest, err := s.ListMemories(ctx, MemoryFilter{PersonaID: "p1", Oldest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.True(t, oldest[0].CreatedAt.Equal(base))

	marked, err := s.MarkMemoriesDigested(ctx, "p1", []string{oldest[0].ID, "missing"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	marked, err = s.MarkMemoriesDigested(ctx, "p1", []string{oldest[0].ID}, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, marked, "a digested memory keeps its first stamp")

	n, err := s.CountMemories(ctx, MemoryFilter{PersonaID: "p1", Type: models.MemoryTypeLearning, Undigested: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	learning, err = s.ListMemories(ctx, MemoryFilter{PersonaID: "p1", Type: models.MemoryTypeLearning, Oldest: true})
	require.NoError(t, err)
	require.Len(t, learning, 2)
	require.NotNil(t, learning[0].DigestedAt)
	assert.True(t, learning[0].DigestedAt.Equal(base.Add(time.Hour)))
	assert.Nil(t, learning[1].DigestedAt)
}

func TestSearchMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, m := range []models.Memory{
		{PersonaID: "p1", Content: "sqlite full text search", Type: models.MemoryTypeLearning},
		{PersonaID: "p1", Content: "search engines rank documents by relevance", Type: models.MemoryTypeFact},
		{PersonaID: "p1", Content: "cooking pasta", Type: models.MemoryTypeLearning},
		{PersonaID: "p2", Content: "sqlite search", Type: models.MemoryTypeLearning},
	} {
		_, err := s.AddMemory(ctx, m)
		require.NoError(t, err)
	}

	hits, err := s.SearchMemories(ctx, "p1", `"sqlite" OR "search"`, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "sqlite full text search", hits[0].Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, 0.0)

	hits, err = s.SearchMemories(ctx, "p1", `"search"`, []models.MemoryType{models.MemoryTypeFact}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, models.MemoryTypeFact, hits[0].Type)

	hits, err = s.SearchMemories(ctx, "p1", `"pasta"`, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestMigrateUpgradesMemoryTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := New(path)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, models.Memory{PersonaID: "p1", Content: "kept from before search existed", Type: models.MemoryTypeLearning})
	require.NoError(t, err)

	// Roll the schema back to one without the search index or digest column.
	for _, stmt := range []string{
		`DROP TRIGGER memories_fts_insert`,
		`DROP TRIGGER memories_fts_update`,
		`DROP TRIGGER memories_fts_delete`,
		`DROP TABLE memories_fts`,
		`ALTER TABLE memories DROP COLUMN digested_at`,
	} {
		_, err := s.db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hits, err := s.SearchMemories(ctx, "p1", `"search"`, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	n, err := s.CountMemories(ctx, MemoryFilter{PersonaID: "p1", Undigested: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWritePDR(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pdr, err := s.WritePDR(ctx, "decision.learn", "abc", "success", "p1", `{"queries":2}`)
	require.NoError(t, err)
	assert.NotEmpty(t, pdr.ID)

	list, err := s.ListPDRs(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "decision.learn", list[0].Action)
}
