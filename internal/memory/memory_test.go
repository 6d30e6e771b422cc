package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s)
}

func TestTermsAndMatchExpr(t *testing.T) {
	assert.Equal(t, []string{"rust", "async", "runtimes"}, Terms("Rust: async runtimes, rust!"))
	assert.Empty(t, Terms("a ? b"))

	assert.Equal(t, `"rust" OR "async"`, MatchExpr("Rust, async"))
	assert.Equal(t, `"and" OR "near"`, MatchExpr("AND near"))
	assert.Empty(t, MatchExpr("* ( )"))
}

func TestSearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	add := func(content string, typ models.MemoryType, importance float64) {
		_, err := svc.Add(ctx, models.Memory{PersonaID: "p1", Content: content, Type: typ, Importance: importance})
		require.NoError(t, err)
	}
	add("tokio async runtime for rust", models.MemoryTypeLearning, 0.7)
	add("rust borrow checker notes", models.MemoryTypeFact, 0.9)
	add("gardening tips", models.MemoryTypeLearning, 0.7)
	add("rust async expertise summary", models.MemoryTypeExpertise, 0.9)

	hits, err := svc.Search(ctx, "p1", "rust async", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// Memories holding both terms rank above the one holding only one; the
	// shorter of the two full matches ranks first.
	assert.Equal(t, "rust async expertise summary", hits[0].Content)
	assert.Equal(t, "tokio async runtime for rust", hits[1].Content)
	assert.Equal(t, "rust borrow checker notes", hits[2].Content)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Less(t, hits[2].Score, hits[1].Score)
	assert.Greater(t, hits[2].Score, 0.0)

	hits, err = svc.Search(ctx, "p1", "rust async", 10, models.MemoryTypeLearning)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = svc.Search(ctx, "p1", "rust", 10, models.MemoryTypeFact, models.MemoryTypeExpertise)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = svc.Search(ctx, "p1", "rust", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = svc.Search(ctx, "p2", "rust", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = svc.Search(ctx, "p1", "NOT (rust", 10)
	require.NoError(t, err, "query syntax is never passed through")
	assert.Len(t, hits, 3)
}

func TestAddValidates(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Add(context.Background(), models.Memory{PersonaID: "p1", Content: "  "})
	assert.Error(t, err)

	m, err := svc.Add(context.Background(), models.Memory{PersonaID: "p1", Content: "x", Importance: 4})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Importance)
	assert.Equal(t, models.MemoryTypeConversation, m.Type)
}

func TestUndigestedOldestFirstUntilMarked(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := svc.Add(ctx, models.Memory{
			PersonaID: "p1", Content: "learned", Type: models.MemoryTypeLearning, Importance: 0.7,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := svc.Add(ctx, models.Memory{PersonaID: "p1", Content: "summary", Type: models.MemoryTypeExpertise, CreatedAt: base.Add(5 * time.Hour)})
	require.NoError(t, err)

	n, err := svc.CountUndigested(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	batch, err := svc.ListUndigested(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[0], batch[0].ID)
	assert.Equal(t, ids[1], batch[1].ID)

	require.NoError(t, svc.MarkDigested(ctx, "p1", []string{batch[0].ID, batch[1].ID}, base.Add(6*time.Hour)))
	// Another persona cannot mark these memories.
	require.NoError(t, svc.MarkDigested(ctx, "p2", []string{ids[2]}, base.Add(6*time.Hour)))

	rest, err := svc.ListUndigested(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)
	assert.Nil(t, rest[0].DigestedAt)

	n, err = svc.CountUndigested(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
