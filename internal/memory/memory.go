// Package memory stores persona memories, ranks them against a query with
// SQLite full-text search and tracks which learnings were digested.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/store"
)

// Store is the persistence used by Service.
type Store interface {
	AddMemory(ctx context.Context, m models.Memory) (*models.Memory, error)
	ListMemories(ctx context.Context, f store.MemoryFilter) ([]models.Memory, error)
	CountMemories(ctx context.Context, f store.MemoryFilter) (int, error)
	MarkMemoriesDigested(ctx context.Context, personaID string, ids []string, at time.Time) (int, error)
	SearchMemories(ctx context.Context, personaID, match string, types []models.MemoryType, limit int) ([]models.ScoredMemory, error)
}

// Service adds, searches and lists persona memories.
type Service struct {
	store Store
}

// NewService creates a memory Service.
func NewService(s Store) *Service {
	return &Service{store: s}
}

// Add stores a memory. Importance is clamped to [0,1].
func (s *Service) Add(ctx context.Context, m models.Memory) (*models.Memory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	if m.PersonaID == "" {
		return nil, fmt.Errorf("memory persona is required")
	}
	m.Importance = min(max(m.Importance, 0), 1)
	return s.store.AddMemory(ctx, m)
}

// Search returns up to limit memories of a persona ranked by BM25 relevance
// to the query terms. Only memories of the given types are considered; no
// types means all. Memories sharing no term with the query are dropped.
// Scores are relative to the best hit, which scores 1.
func (s *Service) Search(ctx context.Context, personaID, query string, limit int, types ...models.MemoryType) ([]models.ScoredMemory, error) {
	match := MatchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	hits, err := s.store.SearchMemories(ctx, personaID, match, types, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	if len(hits) == 0 || hits[0].Score <= 0 {
		return hits, nil
	}
	best := hits[0].Score
	for i := range hits {
		hits[i].Score = min(max(hits[i].Score/best, 0), 1)
	}
	return hits, nil
}

// CountUndigested returns how many learning memories of a persona have not
// been consolidated into expertise yet.
func (s *Service) CountUndigested(ctx context.Context, personaID string) (int, error) {
	return s.store.CountMemories(ctx, undigested(personaID, 0))
}

// ListUndigested returns up to limit learning memories not yet digested,
// oldest first. A limit of zero returns them all.
func (s *Service) ListUndigested(ctx context.Context, personaID string, limit int) ([]models.Memory, error) {
	return s.store.ListMemories(ctx, undigested(personaID, limit))
}

// MarkDigested records that the given memories were consolidated at at.
func (s *Service) MarkDigested(ctx context.Context, personaID string, ids []string, at time.Time) error {
	if _, err := s.store.MarkMemoriesDigested(ctx, personaID, ids, at); err != nil {
		return err
	}
	return nil
}

func undigested(personaID string, limit int) store.MemoryFilter {
	return store.MemoryFilter{
		PersonaID:  personaID,
		Type:       models.MemoryTypeLearning,
		Undigested: true,
		Oldest:     true,
		Limit:      limit,
	}
}

// MatchExpr turns free text into an FTS5 expression matching any of its
// terms. It is empty when the text has no terms.
func MatchExpr(text string) string {
	terms := Terms(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}

// Terms splits text into distinct lower-case words of two or more runes.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
