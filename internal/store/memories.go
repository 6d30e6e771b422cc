package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/google/uuid"
)

// MemoryFilter narrows ListMemories. Zero values match everything.
type MemoryFilter struct {
	PersonaID string
	Type      models.MemoryType
	// Since keeps memories created strictly after it.
	Since *time.Time
	// Undigested keeps memories not yet marked digested.
	Undigested bool
	// Oldest orders oldest first instead of newest first.
	Oldest bool
	Limit  int
}

func (f MemoryFilter) where() (string, []any) {
	clause := ` WHERE 1 = 1`
	var args []any
	if f.PersonaID != "" {
		clause += ` AND persona_id = ?`
		args = append(args, f.PersonaID)
	}
	if f.Type != "" {
		clause += ` AND memory_type = ?`
		args = append(args, string(f.Type))
	}
	if f.Since != nil {
		clause += ` AND created_at > ?`
		args = append(args, f.Since.UTC())
	}
	if f.Undigested {
		clause += ` AND digested_at IS NULL`
	}
	return clause, args
}

const memoryColumns = `id, persona_id, content, memory_type, importance, tags, created_at, digested_at`

// AddMemory inserts a memory. An empty ID is generated and a zero
// CreatedAt is set to now.
func (s *Store) AddMemory(ctx context.Context, m models.Memory) (*models.Memory, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		m.Type = models.MemoryTypeConversation
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	tags, err := marshalJSON(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonaID, m.Content, string(m.Type), m.Importance, tags, m.CreatedAt.UTC(), nullTime(m.DigestedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &m, nil
}

// ListMemories returns memories matching f, newest first unless f.Oldest.
func (s *Store) ListMemories(ctx context.Context, f MemoryFilter) ([]models.Memory, error) {
	where, args := f.where()
	query := `SELECT ` + memoryColumns + ` FROM memories` + where
	if f.Oldest {
		query += ` ORDER BY created_at ASC, id`
	} else {
		query += ` ORDER BY created_at DESC, id`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountMemories returns how many memories match f. Limit and Oldest are
// ignored.
func (s *Store) CountMemories(ctx context.Context, f MemoryFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// MarkMemoriesDigested stamps the given memories of a persona as digested at
// at. Memories already digested keep their first stamp. It returns how many
// were marked.
func (s *Store) MarkMemoriesDigested(ctx context.Context, personaID string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{at.UTC(), personaID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET digested_at = ? WHERE persona_id = ? AND digested_at IS NULL AND id IN (?`+strings.Repeat(`, ?`, len(ids)-1)+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark memories digested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark memories digested: %w", err)
	}
	return int(n), nil
}

// SearchMemories runs an FTS5 match expression over the memories of a
// persona and returns up to limit hits, best first. Relevance is the negated
// bm25 score, so higher is better. No types means all types.
func (s *Store) SearchMemories(ctx context.Context, personaID, match string, types []models.MemoryType, limit int) ([]models.ScoredMemory, error) {
	query := `SELECT m.id, m.persona_id, m.content, m.memory_type, m.importance, m.tags, m.created_at, m.digested_at, -bm25(memories_fts) AS relevance
		FROM memories_fts JOIN memories m ON m.id = memories_fts.memory_id
		WHERE memories_fts MATCH ? AND m.persona_id = ?`
	args := []any{match, personaID}
	if len(types) > 0 {
		query += ` AND m.memory_type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY relevance DESC, m.importance DESC, m.created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredMemory
	for rows.Next() {
		var relevance float64
		m, err := scanMemory(rows, &relevance)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredMemory{Memory: *m, Score: relevance})
	}
	return out, rows.Err()
}

// scanMemory reads memoryColumns followed by any extra destinations.
func scanMemory(row rowScanner, extra ...any) (*models.Memory, error) {
	var m models.Memory
	var memType, tags string
	var digested sql.NullTime
	dest := append([]any{&m.ID, &m.PersonaID, &m.Content, &memType, &m.Importance, &tags, &m.CreatedAt, &digested}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	t, err := models.ParseMemoryType(memType)
	if err != nil {
		return nil, fmt.Errorf("memory %s: %w", m.ID, err)
	}
	m.Type = t
	m.DigestedAt = timePtr(digested)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for memory %s: %w", m.ID, err)
		}
	}
	return &m, nil
}
