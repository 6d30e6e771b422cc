package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/google/uuid"
)

const backendColumns = `id, name, provider, model_id, priority, is_fallback, config, created_at, updated_at`

// SaveBackend inserts a backend, or replaces the one with the same ID.
// An empty ID is generated.
func (s *Store) SaveBackend(ctx context.Context, b models.Backend) (*models.Backend, error) {
	if _, err := models.ParseProvider(string(b.Provider)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	cfg, err := marshalJSON(b.Config)
	if err != nil {
		return nil, fmt.Errorf("encode backend config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backends (`+backendColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, provider = excluded.provider, model_id = excluded.model_id,
			priority = excluded.priority, is_fallback = excluded.is_fallback, config = excluded.config, updated_at = excluded.updated_at`,
		b.ID, b.Name, string(b.Provider), b.ModelID, b.Priority, b.IsFallback, cfg, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert backend: %w", err)
	}
	return &b, nil
}

func scanBackend(row rowScanner) (*models.Backend, error) {
	var b models.Backend
	var provider, cfg string
	if err := row.Scan(&b.ID, &b.Name, &provider, &b.ModelID, &b.Priority, &b.IsFallback, &cfg, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := models.ParseProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.ID, err)
	}
	b.Provider = p
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &b.Config); err != nil {
			return nil, fmt.Errorf("decode config for backend %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

// GetBackend retrieves a backend by ID.
func (s *Store) GetBackend(ctx context.Context, id string) (*models.Backend, error) {
	b, err := scanBackend(s.db.QueryRowContext(ctx,
		`SELECT `+backendColumns+` FROM backends WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backend %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query backend: %w", err)
	}
	return b, nil
}

// ListBackends returns the whole backend catalog ordered by priority then ID.
func (s *Store) ListBackends(ctx context.Context) ([]models.Backend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backendColumns+` FROM backends ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("query backends: %w", err)
	}
	defer rows.Close()

	var backends []models.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		backends = append(backends, *b)
	}
	return backends, rows.Err()
}

// DeleteBackend removes a backend and its persona links.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backends WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("backend %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Persona Backend Links ---

// LinkBackend makes a backend a candidate for a persona. Linking twice is a no-op.
func (s *Store) LinkBackend(ctx context.Context, personaID, backendID string) error {
	if _, err := s.GetPersona(ctx, personaID); err != nil {
		return err
	}
	if _, err := s.GetBackend(ctx, backendID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_backends (persona_id, backend_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(persona_id, backend_id) DO NOTHING`,
		personaID, backendID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert persona backend: %w", err)
	}
	return nil
}

// UnlinkBackend removes a backend from a persona's candidates.
func (s *Store) UnlinkBackend(ctx context.Context, personaID, backendID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM persona_backends WHERE persona_id = ? AND backend_id = ?`, personaID, backendID)
	if err != nil {
		return fmt.Errorf("delete persona backend: %w", err)
	}
	return nil
}

// ListPersonaBackendIDs returns the candidate backend IDs of a persona.
func (s *Store) ListPersonaBackendIDs(ctx context.Context, personaID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend_id FROM persona_backends WHERE persona_id = ? ORDER BY backend_id`, personaID)
	if err != nil {
		return nil, fmt.Errorf("query persona backends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan persona backend: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
