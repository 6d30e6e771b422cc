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

const personaColumns = `id, name, role, avatar_url, manifest, created_at, updated_at`

// CreatePersona inserts a persona together with its default resource state.
// An empty ID is generated.
func (s *Store) CreatePersona(ctx context.Context, p models.Persona) (*models.Persona, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	manifest, err := marshalJSON(p.Manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	state := models.NewPersonaState(p.ID, now)
	state.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO personas (`+personaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Role, p.AvatarURL, manifest, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("persona %s: %w", p.ID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert persona: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO persona_states (persona_id, token_budget, tokens_used, energy_level, energy_regen_per_hour, mood, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.PersonaID, state.TokenBudget, state.TokensUsed, state.EnergyLevel, state.EnergyRegenPerHour, state.Mood, state.Version, state.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert persona state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &p, nil
}

func scanPersona(row rowScanner) (*models.Persona, error) {
	var p models.Persona
	var manifest string
	if err := row.Scan(&p.ID, &p.Name, &p.Role, &p.AvatarURL, &manifest, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if manifest != "" {
		if err := json.Unmarshal([]byte(manifest), &p.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// GetPersona retrieves a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	p, err := scanPersona(s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query persona: %w", err)
	}
	return p, nil
}

// ListPersonas returns every persona ordered by creation time.
func (s *Store) ListPersonas(ctx context.Context) ([]models.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM personas ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var personas []models.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		personas = append(personas, *p)
	}
	return personas, rows.Err()
}

// DeletePersona removes a persona, its state and its backend links.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- State Operations ---

const stateColumns = `persona_id, token_budget, tokens_used, energy_level, energy_regen_per_hour, mood,
	last_active_at, last_learn_at, last_digest_at, version, updated_at`

// GetState retrieves the stored resource state of a persona.
func (s *Store) GetState(ctx context.Context, personaID string) (*models.PersonaState, error) {
	var st models.PersonaState
	var lastActive, lastLearn, lastDigest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM persona_states WHERE persona_id = ?`, personaID,
	).Scan(&st.PersonaID, &st.TokenBudget, &st.TokensUsed, &st.EnergyLevel, &st.EnergyRegenPerHour, &st.Mood,
		&lastActive, &lastLearn, &lastDigest, &st.Version, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state for persona %s: %w", personaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query persona state: %w", err)
	}
	st.LastActiveAt = timePtr(lastActive)
	st.LastLearnAt = timePtr(lastLearn)
	st.LastDigestAt = timePtr(lastDigest)
	return &st, nil
}

// CompareAndSwapState writes next only if the stored version still equals
// next.Version, then bumps the version. It returns ErrVersionConflict when
// another writer got there first.
func (s *Store) CompareAndSwapState(ctx context.Context, next models.PersonaState) (*models.PersonaState, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE persona_states SET token_budget = ?, tokens_used = ?, energy_level = ?, energy_regen_per_hour = ?, mood = ?,
			last_active_at = ?, last_learn_at = ?, last_digest_at = ?, version = version + 1, updated_at = ?
		 WHERE persona_id = ? AND version = ?`,
		next.TokenBudget, next.TokensUsed, next.EnergyLevel, next.EnergyRegenPerHour, next.Mood,
		nullTime(next.LastActiveAt), nullTime(next.LastLearnAt), nullTime(next.LastDigestAt), next.UpdatedAt.UTC(),
		next.PersonaID, next.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update persona state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetState(ctx, next.PersonaID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("state for persona %s at version %d: %w", next.PersonaID, next.Version, ErrVersionConflict)
	}
	next.Version++
	return &next, nil
}
