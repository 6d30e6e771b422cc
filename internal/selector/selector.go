// Package selector picks which execution backend answers for a persona,
// given its live energy and its candidate backends.
package selector

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/kaiba/internal/models"
)

// ErrNoAvailableBackend is returned when no candidate passes the energy filter.
var ErrNoAvailableBackend = errors.New("no available backend")

// Energy thresholds for backend eligibility.
const (
	TiredThreshold = 20
	LowThreshold   = 50
)

// Select chooses a backend among the candidates for the given live energy.
//
//   - energy < 20: a fallback backend, or else the candidate with the
//     highest priority value (the cheapest).
//   - energy < 50: the lowest priority value among candidates with priority >= 1.
//   - otherwise the lowest priority value.
//
// Ties break on backend ID, ascending.
func Select(energy int, candidateIDs []string, all []models.Backend) (models.Backend, error) {
	candidates := restrict(candidateIDs, all)
	switch {
	case energy < TiredThreshold:
		return tired(candidates)
	case energy < LowThreshold:
		var eligible []models.Backend
		for _, b := range candidates {
			if b.Priority >= 1 {
				eligible = append(eligible, b)
			}
		}
		return lowest(eligible)
	default:
		return lowest(candidates)
	}
}

// SelectFallback runs the tired branch regardless of energy.
func SelectFallback(candidateIDs []string, all []models.Backend) (models.Backend, error) {
	return tired(restrict(candidateIDs, all))
}

func restrict(candidateIDs []string, all []models.Backend) []models.Backend {
	want := make(map[string]struct{}, len(candidateIDs))
	for _, id := range candidateIDs {
		want[id] = struct{}{}
	}
	var out []models.Backend
	for _, b := range all {
		if _, ok := want[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}

func tired(candidates []models.Backend) (models.Backend, error) {
	var fallbacks []models.Backend
	for _, b := range candidates {
		if b.IsFallback {
			fallbacks = append(fallbacks, b)
		}
	}
	if len(fallbacks) > 0 {
		return lowest(fallbacks)
	}
	return highest(candidates)
}

func lowest(bs []models.Backend) (models.Backend, error) {
	if len(bs) == 0 {
		return models.Backend{}, ErrNoAvailableBackend
	}
	best := bs[0]
	for _, b := range bs[1:] {
		if b.Priority < best.Priority || (b.Priority == best.Priority && b.ID < best.ID) {
			best = b
		}
	}
	return best, nil
}

func highest(bs []models.Backend) (models.Backend, error) {
	if len(bs) == 0 {
		return models.Backend{}, ErrNoAvailableBackend
	}
	best := bs[0]
	for _, b := range bs[1:] {
		if b.Priority > best.Priority || (b.Priority == best.Priority && b.ID < best.ID) {
			best = b
		}
	}
	return best, nil
}

// Catalog lists a persona's candidate backends and the backend catalog.
type Catalog interface {
	ListPersonaBackendIDs(ctx context.Context, personaID string) ([]string, error)
	ListBackends(ctx context.Context) ([]models.Backend, error)
}

// EnergySource reports a persona's live energy.
type EnergySource interface {
	CurrentEnergy(ctx context.Context, personaID string) (int, error)
}

// Selector composes live energy, candidate links and the catalog.
type Selector struct {
	catalog Catalog
	energy  EnergySource
}

// New creates a Selector.
func New(catalog Catalog, energy EnergySource) *Selector {
	return &Selector{catalog: catalog, energy: energy}
}

// SelectFor picks a backend for the persona at its current energy.
func (s *Selector) SelectFor(ctx context.Context, personaID string) (models.Backend, int, error) {
	energy, err := s.energy.CurrentEnergy(ctx, personaID)
	if err != nil {
		return models.Backend{}, 0, fmt.Errorf("read energy: %w", err)
	}
	b, err := s.SelectAt(ctx, personaID, energy, false)
	return b, energy, err
}

// SelectAt picks a backend for a known energy. When forceFallback is set the
// tired branch is used whatever the energy.
func (s *Selector) SelectAt(ctx context.Context, personaID string, energy int, forceFallback bool) (models.Backend, error) {
	ids, err := s.catalog.ListPersonaBackendIDs(ctx, personaID)
	if err != nil {
		return models.Backend{}, fmt.Errorf("list persona backends: %w", err)
	}
	all, err := s.catalog.ListBackends(ctx)
	if err != nil {
		return models.Backend{}, fmt.Errorf("list backends: %w", err)
	}
	if forceFallback {
		return SelectFallback(ids, all)
	}
	return Select(energy, ids, all)
}
