// Package resource derives a persona's live energy and debits its token
// budget. Energy is stored as the value materialised at LastActiveAt and
// regenerates lazily: nothing writes it on a timer.
package resource

import (
	"math"
	"time"

	"github.com/fentz26/kaiba/internal/models"
)

// LiveEnergy returns the energy of st at now, in [0, MaxEnergy]. A nil
// LastActiveAt, a zero regen rate or a clock that went backwards yields the
// stored value.
func LiveEnergy(st models.PersonaState, now time.Time) int {
	stored := clamp(st.EnergyLevel)
	if st.LastActiveAt == nil || st.EnergyRegenPerHour <= 0 {
		return stored
	}
	elapsed := now.Sub(*st.LastActiveAt)
	if elapsed <= 0 {
		return stored
	}
	gained := math.Floor(elapsed.Hours() * float64(st.EnergyRegenPerHour))
	if gained >= float64(models.MaxEnergy) {
		return models.MaxEnergy
	}
	return clamp(stored + int(gained))
}

// MoodFor maps an energy level to a mood label.
func MoodFor(energy int) string {
	switch {
	case energy >= 80:
		return "energized"
	case energy >= 50:
		return models.DefaultMood
	case energy >= 20:
		return "tired"
	default:
		return "exhausted"
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > models.MaxEnergy {
		return models.MaxEnergy
	}
	return v
}
