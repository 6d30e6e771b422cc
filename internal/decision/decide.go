package decision

import (
	"fmt"
	"time"

	"github.com/fentz26/kaiba/internal/models"
)

// Decision is the action chosen for one tick and why.
type Decision struct {
	Action models.Action
	Reason string
	// Urgent marks a Digest that overrode the tired rule.
	Urgent bool
}

// Decide picks the action for a persona at now. It reads nothing but its
// arguments: the decision state lives in the cooldown timestamps.
func Decide(now time.Time, st models.PersonaState, energy, undigested int, cfg Config) Decision {
	tokens := st.TokensRemaining()
	digestDue := cooldownElapsed(now, st.LastDigestAt, cfg.DigestCooldown)
	urgent := digestDue && undigested >= cfg.UrgentDigestCount

	if energy < cfg.TiredThreshold && !urgent {
		return Decision{Action: models.ActionRest, Reason: fmt.Sprintf("tired: energy %d below %d", energy, cfg.TiredThreshold)}
	}

	if digestDue && undigested >= cfg.MinUndigested && tokens >= cfg.MinTokensForAction {
		reason := fmt.Sprintf("%d undigested learning memories", undigested)
		if urgent {
			reason = "urgent digest: " + reason
		}
		return Decision{Action: models.ActionDigest, Reason: reason, Urgent: urgent && energy < cfg.TiredThreshold}
	}

	switch {
	case !cooldownElapsed(now, st.LastLearnAt, cfg.LearnCooldown):
		next := st.LastLearnAt.Add(cfg.LearnCooldown)
		return Decision{Action: models.ActionRest, Reason: fmt.Sprintf("learn cooldown until %s", next.UTC().Format(time.RFC3339))}
	case energy < cfg.MinEnergyLearn:
		return Decision{Action: models.ActionRest, Reason: fmt.Sprintf("energy %d below %d needed to learn", energy, cfg.MinEnergyLearn)}
	case tokens < cfg.MinTokensForAction:
		return Decision{Action: models.ActionRest, Reason: fmt.Sprintf("token budget low: %d remaining", tokens)}
	}
	return Decision{Action: models.ActionLearn, Reason: "learn cooldown elapsed"}
}

func cooldownElapsed(now time.Time, last *time.Time, cooldown time.Duration) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= cooldown
}
