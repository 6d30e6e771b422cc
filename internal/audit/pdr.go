// Package audit provides PDR (Process Decision Record) writing for Kaiba.
// Every decision outcome is recorded with a hash of the resource snapshot
// and reason it was taken on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fentz26/kaiba/internal/models"
)

// PDRStore persists decision records.
type PDRStore interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, personaID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store PDRStore
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s PDRStore) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, personaID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(ctx, action, hashInputs(inputs), outcome, personaID, details)
}

// RecordOutcome writes the record of one decision tick.
func (w *PDRWriter) RecordOutcome(ctx context.Context, o *models.Outcome) (*models.PDREntry, error) {
	inputs := struct {
		PersonaID string          `json:"persona_id"`
		Snapshot  models.Snapshot `json:"snapshot"`
		Timestamp string          `json:"timestamp"`
	}{o.PersonaID, o.Snapshot, o.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")}

	details, err := json.Marshal(struct {
		Reason    string         `json:"reason"`
		BackendID string         `json:"backend_id,omitempty"`
		Details   map[string]any `json:"details,omitempty"`
	}{o.Reason, o.BackendID, o.Details})
	if err != nil {
		return nil, fmt.Errorf("encode outcome details: %w", err)
	}
	return w.Record(ctx, "decision."+string(o.Action), inputs, OutcomeLabel(o), o.PersonaID, string(details))
}

// OutcomeLabel summarises an outcome for the PDR outcome column.
func OutcomeLabel(o *models.Outcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Action == models.ActionRest && o.Reason != "":
		return "rest"
	default:
		return "success"
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
