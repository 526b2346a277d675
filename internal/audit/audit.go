// Package audit provides the append-only activity log writer.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/minion-dev/minion/internal/models"
)

// Sink is where entries land. The store's activity table satisfies it.
type Sink interface {
	AppendActivity(e *models.ActivityEntry) error
	ListActivity(refID string, limit int) ([]models.ActivityEntry, error)
}

// Recorder writes activity entries for state-mutating actions.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a recorder over a sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record appends one entry. Inputs are hashed rather than stored so the
// log stays small and secrets in payloads never land in the trail.
func (r *Recorder) Record(eventKind, refID, actor string, inputs any, outcome, detail string) error {
	return r.sink.AppendActivity(&models.ActivityEntry{
		EventKind:  eventKind,
		RefID:      refID,
		Actor:      actor,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		Detail:     detail,
	})
}

// Recent returns the newest entries, optionally scoped to one task or
// update id.
func (r *Recorder) Recent(refID string, limit int) ([]models.ActivityEntry, error) {
	return r.sink.ListActivity(refID, limit)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	if inputs == nil {
		return ""
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
