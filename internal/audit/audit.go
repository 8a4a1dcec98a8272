// Package audit records every rename the migration executor attempts, so a
// partially applied migration can be reconstructed after the fact.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies one rename attempt.
type Outcome string

const (
	OutcomeRenamed  Outcome = "renamed"
	OutcomeConflict Outcome = "conflict"
	OutcomeIOError  Outcome = "io_error"
	OutcomeSkipped  Outcome = "skipped"
)

// Entry is one audit record.
type Entry struct {
	ID          string
	CycleID     string
	UniqueID    string
	OldEntityID string
	NewEntityID string
	Outcome     Outcome
	Detail      string
	CreatedAt   time.Time
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// NewID generates a random audit entry id.
func NewID() string {
	return "audit-" + uuid.NewString()
}
