package models

import (
	"time"

	"github.com/google/uuid"
)

// RecalculationStatus is the per-run state machine:
// Pending -> InProgress -> {Completed | Failed | Partial}
type RecalculationStatus string

const (
	RecalcStatusPending    RecalculationStatus = "PENDING"
	RecalcStatusInProgress RecalculationStatus = "IN_PROGRESS"
	RecalcStatusCompleted  RecalculationStatus = "COMPLETED"
	RecalcStatusFailed     RecalculationStatus = "FAILED"
	RecalcStatusPartial    RecalculationStatus = "PARTIAL"
)

// Terminal reports whether the run has finished
func (s RecalculationStatus) Terminal() bool {
	switch s {
	case RecalcStatusCompleted, RecalcStatusFailed, RecalcStatusPartial:
		return true
	}
	return false
}

// RecalculationResult is the plain aggregate record for one coordinator run.
// Individual dependent failures are recorded here, never propagated.
// Maps to: recalculation_runs table
type RecalculationResult struct {
	RunID    uuid.UUID           `db:"run_id" json:"run_id"`
	FactorID int64               `db:"factor_id" json:"factor_id"`
	Status   RecalculationStatus `db:"status" json:"status"`

	Total      int `db:"total" json:"total"`
	Successful int `db:"successful" json:"successful"`
	Failed     int `db:"failed" json:"failed"`

	FailedIDs     []int64  `db:"failed_ids" json:"failed_ids,omitempty"`
	ErrorMessages []string `db:"error_messages" json:"error_messages,omitempty"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"` // nil until the run reaches a terminal status
}

// Resolve picks the terminal status from the success/failure counts
func (r *RecalculationResult) Resolve() RecalculationStatus {
	switch {
	case r.Failed == 0:
		return RecalcStatusCompleted
	case r.Successful == 0:
		return RecalcStatusFailed
	default:
		return RecalcStatusPartial
	}
}
