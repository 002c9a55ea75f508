package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/greenmetric/carbonledger/common/models"
)

// ErrVersionConflict is returned when a revision write loses a race: the
// entity's current version advanced between read and write. Callers recover
// by re-reading current state and retrying.
var ErrVersionConflict = errors.New("version conflict: current revision has advanced")

// RevisionRepository persists the append-only revision store.
// Lookups return (nil, nil) when the requested row does not exist.
type RevisionRepository interface {
	// CreateVersion flips the previous current revision's is_current flag
	// and inserts rev as the new current one, as one atomic unit. The write
	// fails with ErrVersionConflict unless rev.Version is exactly one past
	// the stored current version (or 1 with no prior revision).
	CreateVersion(ctx context.Context, rev *models.Revision) (*models.Revision, error)

	GetCurrent(ctx context.Context, entityType string, entityID int64) (*models.Revision, error)
	GetVersion(ctx context.Context, entityType string, entityID int64, version int) (*models.Revision, error)

	// GetAtTime returns the revision with the greatest changed_at <= at,
	// ties broken by highest version
	GetAtTime(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Revision, error)

	// ListVersions returns revisions newest-first, up to limit (0 = all)
	ListVersions(ctx context.Context, entityType string, entityID int64, limit int) ([]*models.Revision, error)

	// ListChain returns the full history oldest-first for chain replay
	ListChain(ctx context.Context, entityType string, entityID int64) ([]*models.Revision, error)
}

// FactorRepository persists factor rows. The registry owns all writes.
type FactorRepository interface {
	// Insert stores a new factor and assigns its id. A zero LineageID is
	// set to the new id (a version-1 factor roots its own lineage).
	Insert(ctx context.Context, factor *models.Factor) (*models.Factor, error)

	GetByID(ctx context.Context, id int64) (*models.Factor, error)

	// GetActiveByLineage returns the active factor in a lineage, or nil
	// when every member has been expired
	GetActiveByLineage(ctx context.Context, lineageID int64) (*models.Factor, error)

	// FindActive returns active factors whose classification equals the
	// given map exactly, ordered by id ascending
	FindActive(ctx context.Context, classification map[string]string) ([]*models.Factor, error)

	// FindActiveContaining returns active factors whose classification
	// contains every key/value of the given map (a kind-only query matches
	// factors carrying any subkind), ordered by id ascending
	FindActiveContaining(ctx context.Context, classification map[string]string) ([]*models.Factor, error)

	// Replace expires the old factor (valid_to = at) and inserts its
	// successor in one transaction
	Replace(ctx context.Context, oldID int64, at time.Time, successor *models.Factor) (*models.Factor, error)

	// Restore undoes a Replace whose follow-up audit write failed: reopens
	// the old factor's validity window and removes the successor, in one
	// transaction
	Restore(ctx context.Context, oldID, successorID int64) error

	// Expire closes a factor's validity window without a successor
	Expire(ctx context.Context, id int64, at time.Time) error
}

// EmissionRepository persists dependent computed records
type EmissionRepository interface {
	GetByID(ctx context.Context, id int64) (*models.EmissionRecord, error)

	Insert(ctx context.Context, record *models.EmissionRecord) (*models.EmissionRecord, error)

	// ListCurrentIDsByFactor returns the deduplicated ids of current
	// records depending on the factor, ordered ascending
	ListCurrentIDsByFactor(ctx context.Context, factorID int64) ([]int64, error)

	// Supersede marks the old record is_current=false and inserts the
	// replacement as current, in one transaction
	Supersede(ctx context.Context, oldID int64, replacement *models.EmissionRecord) (*models.EmissionRecord, error)

	// MarkStaleByFactor flips is_current=false on all current dependents
	// of the factor without recomputation; returns rows affected
	MarkStaleByFactor(ctx context.Context, factorID int64) (int64, error)
}

// RecalcRunRepository persists coordinator runs
type RecalcRunRepository interface {
	// Save inserts or updates the run row keyed by run id. The coordinator
	// writes a run when it is accepted (Pending) and rewrites it as it
	// progresses through InProgress to its terminal status.
	Save(ctx context.Context, result *models.RecalculationResult) error

	GetByID(ctx context.Context, runID uuid.UUID) (*models.RecalculationResult, error)
	ListByFactor(ctx context.Context, factorID int64, limit int) ([]*models.RecalculationResult, error)
}
