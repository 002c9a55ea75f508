package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/greenmetric/carbonledger/common/db"
	"github.com/greenmetric/carbonledger/common/models"
)

// PostgresRevisionRepository handles database operations for entity revisions
type PostgresRevisionRepository struct {
	db *db.DB
}

// NewPostgresRevisionRepository creates a new revision repository
func NewPostgresRevisionRepository(database *db.DB) *PostgresRevisionRepository {
	return &PostgresRevisionRepository{db: database}
}

const revisionColumns = `
	id, entity_type, entity_id, version, is_current,
	data_snapshot, data_diff, change_type, change_reason,
	changed_by, changed_at, previous_hash, current_hash
`

// CreateVersion atomically retires the previous current revision and inserts
// the new one. The current row is locked for the duration of the transaction
// so concurrent writers to the same entity serialize instead of racing.
func (r *PostgresRevisionRepository) CreateVersion(ctx context.Context, rev *models.Revision) (*models.Revision, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentVersion int
	err = tx.QueryRow(ctx, `
		SELECT version
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2 AND is_current
		FOR UPDATE
	`, rev.EntityType, rev.EntityID).Scan(&currentVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if rev.Version != 1 {
			return nil, ErrVersionConflict
		}
	case err != nil:
		return nil, fmt.Errorf("failed to lock current revision: %w", err)
	default:
		if rev.Version != currentVersion+1 {
			return nil, ErrVersionConflict
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entity_revisions
			SET is_current = false
			WHERE entity_type = $1 AND entity_id = $2 AND is_current
		`, rev.EntityType, rev.EntityID); err != nil {
			return nil, fmt.Errorf("failed to retire current revision: %w", err)
		}
	}

	snapshotJSON, err := json.Marshal(rev.DataSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var diffJSON []byte
	if rev.DataDiff != nil {
		diffJSON, err = json.Marshal(rev.DataDiff)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal diff: %w", err)
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO entity_revisions (
			entity_type, entity_id, version, is_current,
			data_snapshot, data_diff, change_type, change_reason,
			changed_by, changed_at, previous_hash, current_hash
		)
		VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		rev.EntityType,
		rev.EntityID,
		rev.Version,
		snapshotJSON,
		diffJSON,
		rev.ChangeType,
		rev.ChangeReason,
		rev.ChangedBy,
		rev.ChangedAt,
		rev.PreviousHash,
		rev.CurrentHash,
	).Scan(&rev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit revision: %w", err)
	}

	rev.IsCurrent = true
	return rev, nil
}

// GetCurrent retrieves the current revision, or nil if the entity has never
// been versioned
func (r *PostgresRevisionRepository) GetCurrent(ctx context.Context, entityType string, entityID int64) (*models.Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2 AND is_current
	`
	return r.queryOne(ctx, query, entityType, entityID)
}

// GetVersion retrieves an exact version
func (r *PostgresRevisionRepository) GetVersion(ctx context.Context, entityType string, entityID int64, version int) (*models.Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2 AND version = $3
	`
	return r.queryOne(ctx, query, entityType, entityID, version)
}

// GetAtTime retrieves the revision current as of the given timestamp
func (r *PostgresRevisionRepository) GetAtTime(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2 AND changed_at <= $3
		ORDER BY changed_at DESC, version DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, entityType, entityID, at)
}

// ListVersions retrieves revisions newest-first, up to limit (0 = all)
func (r *PostgresRevisionRepository) ListVersions(ctx context.Context, entityType string, entityID int64, limit int) ([]*models.Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
	`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	return scanRevisions(rows)
}

// ListChain retrieves the full history oldest-first for chain replay
func (r *PostgresRevisionRepository) ListChain(ctx context.Context, entityType string, entityID int64) ([]*models.Revision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM entity_revisions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version ASC
	`
	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revision chain: %w", err)
	}
	defer rows.Close()

	return scanRevisions(rows)
}

func (r *PostgresRevisionRepository) queryOne(ctx context.Context, query string, args ...any) (*models.Revision, error) {
	rev, err := scanRevision(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	return rev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (*models.Revision, error) {
	rev := &models.Revision{}
	var snapshotJSON, diffJSON []byte

	err := row.Scan(
		&rev.ID,
		&rev.EntityType,
		&rev.EntityID,
		&rev.Version,
		&rev.IsCurrent,
		&snapshotJSON,
		&diffJSON,
		&rev.ChangeType,
		&rev.ChangeReason,
		&rev.ChangedBy,
		&rev.ChangedAt,
		&rev.PreviousHash,
		&rev.CurrentHash,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshotJSON, &rev.DataSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for revision %d: %w", rev.ID, err)
	}
	if len(diffJSON) > 0 {
		rev.DataDiff = &models.Diff{}
		if err := json.Unmarshal(diffJSON, rev.DataDiff); err != nil {
			return nil, fmt.Errorf("failed to decode diff for revision %d: %w", rev.ID, err)
		}
	}

	return rev, nil
}

func scanRevisions(rows pgx.Rows) ([]*models.Revision, error) {
	var revisions []*models.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		revisions = append(revisions, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revisions: %w", err)
	}

	return revisions, nil
}
