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

// PostgresFactorRepository handles database operations for factors
type PostgresFactorRepository struct {
	db *db.DB
}

// NewPostgresFactorRepository creates a new factor repository
func NewPostgresFactorRepository(database *db.DB) *PostgresFactorRepository {
	return &PostgresFactorRepository{db: database}
}

const factorColumns = `
	id, lineage_id, classification, "values", valid_from, valid_to,
	version, created_by, created_at
`

// Insert stores a new factor and assigns its id. A zero LineageID roots a
// new lineage at the assigned id.
func (r *PostgresFactorRepository) Insert(ctx context.Context, factor *models.Factor) (*models.Factor, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := insertFactor(ctx, tx, factor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit factor insert: %w", err)
	}

	return inserted, nil
}

// GetByID retrieves a factor, or nil if unknown
func (r *PostgresFactorRepository) GetByID(ctx context.Context, id int64) (*models.Factor, error) {
	query := `
		SELECT ` + factorColumns + `
		FROM factors
		WHERE id = $1
	`
	factor, err := scanFactor(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get factor: %w", err)
	}
	return factor, nil
}

// GetActiveByLineage retrieves the active factor in a lineage, or nil when
// every member has been expired
func (r *PostgresFactorRepository) GetActiveByLineage(ctx context.Context, lineageID int64) (*models.Factor, error) {
	query := `
		SELECT ` + factorColumns + `
		FROM factors
		WHERE lineage_id = $1 AND valid_to IS NULL
		ORDER BY version DESC
		LIMIT 1
	`
	factor, err := scanFactor(r.db.QueryRow(ctx, query, lineageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lineage factor: %w", err)
	}
	return factor, nil
}

// FindActive returns active factors matching the classification exactly,
// ordered by id so ambiguous lookups resolve deterministically
func (r *PostgresFactorRepository) FindActive(ctx context.Context, classification map[string]string) ([]*models.Factor, error) {
	classificationJSON, err := json.Marshal(classification)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classification: %w", err)
	}

	query := `
		SELECT ` + factorColumns + `
		FROM factors
		WHERE valid_to IS NULL AND classification = $1::jsonb
		ORDER BY id ASC
	`
	return r.queryFactors(ctx, query, classificationJSON)
}

// FindActiveContaining returns active factors whose classification is a
// superset of the given map, so a kind-only query sees factors carrying any
// subkind. Ordered by id.
func (r *PostgresFactorRepository) FindActiveContaining(ctx context.Context, classification map[string]string) ([]*models.Factor, error) {
	classificationJSON, err := json.Marshal(classification)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classification: %w", err)
	}

	query := `
		SELECT ` + factorColumns + `
		FROM factors
		WHERE valid_to IS NULL AND classification @> $1::jsonb
		ORDER BY id ASC
	`
	return r.queryFactors(ctx, query, classificationJSON)
}

func (r *PostgresFactorRepository) queryFactors(ctx context.Context, query string, args ...any) ([]*models.Factor, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find active factors: %w", err)
	}
	defer rows.Close()

	var factors []*models.Factor
	for rows.Next() {
		factor, err := scanFactor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan factor: %w", err)
		}
		factors = append(factors, factor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating factors: %w", err)
	}

	return factors, nil
}

// Replace expires the old factor and inserts its successor in one transaction
func (r *PostgresFactorRepository) Replace(ctx context.Context, oldID int64, at time.Time, successor *models.Factor) (*models.Factor, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE factors
		SET valid_to = $2
		WHERE id = $1 AND valid_to IS NULL
	`, oldID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to expire factor %d: %w", oldID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("factor %d is not active", oldID)
	}

	inserted, err := insertFactor(ctx, tx, successor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit factor replacement: %w", err)
	}

	return inserted, nil
}

// Restore undoes a Replace whose follow-up audit write failed: the old
// factor's validity window is reopened and the never-audited successor removed
func (r *PostgresFactorRepository) Restore(ctx context.Context, oldID, successorID int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE factors
		SET valid_to = NULL
		WHERE id = $1
	`, oldID); err != nil {
		return fmt.Errorf("failed to reopen factor %d: %w", oldID, err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM factors
		WHERE id = $1
	`, successorID); err != nil {
		return fmt.Errorf("failed to remove factor %d: %w", successorID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit factor restore: %w", err)
	}

	return nil
}

// Expire closes a factor's validity window without a successor
func (r *PostgresFactorRepository) Expire(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE factors
		SET valid_to = $2
		WHERE id = $1 AND valid_to IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to expire factor %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("factor %d is not active", id)
	}
	return nil
}

func insertFactor(ctx context.Context, tx pgx.Tx, factor *models.Factor) (*models.Factor, error) {
	classificationJSON, err := json.Marshal(factor.Classification)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classification: %w", err)
	}
	valuesJSON, err := json.Marshal(factor.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal values: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO factors (
			lineage_id, classification, "values", valid_from, valid_to,
			version, created_by, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		factor.LineageID,
		classificationJSON,
		valuesJSON,
		factor.ValidFrom,
		factor.ValidTo,
		factor.Version,
		factor.CreatedBy,
		factor.CreatedAt,
	).Scan(&factor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert factor: %w", err)
	}

	// Version-1 factors root their own lineage
	if factor.LineageID == 0 {
		factor.LineageID = factor.ID
		if _, err := tx.Exec(ctx, `
			UPDATE factors SET lineage_id = id WHERE id = $1
		`, factor.ID); err != nil {
			return nil, fmt.Errorf("failed to root factor lineage: %w", err)
		}
	}

	return factor, nil
}

func scanFactor(row rowScanner) (*models.Factor, error) {
	factor := &models.Factor{}
	var classificationJSON, valuesJSON []byte

	err := row.Scan(
		&factor.ID,
		&factor.LineageID,
		&classificationJSON,
		&valuesJSON,
		&factor.ValidFrom,
		&factor.ValidTo,
		&factor.Version,
		&factor.CreatedBy,
		&factor.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(classificationJSON, &factor.Classification); err != nil {
		return nil, fmt.Errorf("failed to decode classification for factor %d: %w", factor.ID, err)
	}
	if err := json.Unmarshal(valuesJSON, &factor.Values); err != nil {
		return nil, fmt.Errorf("failed to decode values for factor %d: %w", factor.ID, err)
	}

	return factor, nil
}
