package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/greenmetric/carbonledger/common/db"
	"github.com/greenmetric/carbonledger/common/models"
)

// PostgresRecalcRunRepository handles database operations for recalculation runs
type PostgresRecalcRunRepository struct {
	db *db.DB
}

// NewPostgresRecalcRunRepository creates a new recalculation run repository
func NewPostgresRecalcRunRepository(database *db.DB) *PostgresRecalcRunRepository {
	return &PostgresRecalcRunRepository{db: database}
}

const recalcRunColumns = `
	run_id, factor_id, status, total, successful, failed,
	failed_ids, error_messages, started_at, completed_at
`

// Save stores or updates a run row. The coordinator writes the run when it
// is accepted and rewrites it as it progresses to a terminal status.
func (r *PostgresRecalcRunRepository) Save(ctx context.Context, result *models.RecalculationResult) error {
	failedIDsJSON, err := json.Marshal(result.FailedIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal failed ids: %w", err)
	}
	errorsJSON, err := json.Marshal(result.ErrorMessages)
	if err != nil {
		return fmt.Errorf("failed to marshal error messages: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO recalculation_runs (
			run_id, factor_id, status, total, successful, failed,
			failed_ids, error_messages, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			status         = EXCLUDED.status,
			total          = EXCLUDED.total,
			successful     = EXCLUDED.successful,
			failed         = EXCLUDED.failed,
			failed_ids     = EXCLUDED.failed_ids,
			error_messages = EXCLUDED.error_messages,
			completed_at   = EXCLUDED.completed_at
	`,
		result.RunID,
		result.FactorID,
		result.Status,
		result.Total,
		result.Successful,
		result.Failed,
		failedIDsJSON,
		errorsJSON,
		result.StartedAt,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recalculation run: %w", err)
	}

	return nil
}

// GetByID retrieves a run outcome, or nil if unknown
func (r *PostgresRecalcRunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.RecalculationResult, error) {
	query := `
		SELECT ` + recalcRunColumns + `
		FROM recalculation_runs
		WHERE run_id = $1
	`
	result, err := scanRecalcRun(r.db.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recalculation run: %w", err)
	}
	return result, nil
}

// ListByFactor retrieves run outcomes for a factor, newest-first
func (r *PostgresRecalcRunRepository) ListByFactor(ctx context.Context, factorID int64, limit int) ([]*models.RecalculationResult, error) {
	query := `
		SELECT ` + recalcRunColumns + `
		FROM recalculation_runs
		WHERE factor_id = $1
		ORDER BY started_at DESC
	`
	args := []any{factorID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recalculation runs: %w", err)
	}
	defer rows.Close()

	var results []*models.RecalculationResult
	for rows.Next() {
		result, err := scanRecalcRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recalculation run: %w", err)
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recalculation runs: %w", err)
	}

	return results, nil
}

func scanRecalcRun(row rowScanner) (*models.RecalculationResult, error) {
	result := &models.RecalculationResult{}
	var failedIDsJSON, errorsJSON []byte

	err := row.Scan(
		&result.RunID,
		&result.FactorID,
		&result.Status,
		&result.Total,
		&result.Successful,
		&result.Failed,
		&failedIDsJSON,
		&errorsJSON,
		&result.StartedAt,
		&result.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(failedIDsJSON) > 0 {
		if err := json.Unmarshal(failedIDsJSON, &result.FailedIDs); err != nil {
			return nil, fmt.Errorf("failed to decode failed ids for run %s: %w", result.RunID, err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &result.ErrorMessages); err != nil {
			return nil, fmt.Errorf("failed to decode error messages for run %s: %w", result.RunID, err)
		}
	}

	return result, nil
}
