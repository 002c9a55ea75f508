package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/greenmetric/carbonledger/common/db"
	"github.com/greenmetric/carbonledger/common/models"
)

// PostgresEmissionRepository handles database operations for emission records
type PostgresEmissionRepository struct {
	db *db.DB
}

// NewPostgresEmissionRepository creates a new emission repository
func NewPostgresEmissionRepository(database *db.DB) *PostgresEmissionRepository {
	return &PostgresEmissionRepository{db: database}
}

const emissionColumns = `
	id, primary_factor_id, is_current, annual_kwh, kg_co2eq,
	calculation_inputs, computed_at
`

// GetByID retrieves an emission record, or nil if unknown
func (r *PostgresEmissionRepository) GetByID(ctx context.Context, id int64) (*models.EmissionRecord, error) {
	query := `
		SELECT ` + emissionColumns + `
		FROM emission_records
		WHERE id = $1
	`
	record, err := scanEmission(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get emission record: %w", err)
	}
	return record, nil
}

// Insert stores a new emission record and assigns its id
func (r *PostgresEmissionRepository) Insert(ctx context.Context, record *models.EmissionRecord) (*models.EmissionRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertEmission(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit emission insert: %w", err)
	}

	return record, nil
}

// ListCurrentIDsByFactor returns deduplicated ids of current dependents
func (r *PostgresEmissionRepository) ListCurrentIDsByFactor(ctx context.Context, factorID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT id
		FROM emission_records
		WHERE primary_factor_id = $1 AND is_current
		ORDER BY id ASC
	`, factorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependent id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependents: %w", err)
	}

	return ids, nil
}

// Supersede retires the old record and inserts the replacement as current,
// in one transaction
func (r *PostgresEmissionRepository) Supersede(ctx context.Context, oldID int64, replacement *models.EmissionRecord) (*models.EmissionRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE emission_records
		SET is_current = false
		WHERE id = $1 AND is_current
	`, oldID)
	if err != nil {
		return nil, fmt.Errorf("failed to retire emission record %d: %w", oldID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("emission record %d is not current", oldID)
	}

	replacement.IsCurrent = true
	if err := insertEmission(ctx, tx, replacement); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit emission supersede: %w", err)
	}

	return replacement, nil
}

// MarkStaleByFactor flips is_current=false on all current dependents
func (r *PostgresEmissionRepository) MarkStaleByFactor(ctx context.Context, factorID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE emission_records
		SET is_current = false
		WHERE primary_factor_id = $1 AND is_current
	`, factorID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark dependents stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertEmission(ctx context.Context, tx pgx.Tx, record *models.EmissionRecord) error {
	var inputsJSON []byte
	if record.CalculationInputs != nil {
		var err error
		inputsJSON, err = json.Marshal(record.CalculationInputs)
		if err != nil {
			return fmt.Errorf("failed to marshal calculation inputs: %w", err)
		}
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO emission_records (
			primary_factor_id, is_current, annual_kwh, kg_co2eq,
			calculation_inputs, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		record.PrimaryFactorID,
		record.IsCurrent,
		record.AnnualKWh,
		record.KgCO2e,
		inputsJSON,
		record.ComputedAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert emission record: %w", err)
	}

	return nil
}

func scanEmission(row rowScanner) (*models.EmissionRecord, error) {
	record := &models.EmissionRecord{}
	var inputsJSON []byte

	err := row.Scan(
		&record.ID,
		&record.PrimaryFactorID,
		&record.IsCurrent,
		&record.AnnualKWh,
		&record.KgCO2e,
		&inputsJSON,
		&record.ComputedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &record.CalculationInputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs for emission record %d: %w", record.ID, err)
		}
	}

	return record, nil
}
