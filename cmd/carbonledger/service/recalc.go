package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/redis"
	"github.com/greenmetric/carbonledger/common/repository"
)

// ErrRecalcInProgress is returned when another run already holds the
// per-factor recalculation lock
var ErrRecalcInProgress = errors.New("recalculation already in progress for this factor")

// RecalculationCoordinator recomputes dependent emission records when a
// factor changes. A run never aborts on a single dependent: each failure is
// recorded in the result and the loop moves on.
type RecalculationCoordinator struct {
	factors    repository.FactorRepository
	emissions  repository.EmissionRepository
	runs       repository.RecalcRunRepository
	calculator EmissionCalculator
	redis      *redis.Client // nil disables locking and result publishing
	lockTTL    time.Duration
	resultTTL  time.Duration
	log        *logger.Logger
}

// NewRecalculationCoordinator creates a new coordinator
func NewRecalculationCoordinator(
	factors repository.FactorRepository,
	emissions repository.EmissionRepository,
	runs repository.RecalcRunRepository,
	calculator EmissionCalculator,
	redisClient *redis.Client,
	lockTTL, resultTTL time.Duration,
	log *logger.Logger,
) *RecalculationCoordinator {
	return &RecalculationCoordinator{
		factors:    factors,
		emissions:  emissions,
		runs:       runs,
		calculator: calculator,
		redis:      redisClient,
		lockTTL:    lockTTL,
		resultTTL:  resultTTL,
		log:        log,
	}
}

// FindDependents returns the ids of current emission records that reference
// the factor, deduplicated and ascending
func (c *RecalculationCoordinator) FindDependents(ctx context.Context, factorID int64) ([]int64, error) {
	return c.emissions.ListCurrentIDsByFactor(ctx, factorID)
}

// RecalcForFactor recomputes every current dependent of the factor. Emission
// records still reference the id they were computed with, so after an update
// the dependents of the replaced factor are recomputed against the lineage's
// active successor and repointed to it.
func (c *RecalculationCoordinator) RecalcForFactor(ctx context.Context, factorID int64) (*models.RecalculationResult, error) {
	target, err := c.resolveFactor(ctx, factorID)
	if err != nil {
		return nil, err
	}

	dependents, err := c.FindDependents(ctx, factorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find dependents: %w", err)
	}

	return c.run(ctx, factorID, target, dependents)
}

// RecalcForDependents recomputes an explicit set of records against the
// factor, with the same bookkeeping as a full run. This is the retry path
// for the failed subset of a partial run.
func (c *RecalculationCoordinator) RecalcForDependents(ctx context.Context, factorID int64, recordIDs []int64) (*models.RecalculationResult, error) {
	target, err := c.resolveFactor(ctx, factorID)
	if err != nil {
		return nil, err
	}

	return c.run(ctx, factorID, target, recordIDs)
}

// MarkStale flips is_current=false on every current dependent of the factor
// without recomputation. Returns the number of records affected.
func (c *RecalculationCoordinator) MarkStale(ctx context.Context, factorID int64) (int64, error) {
	affected, err := c.emissions.MarkStaleByFactor(ctx, factorID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark dependents stale: %w", err)
	}

	c.log.Info("dependents marked stale", "factor_id", factorID, "affected", affected)

	return affected, nil
}

// GetRun returns a persisted run outcome, or nil if unknown
func (c *RecalculationCoordinator) GetRun(ctx context.Context, runID uuid.UUID) (*models.RecalculationResult, error) {
	return c.runs.GetByID(ctx, runID)
}

// ListRuns returns run outcomes for a factor, newest-first
func (c *RecalculationCoordinator) ListRuns(ctx context.Context, factorID int64, limit int) ([]*models.RecalculationResult, error) {
	return c.runs.ListByFactor(ctx, factorID, limit)
}

// resolveFactor loads the factor and, when it has been replaced, follows its
// lineage to the active successor
func (c *RecalculationCoordinator) resolveFactor(ctx context.Context, factorID int64) (*models.Factor, error) {
	factor, err := c.factors.GetByID(ctx, factorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor: %w", err)
	}
	if factor == nil {
		return nil, fmt.Errorf("factor %d not found", factorID)
	}
	if factor.Active() {
		return factor, nil
	}

	successor, err := c.factors.GetActiveByLineage(ctx, factor.LineageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve factor lineage: %w", err)
	}
	if successor != nil {
		return successor, nil
	}

	// Expired with no successor: recompute against the last known values
	return factor, nil
}

func (c *RecalculationCoordinator) run(ctx context.Context, factorID int64, target *models.Factor, recordIDs []int64) (*models.RecalculationResult, error) {
	runID := uuid.New()
	log := c.log.WithRunID(runID.String()).WithFactorID(factorID)

	if c.redis != nil {
		lockKey := recalcLockKey(factorID)
		acquired, err := c.redis.AcquireLock(ctx, lockKey, runID.String(), c.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire recalc lock: %w", err)
		}
		if !acquired {
			return nil, ErrRecalcInProgress
		}
		defer func() {
			if err := c.redis.ReleaseLock(ctx, lockKey, runID.String()); err != nil {
				log.Warn("failed to release recalc lock", "error", err)
			}
		}()
	}

	// The run row is written as soon as the run is accepted and rewritten on
	// each status change, so pollers can observe an in-flight run
	result := &models.RecalculationResult{
		RunID:     runID,
		FactorID:  factorID,
		Status:    models.RecalcStatusPending,
		Total:     len(recordIDs),
		StartedAt: time.Now().UTC(),
	}
	c.saveRun(ctx, result, log)

	result.Status = models.RecalcStatusInProgress
	c.saveRun(ctx, result, log)

	log.Info("recalculation started",
		"target_factor_id", target.ID,
		"calculator", c.calculator.Name(),
		"dependents", len(recordIDs))

	for _, recordID := range recordIDs {
		if err := c.recalcOne(ctx, target, recordID); err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, recordID)
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("record %d: %v", recordID, err))
			log.Warn("dependent recalculation failed", "record_id", recordID, "error", err)
			continue
		}
		result.Successful++
	}

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	result.Status = result.Resolve()

	c.saveRun(ctx, result, log)
	c.publishResult(ctx, result)

	log.Info("recalculation finished",
		"status", result.Status,
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed)

	return result, nil
}

// recalcOne computes and swaps in one replacement record. A panicking
// calculator is contained here so one bad dependent cannot take down the run.
func (c *RecalculationCoordinator) recalcOne(ctx context.Context, target *models.Factor, recordID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calculator panic: %v", r)
		}
	}()

	record, err := c.emissions.GetByID(ctx, recordID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("emission record %d not found", recordID)
	}

	output, err := c.calculator.Compute(ctx, record, target)
	if err != nil {
		return err
	}

	replacement := &models.EmissionRecord{
		PrimaryFactorID:   target.ID,
		AnnualKWh:         output.AnnualKWh,
		KgCO2e:            output.KgCO2e,
		CalculationInputs: output.CalculationInputs,
		ComputedAt:        time.Now().UTC(),
	}

	if _, err := c.emissions.Supersede(ctx, record.ID, replacement); err != nil {
		return fmt.Errorf("failed to supersede record: %w", err)
	}

	return nil
}

func (c *RecalculationCoordinator) saveRun(ctx context.Context, result *models.RecalculationResult, log *logger.Logger) {
	if err := c.runs.Save(ctx, result); err != nil {
		log.Error("failed to persist recalculation run", "status", result.Status, "error", err)
	}
}

func (c *RecalculationCoordinator) publishResult(ctx context.Context, result *models.RecalculationResult) {
	if c.redis == nil {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}

	key := fmt.Sprintf("recalc:result:%s", result.RunID)
	if err := c.redis.SetWithExpiry(ctx, key, string(payload), c.resultTTL); err != nil {
		c.log.Warn("failed to publish recalculation result", "run_id", result.RunID, "error", err)
	}
}

func recalcLockKey(factorID int64) string {
	return fmt.Sprintf("recalc:lock:factor:%d", factorID)
}
