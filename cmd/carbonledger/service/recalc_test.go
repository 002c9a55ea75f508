package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/repository"
)

type recalcEnv struct {
	coordinator *RecalculationCoordinator
	factors     *repository.MemoryFactorRepository
	emissions   *repository.MemoryEmissionRepository
	runs        *repository.MemoryRecalcRunRepository
}

func newRecalcEnv(t *testing.T, calculator EmissionCalculator) *recalcEnv {
	t.Helper()

	log := logger.New("error", "text")
	factors := repository.NewMemoryFactorRepository()
	emissions := repository.NewMemoryEmissionRepository()
	runs := repository.NewMemoryRecalcRunRepository()

	return &recalcEnv{
		coordinator: NewRecalculationCoordinator(
			factors, emissions, runs, calculator,
			nil, time.Minute, time.Hour, log,
		),
		factors:   factors,
		emissions: emissions,
		runs:      runs,
	}
}

func seedFactor(t *testing.T, env *recalcEnv, intensity float64) *models.Factor {
	t.Helper()

	now := time.Now().UTC()
	factor, err := env.factors.Insert(context.Background(), &models.Factor{
		Classification: map[string]string{models.ClassificationKind: "electricity"},
		Values:         map[string]float64{FactorValueIntensity: intensity},
		ValidFrom:      now,
		Version:        1,
		CreatedBy:      "tester",
		CreatedAt:      now,
	})
	require.NoError(t, err)
	return factor
}

func seedRecord(t *testing.T, env *recalcEnv, factorID int64, annualKWh float64) *models.EmissionRecord {
	t.Helper()

	record, err := env.emissions.Insert(context.Background(), &models.EmissionRecord{
		PrimaryFactorID: factorID,
		IsCurrent:       true,
		AnnualKWh:       &annualKWh,
		KgCO2e:          annualKWh * 0.9,
		ComputedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return record
}

// flakyCalculator fails for a fixed set of record ids
type flakyCalculator struct {
	inner   EmissionCalculator
	failFor map[int64]bool
}

func (c *flakyCalculator) Name() string { return "flaky" }

func (c *flakyCalculator) Compute(ctx context.Context, record *models.EmissionRecord, factor *models.Factor) (*models.CalculationOutput, error) {
	if c.failFor[record.ID] {
		return nil, fmt.Errorf("simulated failure")
	}
	return c.inner.Compute(ctx, record, factor)
}

// panickyCalculator panics on every record
type panickyCalculator struct{}

func (c *panickyCalculator) Name() string { return "panicky" }

func (c *panickyCalculator) Compute(ctx context.Context, record *models.EmissionRecord, factor *models.Factor) (*models.CalculationOutput, error) {
	panic("boom")
}

func TestRecalcForFactor_AllSucceed(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)
	record := seedRecord(t, env, factor.ID, 1000)

	result, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusCompleted, result.Status)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Zero(t, result.Failed)

	// the old record is retired, the replacement carries the new value
	old, err := env.emissions.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent)

	currentIDs, err := env.coordinator.FindDependents(ctx, factor.ID)
	require.NoError(t, err)
	require.Len(t, currentIDs, 1)

	replacement, err := env.emissions.GetByID(ctx, currentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 500.0, replacement.KgCO2e)
	assert.Equal(t, factor.ID, replacement.PrimaryFactorID)
	assert.Equal(t, 0.5, replacement.CalculationInputs[FactorValueIntensity])
}

func TestRecalcForFactor_PartialFailure(t *testing.T) {
	inner := NewIntensityCalculator()
	env := newRecalcEnv(t, nil)
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)

	records := make([]*models.EmissionRecord, 5)
	for i := range records {
		records[i] = seedRecord(t, env, factor.ID, float64(100*(i+1)))
	}

	env.coordinator.calculator = &flakyCalculator{
		inner:   inner,
		failFor: map[int64]bool{records[1].ID: true, records[3].ID: true},
	}

	result, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusPartial, result.Status)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 2, result.Failed)
	assert.ElementsMatch(t, []int64{records[1].ID, records[3].ID}, result.FailedIDs)
	assert.Len(t, result.ErrorMessages, 2)

	// failed records stay current and untouched
	for _, id := range result.FailedIDs {
		record, err := env.emissions.GetByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, record.IsCurrent)
	}

	// the run outcome is persisted
	persisted, err := env.coordinator.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, models.RecalcStatusPartial, persisted.Status)
}

func TestRecalcForFactor_AllFail(t *testing.T) {
	env := newRecalcEnv(t, nil)
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)
	a := seedRecord(t, env, factor.ID, 100)
	b := seedRecord(t, env, factor.ID, 200)
	env.coordinator.calculator = &flakyCalculator{
		inner:   NewIntensityCalculator(),
		failFor: map[int64]bool{a.ID: true, b.ID: true},
	}

	result, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusFailed, result.Status)
	assert.Zero(t, result.Successful)
	assert.Equal(t, 2, result.Failed)
}

func TestRecalcForFactor_NoDependents(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())

	factor := seedFactor(t, env, 0.5)

	result, err := env.coordinator.RecalcForFactor(context.Background(), factor.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusCompleted, result.Status)
	assert.Zero(t, result.Total)
}

func TestRecalcForFactor_UnknownFactor(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())

	_, err := env.coordinator.RecalcForFactor(context.Background(), 404)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRecalcForFactor_PanicContained(t *testing.T) {
	env := newRecalcEnv(t, &panickyCalculator{})
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)
	seedRecord(t, env, factor.ID, 100)

	result, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusFailed, result.Status)
	require.Len(t, result.ErrorMessages, 1)
	assert.Contains(t, result.ErrorMessages[0], "calculator panic")
}

func TestRecalcForFactor_ResolvesLineageSuccessor(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())
	ctx := context.Background()

	old := seedFactor(t, env, 0.5)
	seedRecord(t, env, old.ID, 1000)

	// replace the factor the way the registry does
	now := time.Now().UTC()
	successor, err := env.factors.Replace(ctx, old.ID, now, &models.Factor{
		LineageID:      old.LineageID,
		Classification: old.Classification,
		Values:         map[string]float64{FactorValueIntensity: 0.8},
		ValidFrom:      now,
		Version:        2,
		CreatedBy:      "tester",
		CreatedAt:      now,
	})
	require.NoError(t, err)

	// recalculating the replaced factor's dependents uses the successor
	// and repoints them to it
	result, err := env.coordinator.RecalcForFactor(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecalcStatusCompleted, result.Status)
	require.Equal(t, 1, result.Successful)

	currentIDs, err := env.coordinator.FindDependents(ctx, successor.ID)
	require.NoError(t, err)
	require.Len(t, currentIDs, 1)

	replacement, err := env.emissions.GetByID(ctx, currentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 800.0, replacement.KgCO2e)
}

// recordingRunRepo captures the status carried by each run write
type recordingRunRepo struct {
	repository.RecalcRunRepository
	statuses []models.RecalculationStatus
}

func (r *recordingRunRepo) Save(ctx context.Context, result *models.RecalculationResult) error {
	r.statuses = append(r.statuses, result.Status)
	return r.RecalcRunRepository.Save(ctx, result)
}

func TestRecalcForFactor_RunStatusProgression(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())
	ctx := context.Background()

	recorder := &recordingRunRepo{RecalcRunRepository: env.runs}
	env.coordinator.runs = recorder

	factor := seedFactor(t, env, 0.5)
	seedRecord(t, env, factor.ID, 100)

	result, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)

	// the run row is written on acceptance and rewritten on each transition
	assert.Equal(t, []models.RecalculationStatus{
		models.RecalcStatusPending,
		models.RecalcStatusInProgress,
		models.RecalcStatusCompleted,
	}, recorder.statuses)

	persisted, err := env.coordinator.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, models.RecalcStatusCompleted, persisted.Status)
	require.NotNil(t, persisted.CompletedAt)
	assert.False(t, persisted.CompletedAt.Before(persisted.StartedAt))
}

func TestRecalcForDependents_RetriesFailedSubset(t *testing.T) {
	env := newRecalcEnv(t, nil)
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)
	seedRecord(t, env, factor.ID, 100)
	b := seedRecord(t, env, factor.ID, 200)

	env.coordinator.calculator = &flakyCalculator{
		inner:   NewIntensityCalculator(),
		failFor: map[int64]bool{b.ID: true},
	}

	first, err := env.coordinator.RecalcForFactor(ctx, factor.ID)
	require.NoError(t, err)
	require.Equal(t, models.RecalcStatusPartial, first.Status)
	require.Equal(t, []int64{b.ID}, first.FailedIDs)

	// retry just the failed record with a healthy calculator
	env.coordinator.calculator = NewIntensityCalculator()
	retry, err := env.coordinator.RecalcForDependents(ctx, factor.ID, first.FailedIDs)
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusCompleted, retry.Status)
	assert.Equal(t, 1, retry.Successful)
	assert.NotEqual(t, first.RunID, retry.RunID)

	// both runs are on record for the factor
	runs, err := env.coordinator.ListRuns(ctx, factor.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRecalcForDependents_MissingRecord(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)

	result, err := env.coordinator.RecalcForDependents(ctx, factor.ID, []int64{404})
	require.NoError(t, err)

	assert.Equal(t, models.RecalcStatusFailed, result.Status)
	require.Len(t, result.ErrorMessages, 1)
	assert.Contains(t, result.ErrorMessages[0], "not found")
}

func TestMarkStale(t *testing.T) {
	env := newRecalcEnv(t, NewIntensityCalculator())
	ctx := context.Background()

	factor := seedFactor(t, env, 0.5)
	seedRecord(t, env, factor.ID, 100)
	seedRecord(t, env, factor.ID, 200)

	affected, err := env.coordinator.MarkStale(ctx, factor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	dependents, err := env.coordinator.FindDependents(ctx, factor.ID)
	require.NoError(t, err)
	assert.Empty(t, dependents)
}
