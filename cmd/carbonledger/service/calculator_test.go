package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenmetric/carbonledger/common/config"
	"github.com/greenmetric/carbonledger/common/models"
)

func testFactor(intensity float64) *models.Factor {
	return &models.Factor{
		ID:             7,
		LineageID:      7,
		Classification: map[string]string{models.ClassificationKind: "electricity"},
		Values:         map[string]float64{FactorValueIntensity: intensity},
		ValidFrom:      time.Now().UTC(),
		Version:        1,
	}
}

func testRecord(annualKWh float64) *models.EmissionRecord {
	return &models.EmissionRecord{
		ID:              11,
		PrimaryFactorID: 7,
		IsCurrent:       true,
		AnnualKWh:       &annualKWh,
		KgCO2e:          0,
		ComputedAt:      time.Now().UTC(),
	}
}

func TestNewCalculator(t *testing.T) {
	calc, err := NewCalculator(config.RecalcConfig{Calculator: CalculatorIntensity})
	require.NoError(t, err)
	assert.Equal(t, CalculatorIntensity, calc.Name())

	// empty name falls back to the default
	calc, err = NewCalculator(config.RecalcConfig{})
	require.NoError(t, err)
	assert.Equal(t, CalculatorIntensity, calc.Name())

	calc, err = NewCalculator(config.RecalcConfig{
		Calculator: CalculatorCEL,
		Formula:    "record.annual_kwh * factor.values.kg_co2e_per_kwh",
	})
	require.NoError(t, err)
	assert.Equal(t, CalculatorCEL, calc.Name())

	_, err = NewCalculator(config.RecalcConfig{Calculator: "quantum"})
	require.Error(t, err)
}

func TestIntensityCalculator_Compute(t *testing.T) {
	calc := NewIntensityCalculator()

	output, err := calc.Compute(context.Background(), testRecord(1000), testFactor(0.5))
	require.NoError(t, err)

	assert.Equal(t, 500.0, output.KgCO2e)
	require.NotNil(t, output.AnnualKWh)
	assert.Equal(t, 1000.0, *output.AnnualKWh)
	assert.Equal(t, 0.5, output.CalculationInputs[FactorValueIntensity])
	assert.Equal(t, int64(7), output.CalculationInputs["factor_id"])
}

func TestIntensityCalculator_AnnualKWhFromInputs(t *testing.T) {
	calc := NewIntensityCalculator()

	record := testRecord(0)
	record.AnnualKWh = nil
	record.CalculationInputs = map[string]any{"annual_kwh": 200.0}

	output, err := calc.Compute(context.Background(), record, testFactor(0.5))
	require.NoError(t, err)
	assert.Equal(t, 100.0, output.KgCO2e)
}

func TestIntensityCalculator_MissingIntensity(t *testing.T) {
	calc := NewIntensityCalculator()

	factor := testFactor(0.5)
	factor.Values = map[string]float64{"kg_co2e_per_km": 0.2}

	_, err := calc.Compute(context.Background(), testRecord(1000), factor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), FactorValueIntensity)
}

func TestIntensityCalculator_MissingAnnualKWh(t *testing.T) {
	calc := NewIntensityCalculator()

	record := testRecord(0)
	record.AnnualKWh = nil

	_, err := calc.Compute(context.Background(), record, testFactor(0.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annual_kwh")
}

func TestCELCalculator_Compute(t *testing.T) {
	calc, err := NewCELCalculator("record.annual_kwh * factor.values.kg_co2e_per_kwh * 1.1")
	require.NoError(t, err)

	output, err := calc.Compute(context.Background(), testRecord(1000), testFactor(0.5))
	require.NoError(t, err)
	assert.InDelta(t, 550.0, output.KgCO2e, 1e-9)
	assert.Equal(t, "record.annual_kwh * factor.values.kg_co2e_per_kwh * 1.1", output.CalculationInputs["formula"])
}

func TestCELCalculator_BadFormula(t *testing.T) {
	_, err := NewCELCalculator("record.annual_kwh *")
	require.Error(t, err)
}

func TestCELCalculator_NonNumericResult(t *testing.T) {
	calc, err := NewCELCalculator(`"not a number"`)
	require.NoError(t, err)

	_, err = calc.Compute(context.Background(), testRecord(1000), testFactor(0.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return a number")
}
