package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/greenmetric/carbonledger/common/config"
	"github.com/greenmetric/carbonledger/common/models"
)

// EmissionCalculator recomputes one emission record against a factor.
// Implementations must be safe for concurrent use.
type EmissionCalculator interface {
	Name() string
	Compute(ctx context.Context, record *models.EmissionRecord, factor *models.Factor) (*models.CalculationOutput, error)
}

// Calculator names in the registry
const (
	CalculatorIntensity = "intensity"
	CalculatorCEL       = "cel"
)

// FactorValueIntensity is the factor value the intensity calculator reads
const FactorValueIntensity = "kg_co2e_per_kwh"

// NewCalculator builds the configured calculator from the registry
func NewCalculator(cfg config.RecalcConfig) (EmissionCalculator, error) {
	switch cfg.Calculator {
	case CalculatorIntensity, "":
		return NewIntensityCalculator(), nil
	case CalculatorCEL:
		return NewCELCalculator(cfg.Formula)
	default:
		return nil, fmt.Errorf("unknown calculator: %s", cfg.Calculator)
	}
}

// IntensityCalculator multiplies annual energy use by the factor's carbon
// intensity
type IntensityCalculator struct{}

// NewIntensityCalculator creates the default calculator
func NewIntensityCalculator() *IntensityCalculator {
	return &IntensityCalculator{}
}

// Name returns the registry name
func (c *IntensityCalculator) Name() string {
	return CalculatorIntensity
}

// Compute recalculates kg CO2e as annual_kwh * kg_co2e_per_kwh
func (c *IntensityCalculator) Compute(ctx context.Context, record *models.EmissionRecord, factor *models.Factor) (*models.CalculationOutput, error) {
	intensity, ok := factor.Values[FactorValueIntensity]
	if !ok {
		return nil, fmt.Errorf("factor %d has no %s value", factor.ID, FactorValueIntensity)
	}

	annualKWh, err := annualKWhOf(record)
	if err != nil {
		return nil, err
	}

	kgCO2e := annualKWh * intensity
	if math.IsNaN(kgCO2e) || math.IsInf(kgCO2e, 0) {
		return nil, fmt.Errorf("computed kg_co2e is not finite")
	}

	return &models.CalculationOutput{
		AnnualKWh: &annualKWh,
		KgCO2e:    kgCO2e,
		CalculationInputs: map[string]any{
			"calculator":         CalculatorIntensity,
			"factor_id":          factor.ID,
			"factor_version":     factor.Version,
			FactorValueIntensity: intensity,
			"annual_kwh":         annualKWh,
			"source_record_id":   record.ID,
			"source_computed_at": record.ComputedAt.Format(time.RFC3339),
		},
	}, nil
}

// CELCalculator evaluates a configured CEL expression over the record and
// factor. The expression must return the new kg CO2e as a double.
type CELCalculator struct {
	formula string
	program cel.Program
}

// NewCELCalculator compiles the formula once; a bad expression fails at
// construction, not per record
func NewCELCalculator(formula string) (*CELCalculator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("factor", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(formula)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile formula: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL program: %w", err)
	}

	return &CELCalculator{
		formula: formula,
		program: program,
	}, nil
}

// Name returns the registry name
func (c *CELCalculator) Name() string {
	return CalculatorCEL
}

// Compute evaluates the formula with `record` and `factor` in scope
func (c *CELCalculator) Compute(ctx context.Context, record *models.EmissionRecord, factor *models.Factor) (*models.CalculationOutput, error) {
	out, _, err := c.program.Eval(map[string]any{
		"record": recordActivation(record),
		"factor": factorActivation(factor),
	})
	if err != nil {
		return nil, fmt.Errorf("formula evaluation failed: %w", err)
	}

	var kgCO2e float64
	switch value := out.Value().(type) {
	case float64:
		kgCO2e = value
	case int64:
		kgCO2e = float64(value)
	default:
		return nil, fmt.Errorf("formula must return a number, got %T", out.Value())
	}
	if math.IsNaN(kgCO2e) || math.IsInf(kgCO2e, 0) {
		return nil, fmt.Errorf("computed kg_co2e is not finite")
	}

	return &models.CalculationOutput{
		AnnualKWh: record.AnnualKWh,
		KgCO2e:    kgCO2e,
		CalculationInputs: map[string]any{
			"calculator":     CalculatorCEL,
			"formula":        c.formula,
			"factor_id":      factor.ID,
			"factor_version": factor.Version,
		},
	}, nil
}

func annualKWhOf(record *models.EmissionRecord) (float64, error) {
	if record.AnnualKWh != nil {
		return *record.AnnualKWh, nil
	}
	if raw, ok := record.CalculationInputs["annual_kwh"]; ok {
		if value, ok := raw.(float64); ok {
			return value, nil
		}
	}
	return 0, fmt.Errorf("emission record %d has no annual_kwh input", record.ID)
}

func recordActivation(record *models.EmissionRecord) map[string]any {
	activation := map[string]any{
		"id":      record.ID,
		"kg_co2e": record.KgCO2e,
		"inputs":  record.CalculationInputs,
	}
	if record.AnnualKWh != nil {
		activation["annual_kwh"] = *record.AnnualKWh
	}
	return activation
}

func factorActivation(factor *models.Factor) map[string]any {
	values := make(map[string]any, len(factor.Values))
	for key, value := range factor.Values {
		values[key] = value
	}
	classification := make(map[string]any, len(factor.Classification))
	for key, value := range factor.Classification {
		classification[key] = value
	}
	return map[string]any{
		"id":             factor.ID,
		"version":        factor.Version,
		"classification": classification,
		"values":         values,
	}
}
