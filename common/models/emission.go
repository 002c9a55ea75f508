package models

import "time"

// EmissionRecord is a computed value that references a factor and must be
// recalculated (or marked stale) when that factor changes.
// Maps to: emission_records table
type EmissionRecord struct {
	ID              int64 `db:"id" json:"id"`
	PrimaryFactorID int64 `db:"primary_factor_id" json:"primary_factor_id"`

	// Superseded records keep their row with is_current=false
	IsCurrent bool `db:"is_current" json:"is_current"`

	AnnualKWh *float64 `db:"annual_kwh" json:"annual_kwh,omitempty"`
	KgCO2e    float64  `db:"kg_co2eq" json:"kg_co2eq"`

	// Inputs the calculator used, kept for point-in-time auditing
	CalculationInputs map[string]any `db:"calculation_inputs" json:"calculation_inputs,omitempty"`

	ComputedAt time.Time `db:"computed_at" json:"computed_at"`
}

// CalculationOutput is what an EmissionCalculator produces for one record
type CalculationOutput struct {
	AnnualKWh         *float64       `json:"annual_kwh,omitempty"`
	KgCO2e            float64        `json:"kg_co2eq"`
	CalculationInputs map[string]any `json:"calculation_inputs,omitempty"`
}
