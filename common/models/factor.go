package models

import "time"

// EntityTypeFactor is the entity_type tag factors use in the revision store
const EntityTypeFactor = "factors"

// Well-known classification keys. Schemes may carry additional keys; these
// two drive the lookup fallback.
const (
	ClassificationKind    = "kind"
	ClassificationSubkind = "subkind"
)

// Factor is a reference value used in emission math, with a validity window.
// An update expires the old row and inserts a successor with a new id; the
// lineage id ties the succession together and keys the audit trail.
// Maps to: factors table
type Factor struct {
	ID        int64 `db:"id" json:"id"`
	LineageID int64 `db:"lineage_id" json:"lineage_id"`

	Classification map[string]string  `db:"classification" json:"classification"`
	Values         map[string]float64 `db:"values" json:"values"`

	ValidFrom time.Time  `db:"valid_from" json:"valid_from"`
	ValidTo   *time.Time `db:"valid_to" json:"valid_to,omitempty"`

	// Increments on each registry update across the lineage
	Version int `db:"version" json:"version"`

	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Active reports whether the factor is currently in effect
func (f *Factor) Active() bool {
	return f.ValidTo == nil
}

// Snapshot flattens the factor into the generic snapshot shape the
// revision store hashes and diffs
func (f *Factor) Snapshot() Snapshot {
	snap := Snapshot{
		"id":      f.ID,
		"version": f.Version,
	}
	for key, value := range f.Classification {
		snap["classification."+key] = value
	}
	for key, value := range f.Values {
		snap["values."+key] = value
	}
	return snap
}
