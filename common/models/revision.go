package models

import "time"

// ChangeType classifies how a revision came to exist
type ChangeType string

const (
	ChangeTypeCreate   ChangeType = "CREATE"
	ChangeTypeUpdate   ChangeType = "UPDATE"
	ChangeTypeDelete   ChangeType = "DELETE"
	ChangeTypeRollback ChangeType = "ROLLBACK"
)

// Valid reports whether t is one of the four known change types
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete, ChangeTypeRollback:
		return true
	}
	return false
}

// Snapshot is the full state of an entity at one version
type Snapshot map[string]any

// FieldChange records the before/after values of one changed key
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is a one-level key diff between two snapshots.
// A key never appears in more than one bucket.
type Diff struct {
	Added   map[string]any         `json:"added,omitempty"`
	Removed map[string]any         `json:"removed,omitempty"`
	Changed map[string]FieldChange `json:"changed,omitempty"`
}

// Empty reports whether the diff carries no changes
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0)
}

// Revision is one immutable version of an entity plus its audit metadata
// Maps to: entity_revisions table
type Revision struct {
	ID int64 `db:"id" json:"id"`

	// Logical entity identity (e.g. "factors" + factor lineage id)
	EntityType string `db:"entity_type" json:"entity_type"`
	EntityID   int64  `db:"entity_id" json:"entity_id"`

	// Monotonically increasing per entity, starting at 1
	Version int `db:"version" json:"version"`

	// At most one current revision per (entity_type, entity_id)
	IsCurrent bool `db:"is_current" json:"is_current"`

	// Full state at this version
	DataSnapshot Snapshot `db:"data_snapshot" json:"data_snapshot"`

	// Nil for version 1 and for no-op snapshots
	DataDiff *Diff `db:"data_diff" json:"data_diff,omitempty"`

	ChangeType   ChangeType `db:"change_type" json:"change_type"`
	ChangeReason *string    `db:"change_reason" json:"change_reason,omitempty"`
	ChangedBy    string     `db:"changed_by" json:"changed_by"`
	ChangedAt    time.Time  `db:"changed_at" json:"changed_at"`

	// Hash chain linkage: previous_hash is the prior current revision's
	// current_hash, nil for version 1. Format "sha256:<hex>".
	PreviousHash *string `db:"previous_hash" json:"previous_hash,omitempty"`
	CurrentHash  string  `db:"current_hash" json:"current_hash"`
}

// ChainVerification reports the outcome of replaying an entity's revision chain
type ChainVerification struct {
	EntityType      string `json:"entity_type"`
	EntityID        int64  `json:"entity_id"`
	Valid           bool   `json:"valid"`
	CheckedVersions int    `json:"checked_versions"`

	// First version at which the chain breaks (0 when valid)
	BrokenVersion int    `json:"broken_version,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
