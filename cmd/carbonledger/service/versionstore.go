package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/greenmetric/carbonledger/common/hashchain"
	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/repository"
)

// VersionStore handles the append-only, hash-chained revision history of
// any entity type
type VersionStore struct {
	revisions repository.RevisionRepository
	log       *logger.Logger
}

// NewVersionStore creates a new version store
func NewVersionStore(revisions repository.RevisionRepository, log *logger.Logger) *VersionStore {
	return &VersionStore{
		revisions: revisions,
		log:       log,
	}
}

// CreateVersionRequest describes one new revision
type CreateVersionRequest struct {
	EntityType   string            `json:"entity_type"`
	EntityID     int64             `json:"entity_id"`
	Snapshot     models.Snapshot   `json:"snapshot"`
	ChangeType   models.ChangeType `json:"change_type"`
	ChangedBy    string            `json:"changed_by"`
	ChangeReason *string           `json:"change_reason,omitempty"`

	// ExpectedVersion, when set, must equal the entity's current version
	// (0 for a never-versioned entity) or the write fails with
	// repository.ErrVersionConflict
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// CreateVersion appends a new revision: reads the current one, links the
// hash chain, computes the diff, and atomically swaps the is_current flag.
// Calling it twice with identical data still creates two versions; no-op
// suppression is a caller policy.
func (s *VersionStore) CreateVersion(ctx context.Context, req CreateVersionRequest) (*models.Revision, error) {
	if !req.ChangeType.Valid() {
		return nil, fmt.Errorf("unknown change type: %s", req.ChangeType)
	}
	if req.Snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}

	current, err := s.revisions.GetCurrent(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current revision: %w", err)
	}

	currentVersion := 0
	if current != nil {
		currentVersion = current.Version
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != currentVersion {
		return nil, repository.ErrVersionConflict
	}

	newVersion := currentVersion + 1
	var previousHash *string
	var oldSnapshot models.Snapshot
	changedAt := time.Now().UTC()
	if current != nil {
		hash := current.CurrentHash
		previousHash = &hash
		oldSnapshot = current.DataSnapshot

		// changed_at is monotonically non-decreasing per entity
		if changedAt.Before(current.ChangedAt) {
			changedAt = current.ChangedAt
		}
	}

	rev := &models.Revision{
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Version:      newVersion,
		DataSnapshot: req.Snapshot,
		DataDiff:     hashchain.Diff(oldSnapshot, req.Snapshot),
		ChangeType:   req.ChangeType,
		ChangeReason: req.ChangeReason,
		ChangedBy:    req.ChangedBy,
		ChangedAt:    changedAt,
		PreviousHash: previousHash,
		CurrentHash:  hashchain.Hash(req.EntityType, req.EntityID, newVersion, req.Snapshot, previousHash),
	}

	created, err := s.revisions.CreateVersion(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}

	s.log.Info("revision created",
		"entity_type", created.EntityType,
		"entity_id", created.EntityID,
		"version", created.Version,
		"change_type", created.ChangeType,
		"changed_by", created.ChangedBy)

	return created, nil
}

// GetCurrent returns the current revision, or nil if the entity has never
// been versioned
func (s *VersionStore) GetCurrent(ctx context.Context, entityType string, entityID int64) (*models.Revision, error) {
	return s.revisions.GetCurrent(ctx, entityType, entityID)
}

// GetVersion returns an exact version, or nil
func (s *VersionStore) GetVersion(ctx context.Context, entityType string, entityID int64, version int) (*models.Revision, error) {
	return s.revisions.GetVersion(ctx, entityType, entityID, version)
}

// GetAtTime reconstructs what was current as of the given timestamp.
// Returns nil if the entity did not exist yet.
func (s *VersionStore) GetAtTime(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Revision, error) {
	return s.revisions.GetAtTime(ctx, entityType, entityID, at)
}

// ListVersions returns revisions newest-first, up to limit (0 = all)
func (s *VersionStore) ListVersions(ctx context.Context, entityType string, entityID int64, limit int) ([]*models.Revision, error) {
	return s.revisions.ListVersions(ctx, entityType, entityID, limit)
}

// RollbackToVersion restores a previous version's snapshot as one more
// revision on top of the history. Intervening versions stay retrievable.
// Returns nil if the target version does not exist.
func (s *VersionStore) RollbackToVersion(ctx context.Context, entityType string, entityID int64, targetVersion int, changedBy string, changeReason *string) (*models.Revision, error) {
	target, err := s.revisions.GetVersion(ctx, entityType, entityID, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollback target: %w", err)
	}
	if target == nil {
		return nil, nil
	}

	s.log.Info("rolling back entity",
		"entity_type", entityType,
		"entity_id", entityID,
		"target_version", targetVersion,
		"changed_by", changedBy)

	return s.CreateVersion(ctx, CreateVersionRequest{
		EntityType:   entityType,
		EntityID:     entityID,
		Snapshot:     target.DataSnapshot,
		ChangeType:   models.ChangeTypeRollback,
		ChangedBy:    changedBy,
		ChangeReason: changeReason,
	})
}

// VerifyChain replays the entity's history from version 1 and recomputes
// every hash. Any recomputation or linkage mismatch marks the chain broken;
// the offending version is logged and reported, never raised.
func (s *VersionStore) VerifyChain(ctx context.Context, entityType string, entityID int64) (*models.ChainVerification, error) {
	chain, err := s.revisions.ListChain(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load revision chain: %w", err)
	}

	result := &models.ChainVerification{
		EntityType:      entityType,
		EntityID:        entityID,
		Valid:           true,
		CheckedVersions: len(chain),
	}

	var prior *models.Revision
	for i, rev := range chain {
		if rev.Version != i+1 {
			return s.brokenChain(result, rev.Version, fmt.Sprintf("version gap: expected %d, found %d", i+1, rev.Version)), nil
		}

		if prior == nil {
			if rev.PreviousHash != nil {
				return s.brokenChain(result, rev.Version, "version 1 carries a previous_hash"), nil
			}
		} else {
			if rev.PreviousHash == nil || *rev.PreviousHash != prior.CurrentHash {
				return s.brokenChain(result, rev.Version, "previous_hash does not match prior revision"), nil
			}
		}

		expected := hashchain.Hash(rev.EntityType, rev.EntityID, rev.Version, rev.DataSnapshot, rev.PreviousHash)
		if expected != rev.CurrentHash {
			return s.brokenChain(result, rev.Version, "recomputed hash does not match current_hash"), nil
		}

		prior = rev
	}

	return result, nil
}

func (s *VersionStore) brokenChain(result *models.ChainVerification, version int, reason string) *models.ChainVerification {
	result.Valid = false
	result.BrokenVersion = version
	result.Reason = reason

	s.log.Warn("revision chain verification failed",
		"entity_type", result.EntityType,
		"entity_id", result.EntityID,
		"broken_version", version,
		"reason", reason)

	return result
}

// SnapshotMergePatch renders the change between two snapshots as an
// RFC 7386 merge patch for API consumers
func SnapshotMergePatch(from, to models.Snapshot) ([]byte, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base snapshot: %w", err)
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target snapshot: %w", err)
	}

	patch, err := jsonpatch.CreateMergePatch(fromJSON, toJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge patch: %w", err)
	}
	return patch, nil
}
