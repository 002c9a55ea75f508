package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/repository"
)

func newTestVersionStore() (*VersionStore, *repository.MemoryRevisionRepository) {
	revisions := repository.NewMemoryRevisionRepository()
	store := NewVersionStore(revisions, logger.New("error", "text"))
	return store, revisions
}

func createTestVersion(t *testing.T, store *VersionStore, entityID int64, snapshot models.Snapshot, changeType models.ChangeType) *models.Revision {
	t.Helper()
	rev, err := store.CreateVersion(context.Background(), CreateVersionRequest{
		EntityType: "widgets",
		EntityID:   entityID,
		Snapshot:   snapshot,
		ChangeType: changeType,
		ChangedBy:  "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, rev)
	return rev
}

func TestCreateVersion_FirstVersion(t *testing.T) {
	store, _ := newTestVersionStore()

	rev := createTestVersion(t, store, 1, models.Snapshot{"name": "solar"}, models.ChangeTypeCreate)

	assert.Equal(t, 1, rev.Version)
	assert.True(t, rev.IsCurrent)
	assert.Nil(t, rev.PreviousHash)
	assert.Nil(t, rev.DataDiff)
	assert.True(t, strings.HasPrefix(rev.CurrentHash, "sha256:"))
}

func TestCreateVersion_ChainLinkage(t *testing.T) {
	store, _ := newTestVersionStore()
	ctx := context.Background()

	rev1 := createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	rev2 := createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)
	rev3 := createTestVersion(t, store, 1, models.Snapshot{"a": 3}, models.ChangeTypeUpdate)

	require.NotNil(t, rev2.PreviousHash)
	require.NotNil(t, rev3.PreviousHash)
	assert.Equal(t, rev1.CurrentHash, *rev2.PreviousHash)
	assert.Equal(t, rev2.CurrentHash, *rev3.PreviousHash)

	// exactly one current revision, and versions are gapless
	all, err := store.ListVersions(ctx, "widgets", 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	currentCount := 0
	for _, rev := range all {
		if rev.IsCurrent {
			currentCount++
		}
	}
	assert.Equal(t, 1, currentCount)
	assert.Equal(t, 3, all[0].Version)
	assert.Equal(t, 2, all[1].Version)
	assert.Equal(t, 1, all[2].Version)
}

func TestCreateVersion_Diff(t *testing.T) {
	store, _ := newTestVersionStore()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1, "b": 2}, models.ChangeTypeCreate)
	rev2 := createTestVersion(t, store, 1, models.Snapshot{"b": 3, "c": 4}, models.ChangeTypeUpdate)

	require.NotNil(t, rev2.DataDiff)
	assert.Equal(t, map[string]any{"c": 4}, rev2.DataDiff.Added)
	assert.Equal(t, map[string]any{"a": 1}, rev2.DataDiff.Removed)
	assert.Equal(t, map[string]models.FieldChange{"b": {Old: 2, New: 3}}, rev2.DataDiff.Changed)
}

func TestCreateVersion_ExpectedVersionConflict(t *testing.T) {
	store, _ := newTestVersionStore()
	ctx := context.Background()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)

	stale := 0
	_, err := store.CreateVersion(ctx, CreateVersionRequest{
		EntityType:      "widgets",
		EntityID:        1,
		Snapshot:        models.Snapshot{"a": 2},
		ChangeType:      models.ChangeTypeUpdate,
		ChangedBy:       "tester",
		ExpectedVersion: &stale,
	})
	require.ErrorIs(t, err, repository.ErrVersionConflict)

	// matching expectation succeeds
	current := 1
	rev, err := store.CreateVersion(ctx, CreateVersionRequest{
		EntityType:      "widgets",
		EntityID:        1,
		Snapshot:        models.Snapshot{"a": 2},
		ChangeType:      models.ChangeTypeUpdate,
		ChangedBy:       "tester",
		ExpectedVersion: &current,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rev.Version)
}

func TestCreateVersion_InvalidChangeType(t *testing.T) {
	store, _ := newTestVersionStore()

	_, err := store.CreateVersion(context.Background(), CreateVersionRequest{
		EntityType: "widgets",
		EntityID:   1,
		Snapshot:   models.Snapshot{"a": 1},
		ChangeType: "MERGE",
		ChangedBy:  "tester",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown change type")
}

func TestGetAtTime(t *testing.T) {
	store, _ := newTestVersionStore()
	ctx := context.Background()

	rev1 := createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	time.Sleep(2 * time.Millisecond)
	rev2 := createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)

	// before the entity existed
	got, err := store.GetAtTime(ctx, "widgets", 1, rev1.ChangedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	// exactly at version 1
	got, err = store.GetAtTime(ctx, "widgets", 1, rev1.ChangedAt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Version)

	// after version 2
	got, err = store.GetAtTime(ctx, "widgets", 1, rev2.ChangedAt.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Version)
}

func TestRollbackToVersion(t *testing.T) {
	store, _ := newTestVersionStore()
	ctx := context.Background()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)

	rev3, err := store.RollbackToVersion(ctx, "widgets", 1, 1, "tester", nil)
	require.NoError(t, err)
	require.NotNil(t, rev3)

	// rollback is one more version on top, not a rewrite
	assert.Equal(t, 3, rev3.Version)
	assert.Equal(t, models.ChangeTypeRollback, rev3.ChangeType)
	assert.Equal(t, models.Snapshot{"a": 1}, rev3.DataSnapshot)

	middle, err := store.GetVersion(ctx, "widgets", 1, 2)
	require.NoError(t, err)
	require.NotNil(t, middle)
	assert.Equal(t, models.Snapshot{"a": 2}, middle.DataSnapshot)

	verification, err := store.VerifyChain(ctx, "widgets", 1)
	require.NoError(t, err)
	assert.True(t, verification.Valid)
}

func TestRollbackToVersion_MissingTarget(t *testing.T) {
	store, _ := newTestVersionStore()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)

	rev, err := store.RollbackToVersion(context.Background(), "widgets", 1, 9, "tester", nil)
	require.NoError(t, err)
	assert.Nil(t, rev)
}

func TestVerifyChain_Valid(t *testing.T) {
	store, _ := newTestVersionStore()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 3}, models.ChangeTypeUpdate)

	verification, err := store.VerifyChain(context.Background(), "widgets", 1)
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Equal(t, 3, verification.CheckedVersions)
	assert.Zero(t, verification.BrokenVersion)
}

func TestVerifyChain_TamperedSnapshot(t *testing.T) {
	store, revisions := newTestVersionStore()
	ctx := context.Background()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 3}, models.ChangeTypeUpdate)

	// mutate stored data behind the store's back
	tampered, err := revisions.GetVersion(ctx, "widgets", 1, 2)
	require.NoError(t, err)
	tampered.DataSnapshot["a"] = 999

	verification, err := store.VerifyChain(ctx, "widgets", 1)
	require.NoError(t, err)
	assert.False(t, verification.Valid)
	assert.Equal(t, 2, verification.BrokenVersion)
	assert.Contains(t, verification.Reason, "recomputed hash")
}

func TestVerifyChain_BrokenLinkage(t *testing.T) {
	store, revisions := newTestVersionStore()
	ctx := context.Background()

	createTestVersion(t, store, 1, models.Snapshot{"a": 1}, models.ChangeTypeCreate)
	createTestVersion(t, store, 1, models.Snapshot{"a": 2}, models.ChangeTypeUpdate)

	tampered, err := revisions.GetVersion(ctx, "widgets", 1, 2)
	require.NoError(t, err)
	tampered.PreviousHash = nil

	verification, err := store.VerifyChain(ctx, "widgets", 1)
	require.NoError(t, err)
	assert.False(t, verification.Valid)
	assert.Equal(t, 2, verification.BrokenVersion)
}

func TestVerifyChain_EmptyHistory(t *testing.T) {
	store, _ := newTestVersionStore()

	verification, err := store.VerifyChain(context.Background(), "widgets", 404)
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Zero(t, verification.CheckedVersions)
}

func TestSnapshotMergePatch(t *testing.T) {
	patch, err := SnapshotMergePatch(
		models.Snapshot{"a": 1, "b": 2},
		models.Snapshot{"b": 3, "c": 4},
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":null,"b":3,"c":4}`, string(patch))
}
