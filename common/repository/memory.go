package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greenmetric/carbonledger/common/models"
)

// Memory implementations back the "memory" storage type and the service
// tests. They hold the same contracts as the Postgres repositories,
// including the atomic flip-and-insert and the version-conflict check.

type entityKey struct {
	entityType string
	entityID   int64
}

// MemoryRevisionRepository is an in-memory revision store
type MemoryRevisionRepository struct {
	mu     sync.RWMutex
	chains map[entityKey][]*models.Revision
	nextID int64
}

// NewMemoryRevisionRepository creates a new in-memory revision repository
func NewMemoryRevisionRepository() *MemoryRevisionRepository {
	return &MemoryRevisionRepository{
		chains: make(map[entityKey][]*models.Revision),
	}
}

// CreateVersion appends rev as the new current revision, retiring the old one
func (r *MemoryRevisionRepository) CreateVersion(ctx context.Context, rev *models.Revision) (*models.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey{rev.EntityType, rev.EntityID}
	chain := r.chains[key]

	if len(chain) == 0 {
		if rev.Version != 1 {
			return nil, ErrVersionConflict
		}
	} else {
		current := chain[len(chain)-1]
		if rev.Version != current.Version+1 {
			return nil, ErrVersionConflict
		}
		current.IsCurrent = false
	}

	r.nextID++
	rev.ID = r.nextID
	rev.IsCurrent = true
	r.chains[key] = append(chain, rev)

	return rev, nil
}

// GetCurrent returns the current revision, or nil
func (r *MemoryRevisionRepository) GetCurrent(ctx context.Context, entityType string, entityID int64) (*models.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[entityKey{entityType, entityID}]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1], nil
}

// GetVersion returns an exact version, or nil
func (r *MemoryRevisionRepository) GetVersion(ctx context.Context, entityType string, entityID int64, version int) (*models.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rev := range r.chains[entityKey{entityType, entityID}] {
		if rev.Version == version {
			return rev, nil
		}
	}
	return nil, nil
}

// GetAtTime returns the revision current as of the given timestamp, or nil
func (r *MemoryRevisionRepository) GetAtTime(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Revision
	for _, rev := range r.chains[entityKey{entityType, entityID}] {
		if rev.ChangedAt.After(at) {
			continue
		}
		if best == nil ||
			rev.ChangedAt.After(best.ChangedAt) ||
			(rev.ChangedAt.Equal(best.ChangedAt) && rev.Version > best.Version) {
			best = rev
		}
	}
	return best, nil
}

// ListVersions returns revisions newest-first, up to limit (0 = all)
func (r *MemoryRevisionRepository) ListVersions(ctx context.Context, entityType string, entityID int64, limit int) ([]*models.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[entityKey{entityType, entityID}]
	out := make([]*models.Revision, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListChain returns the full history oldest-first
func (r *MemoryRevisionRepository) ListChain(ctx context.Context, entityType string, entityID int64) ([]*models.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[entityKey{entityType, entityID}]
	out := make([]*models.Revision, len(chain))
	copy(out, chain)
	return out, nil
}

// MemoryFactorRepository is an in-memory factor store
type MemoryFactorRepository struct {
	mu      sync.RWMutex
	factors map[int64]*models.Factor
	nextID  int64
}

// NewMemoryFactorRepository creates a new in-memory factor repository
func NewMemoryFactorRepository() *MemoryFactorRepository {
	return &MemoryFactorRepository{
		factors: make(map[int64]*models.Factor),
	}
}

// Insert stores a new factor and assigns its id
func (r *MemoryFactorRepository) Insert(ctx context.Context, factor *models.Factor) (*models.Factor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(factor), nil
}

func (r *MemoryFactorRepository) insertLocked(factor *models.Factor) *models.Factor {
	r.nextID++
	factor.ID = r.nextID
	if factor.LineageID == 0 {
		factor.LineageID = factor.ID
	}
	r.factors[factor.ID] = factor
	return factor
}

// GetByID returns a factor, or nil
func (r *MemoryFactorRepository) GetByID(ctx context.Context, id int64) (*models.Factor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors[id], nil
}

// GetActiveByLineage returns the active factor in a lineage, or nil
func (r *MemoryFactorRepository) GetActiveByLineage(ctx context.Context, lineageID int64) (*models.Factor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active *models.Factor
	for _, factor := range r.factors {
		if factor.LineageID != lineageID || !factor.Active() {
			continue
		}
		if active == nil || factor.Version > active.Version {
			active = factor
		}
	}
	return active, nil
}

// FindActive returns active factors matching the classification exactly,
// ordered by id
func (r *MemoryFactorRepository) FindActive(ctx context.Context, classification map[string]string) ([]*models.Factor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*models.Factor
	for _, factor := range r.factors {
		if factor.Active() && classificationsEqual(factor.Classification, classification) {
			matches = append(matches, factor)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID < matches[j].ID
	})

	return matches, nil
}

// FindActiveContaining returns active factors whose classification is a
// superset of the given map, ordered by id
func (r *MemoryFactorRepository) FindActiveContaining(ctx context.Context, classification map[string]string) ([]*models.Factor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*models.Factor
	for _, factor := range r.factors {
		if factor.Active() && classificationContains(factor.Classification, classification) {
			matches = append(matches, factor)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID < matches[j].ID
	})

	return matches, nil
}

// Replace expires the old factor and inserts its successor atomically
func (r *MemoryFactorRepository) Replace(ctx context.Context, oldID int64, at time.Time, successor *models.Factor) (*models.Factor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.factors[oldID]
	if !exists || !old.Active() {
		return nil, errNotActive(oldID)
	}

	expiry := at
	old.ValidTo = &expiry

	return r.insertLocked(successor), nil
}

// Restore undoes a Replace whose follow-up audit write failed
func (r *MemoryFactorRepository) Restore(ctx context.Context, oldID, successorID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.factors[oldID]
	if !exists {
		return fmt.Errorf("factor %d not found", oldID)
	}

	old.ValidTo = nil
	delete(r.factors, successorID)
	return nil
}

// Expire closes a factor's validity window
func (r *MemoryFactorRepository) Expire(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factor, exists := r.factors[id]
	if !exists || !factor.Active() {
		return errNotActive(id)
	}

	expiry := at
	factor.ValidTo = &expiry
	return nil
}

func classificationsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	return classificationContains(a, b)
}

// classificationContains reports whether every key/value of query is present
// in classification
func classificationContains(classification, query map[string]string) bool {
	for key, value := range query {
		if classification[key] != value {
			return false
		}
	}
	return true
}

// MemoryEmissionRepository is an in-memory emission record store
type MemoryEmissionRepository struct {
	mu      sync.RWMutex
	records map[int64]*models.EmissionRecord
	nextID  int64
}

// NewMemoryEmissionRepository creates a new in-memory emission repository
func NewMemoryEmissionRepository() *MemoryEmissionRepository {
	return &MemoryEmissionRepository{
		records: make(map[int64]*models.EmissionRecord),
	}
}

// GetByID returns an emission record, or nil
func (r *MemoryEmissionRepository) GetByID(ctx context.Context, id int64) (*models.EmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id], nil
}

// Insert stores a new emission record and assigns its id
func (r *MemoryEmissionRepository) Insert(ctx context.Context, record *models.EmissionRecord) (*models.EmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	record.ID = r.nextID
	r.records[record.ID] = record
	return record, nil
}

// ListCurrentIDsByFactor returns deduplicated current dependent ids, ascending
func (r *MemoryEmissionRepository) ListCurrentIDsByFactor(ctx context.Context, factorID int64) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int64
	for id, record := range r.records {
		if record.PrimaryFactorID == factorID && record.IsCurrent {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Supersede retires the old record and inserts the replacement atomically
func (r *MemoryEmissionRepository) Supersede(ctx context.Context, oldID int64, replacement *models.EmissionRecord) (*models.EmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.records[oldID]
	if !exists || !old.IsCurrent {
		return nil, errNotCurrent(oldID)
	}

	old.IsCurrent = false

	r.nextID++
	replacement.ID = r.nextID
	replacement.IsCurrent = true
	r.records[replacement.ID] = replacement

	return replacement, nil
}

// MarkStaleByFactor flips is_current=false on all current dependents
func (r *MemoryEmissionRepository) MarkStaleByFactor(ctx context.Context, factorID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected int64
	for _, record := range r.records {
		if record.PrimaryFactorID == factorID && record.IsCurrent {
			record.IsCurrent = false
			affected++
		}
	}
	return affected, nil
}

// MemoryRecalcRunRepository is an in-memory recalculation run store
type MemoryRecalcRunRepository struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*models.RecalculationResult
}

// NewMemoryRecalcRunRepository creates a new in-memory run repository
func NewMemoryRecalcRunRepository() *MemoryRecalcRunRepository {
	return &MemoryRecalcRunRepository{
		runs: make(map[uuid.UUID]*models.RecalculationResult),
	}
}

// Save stores or updates a run row, snapshotting the state at write time
func (r *MemoryRecalcRunRepository) Save(ctx context.Context, result *models.RecalculationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := *result
	r.runs[result.RunID] = &snapshot
	return nil
}

// GetByID returns a run outcome, or nil
func (r *MemoryRecalcRunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.RecalculationResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[runID], nil
}

// ListByFactor returns run outcomes for a factor, newest-first
func (r *MemoryRecalcRunRepository) ListByFactor(ctx context.Context, factorID int64, limit int) ([]*models.RecalculationResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*models.RecalculationResult
	for _, result := range r.runs {
		if result.FactorID == factorID {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func errNotActive(id int64) error {
	return fmt.Errorf("factor %d is not active", id)
}

func errNotCurrent(id int64) error {
	return fmt.Errorf("emission record %d is not current", id)
}
