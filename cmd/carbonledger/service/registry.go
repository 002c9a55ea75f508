package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/greenmetric/carbonledger/common/cache"
	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/queue"
	"github.com/greenmetric/carbonledger/common/repository"
)

// FactorRegistry manages factor lifecycle: create, update (expire + replace),
// expire, and classification lookup. Every write is mirrored into the
// version store under the factor's lineage id.
type FactorRegistry struct {
	factors   repository.FactorRepository
	store     *VersionStore
	validator *ClassificationValidator
	queue     queue.Queue // nil disables event publishing
	cache     cache.Cache // nil disables lookup caching
	cacheTTL  time.Duration
	log       *logger.Logger
}

// NewFactorRegistry creates a new factor registry
func NewFactorRegistry(
	factors repository.FactorRepository,
	store *VersionStore,
	validator *ClassificationValidator,
	q queue.Queue,
	c cache.Cache,
	cacheTTL time.Duration,
	log *logger.Logger,
) *FactorRegistry {
	return &FactorRegistry{
		factors:   factors,
		store:     store,
		validator: validator,
		queue:     q,
		cache:     c,
		cacheTTL:  cacheTTL,
		log:       log,
	}
}

// CreateFactorRequest describes a new factor
type CreateFactorRequest struct {
	Classification map[string]string  `json:"classification"`
	Values         map[string]float64 `json:"values"`
	CreatedBy      string             `json:"created_by"`
	ChangeReason   *string            `json:"change_reason,omitempty"`
}

// UpdateFactorRequest describes a factor update. Nil maps inherit the
// previous factor's data unchanged.
type UpdateFactorRequest struct {
	Classification map[string]string  `json:"classification,omitempty"`
	Values         map[string]float64 `json:"values,omitempty"`
	UpdatedBy      string             `json:"updated_by"`
	ChangeReason   *string            `json:"change_reason,omitempty"`
}

// FactorEvent is published on factor.updated / factor.expired
type FactorEvent struct {
	FactorID   int64     `json:"factor_id"`
	LineageID  int64     `json:"lineage_id"`
	PreviousID int64     `json:"previous_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// VersionSummary is one line of a factor's audit history
type VersionSummary struct {
	Version      int               `json:"version"`
	ChangeType   models.ChangeType `json:"change_type"`
	ChangeReason *string           `json:"change_reason,omitempty"`
	ChangedBy    string            `json:"changed_by"`
	ChangedAt    time.Time         `json:"changed_at"`
	CurrentHash  string            `json:"current_hash"`
	Diff         *models.Diff      `json:"diff,omitempty"`
}

// Create validates and stores a new factor, recording a Create revision
func (r *FactorRegistry) Create(ctx context.Context, req CreateFactorRequest) (*models.Factor, error) {
	if err := r.validator.Validate(req.Classification, req.Values); err != nil {
		return nil, fmt.Errorf("invalid factor: %w", err)
	}

	now := time.Now().UTC()
	factor := &models.Factor{
		Classification: req.Classification,
		Values:         req.Values,
		ValidFrom:      now,
		Version:        1,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
	}

	factor, err := r.factors.Insert(ctx, factor)
	if err != nil {
		return nil, fmt.Errorf("failed to insert factor: %w", err)
	}

	if _, err := r.store.CreateVersion(ctx, CreateVersionRequest{
		EntityType:   models.EntityTypeFactor,
		EntityID:     factor.LineageID,
		Snapshot:     factor.Snapshot(),
		ChangeType:   models.ChangeTypeCreate,
		ChangedBy:    req.CreatedBy,
		ChangeReason: req.ChangeReason,
	}); err != nil {
		return nil, err
	}

	r.invalidateLookup(ctx, factor.Classification)

	r.log.Info("factor created",
		"factor_id", factor.ID,
		"lineage_id", factor.LineageID,
		"created_by", req.CreatedBy)

	return factor, nil
}

// Get returns a factor by id, or nil if unknown
func (r *FactorRegistry) Get(ctx context.Context, id int64) (*models.Factor, error) {
	return r.factors.GetByID(ctx, id)
}

// Update expires the old factor and inserts a successor with a new id on the
// same lineage. Fields left nil in the request carry over from the old
// factor. Returns nil if the factor does not exist.
func (r *FactorRegistry) Update(ctx context.Context, id int64, req UpdateFactorRequest) (*models.Factor, error) {
	old, err := r.factors.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor: %w", err)
	}
	if old == nil {
		return nil, nil
	}
	if !old.Active() {
		return nil, fmt.Errorf("factor %d is not active", id)
	}

	classification := req.Classification
	if classification == nil {
		classification = copyClassification(old.Classification)
	}
	values := req.Values
	if values == nil {
		values = copyValues(old.Values)
	}

	if err := r.validator.Validate(classification, values); err != nil {
		return nil, fmt.Errorf("invalid factor: %w", err)
	}

	now := time.Now().UTC()
	successor := &models.Factor{
		LineageID:      old.LineageID,
		Classification: classification,
		Values:         values,
		ValidFrom:      now,
		Version:        old.Version + 1,
		CreatedBy:      req.UpdatedBy,
		CreatedAt:      now,
	}

	successor, err = r.factors.Replace(ctx, old.ID, now, successor)
	if err != nil {
		return nil, fmt.Errorf("failed to replace factor: %w", err)
	}

	if _, err := r.store.CreateVersion(ctx, CreateVersionRequest{
		EntityType:   models.EntityTypeFactor,
		EntityID:     old.LineageID,
		Snapshot:     successor.Snapshot(),
		ChangeType:   models.ChangeTypeUpdate,
		ChangedBy:    req.UpdatedBy,
		ChangeReason: req.ChangeReason,
	}); err != nil {
		// The replace committed but its audit write did not: put the old
		// factor back so the lineage and its chain stay consistent
		if restoreErr := r.factors.Restore(ctx, old.ID, successor.ID); restoreErr != nil {
			r.log.Error("failed to restore factor after revision write failure",
				"factor_id", old.ID,
				"successor_id", successor.ID,
				"error", restoreErr)
		}
		return nil, err
	}

	r.invalidateLookup(ctx, old.Classification)
	r.invalidateLookup(ctx, successor.Classification)

	r.publish(ctx, queue.TopicFactorUpdated, FactorEvent{
		FactorID:   successor.ID,
		LineageID:  successor.LineageID,
		PreviousID: old.ID,
		OccurredAt: now,
	})

	r.log.Info("factor updated",
		"factor_id", successor.ID,
		"previous_id", old.ID,
		"lineage_id", successor.LineageID,
		"version", successor.Version,
		"updated_by", req.UpdatedBy)

	return successor, nil
}

// Expire closes a factor's validity window without a successor, recording a
// Delete revision. Returns nil if the factor does not exist.
func (r *FactorRegistry) Expire(ctx context.Context, id int64, expiredBy string, changeReason *string) (*models.Factor, error) {
	factor, err := r.factors.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor: %w", err)
	}
	if factor == nil {
		return nil, nil
	}
	if !factor.Active() {
		return nil, fmt.Errorf("factor %d is not active", id)
	}

	now := time.Now().UTC()
	if err := r.factors.Expire(ctx, id, now); err != nil {
		return nil, fmt.Errorf("failed to expire factor: %w", err)
	}
	factor.ValidTo = &now

	if _, err := r.store.CreateVersion(ctx, CreateVersionRequest{
		EntityType:   models.EntityTypeFactor,
		EntityID:     factor.LineageID,
		Snapshot:     factor.Snapshot(),
		ChangeType:   models.ChangeTypeDelete,
		ChangedBy:    expiredBy,
		ChangeReason: changeReason,
	}); err != nil {
		return nil, err
	}

	r.invalidateLookup(ctx, factor.Classification)

	r.publish(ctx, queue.TopicFactorExpired, FactorEvent{
		FactorID:   factor.ID,
		LineageID:  factor.LineageID,
		OccurredAt: now,
	})

	r.log.Info("factor expired",
		"factor_id", factor.ID,
		"lineage_id", factor.LineageID,
		"expired_by", expiredBy)

	return factor, nil
}

// Lookup resolves the active factor for a classification. An exact match
// wins. With none, a query carrying a subkind falls back to the kind-only
// factor, and a query without one widens to factors carrying any subkind.
// Multiple matches are ambiguous: the lowest id wins and a warning is
// logged. Returns nil when nothing matches.
func (r *FactorRegistry) Lookup(ctx context.Context, classification map[string]string) (*models.Factor, error) {
	key := lookupCacheKey(classification)
	if cached := r.cachedLookup(ctx, key); cached != nil {
		return cached, nil
	}

	matches, err := r.factors.FindActive(ctx, classification)
	if err != nil {
		return nil, fmt.Errorf("failed to look up factors: %w", err)
	}

	if len(matches) == 0 {
		if fallback, ok := withoutSubkind(classification); ok {
			matches, err = r.factors.FindActive(ctx, fallback)
		} else {
			matches, err = r.factors.FindActiveContaining(ctx, classification)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up fallback factors: %w", err)
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}

	factor := matches[0]
	if len(matches) > 1 {
		ids := make([]int64, len(matches))
		for i, match := range matches {
			ids[i] = match.ID
		}
		r.log.Warn("ambiguous factor classification",
			"classification", classification,
			"matches", ids,
			"chosen", factor.ID)
	}

	r.cacheLookup(ctx, key, factor)

	return factor, nil
}

// History returns the audit trail of a factor's lineage, newest-first.
// Returns nil if the factor does not exist.
func (r *FactorRegistry) History(ctx context.Context, id int64) ([]VersionSummary, error) {
	factor, err := r.factors.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor: %w", err)
	}
	if factor == nil {
		return nil, nil
	}

	revisions, err := r.store.ListVersions(ctx, models.EntityTypeFactor, factor.LineageID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list factor history: %w", err)
	}

	history := make([]VersionSummary, len(revisions))
	for i, rev := range revisions {
		history[i] = VersionSummary{
			Version:      rev.Version,
			ChangeType:   rev.ChangeType,
			ChangeReason: rev.ChangeReason,
			ChangedBy:    rev.ChangedBy,
			ChangedAt:    rev.ChangedAt,
			CurrentHash:  rev.CurrentHash,
			Diff:         rev.DataDiff,
		}
	}

	return history, nil
}

func (r *FactorRegistry) cachedLookup(ctx context.Context, key string) *models.Factor {
	if r.cache == nil {
		return nil
	}

	data, found, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("lookup cache read failed", "key", key, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	factor := &models.Factor{}
	if err := json.Unmarshal(data, factor); err != nil {
		r.log.Warn("lookup cache entry corrupt", "key", key, "error", err)
		return nil
	}
	return factor
}

func (r *FactorRegistry) cacheLookup(ctx context.Context, key string, factor *models.Factor) {
	if r.cache == nil {
		return
	}

	data, err := json.Marshal(factor)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
		r.log.Warn("lookup cache write failed", "key", key, "error", err)
	}
}

func (r *FactorRegistry) invalidateLookup(ctx context.Context, classification map[string]string) {
	if r.cache == nil {
		return
	}

	keys := []string{lookupCacheKey(classification)}
	if fallback, ok := withoutSubkind(classification); ok {
		keys = append(keys, lookupCacheKey(fallback))
	}

	for _, key := range keys {
		if err := r.cache.Delete(ctx, key); err != nil {
			r.log.Warn("lookup cache invalidation failed", "key", key, "error", err)
		}
	}
}

func (r *FactorRegistry) publish(ctx context.Context, topic string, event FactorEvent) {
	if r.queue == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	key := fmt.Sprintf("%d", event.LineageID)
	if err := r.queue.Publish(ctx, topic, key, payload); err != nil {
		r.log.Warn("failed to publish factor event", "topic", topic, "factor_id", event.FactorID, "error", err)
	}
}

// lookupCacheKey renders a classification as a stable cache key
func lookupCacheKey(classification map[string]string) string {
	keys := make([]string, 0, len(classification))
	for key := range classification {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("factor:lookup:")
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(classification[key])
	}
	return b.String()
}

// withoutSubkind strips the subkind key for the lookup fallback; ok is false
// when there is no subkind to strip
func withoutSubkind(classification map[string]string) (map[string]string, bool) {
	if _, exists := classification[models.ClassificationSubkind]; !exists {
		return nil, false
	}

	fallback := make(map[string]string, len(classification)-1)
	for key, value := range classification {
		if key == models.ClassificationSubkind {
			continue
		}
		fallback[key] = value
	}
	return fallback, true
}

func copyClassification(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
