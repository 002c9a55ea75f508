package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/service"
	"github.com/greenmetric/carbonledger/common/logger"
	"github.com/greenmetric/carbonledger/common/queue"
)

// RecalcWorker consumes factor events and drives recalculation in the
// background so registry writes return without waiting on dependents
type RecalcWorker struct {
	coordinator *service.RecalculationCoordinator
	queue       queue.Queue
	log         *logger.Logger
}

// NewRecalcWorker creates a new recalculation worker
func NewRecalcWorker(coordinator *service.RecalculationCoordinator, q queue.Queue, log *logger.Logger) *RecalcWorker {
	return &RecalcWorker{
		coordinator: coordinator,
		queue:       q,
		log:         log,
	}
}

// Start subscribes to factor events. Consumption runs until ctx is cancelled.
func (w *RecalcWorker) Start(ctx context.Context) error {
	if err := w.queue.Subscribe(ctx, queue.TopicFactorUpdated, w.handleUpdated); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue.TopicFactorUpdated, err)
	}
	if err := w.queue.Subscribe(ctx, queue.TopicFactorExpired, w.handleExpired); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue.TopicFactorExpired, err)
	}

	w.log.Info("recalc worker started")
	return nil
}

// handleUpdated recomputes the dependents of the replaced factor. They still
// reference the old id; the coordinator resolves the lineage successor.
func (w *RecalcWorker) handleUpdated(ctx context.Context, key string, value []byte) error {
	var event service.FactorEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to decode factor event: %w", err)
	}

	result, err := w.coordinator.RecalcForFactor(ctx, event.PreviousID)
	if errors.Is(err, service.ErrRecalcInProgress) {
		w.log.Info("recalculation skipped, already in progress", "factor_id", event.PreviousID)
		return nil
	}
	if err != nil {
		return err
	}

	w.log.Info("async recalculation finished",
		"factor_id", event.PreviousID,
		"run_id", result.RunID,
		"status", result.Status)

	return nil
}

// handleExpired marks the expired factor's dependents stale; there is no
// successor to recompute against
func (w *RecalcWorker) handleExpired(ctx context.Context, key string, value []byte) error {
	var event service.FactorEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to decode factor event: %w", err)
	}

	affected, err := w.coordinator.MarkStale(ctx, event.FactorID)
	if err != nil {
		return err
	}

	w.log.Info("dependents of expired factor marked stale",
		"factor_id", event.FactorID,
		"affected", affected)

	return nil
}
