package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/service"
)

// RecalcHandler handles recalculation requests
type RecalcHandler struct {
	container *container.Container
}

// NewRecalcHandler creates a new recalculation handler
func NewRecalcHandler(c *container.Container) *RecalcHandler {
	return &RecalcHandler{container: c}
}

// ListDependents returns the ids of current records depending on the factor
// GET /api/v1/factors/:id/dependents
func (h *RecalcHandler) ListDependents(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	dependents, err := h.container.Coordinator.FindDependents(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"factor_id":  id,
		"dependents": dependents,
	})
}

// TriggerRecalc recomputes every current dependent of the factor
// POST /api/v1/factors/:id/recalculate
func (h *RecalcHandler) TriggerRecalc(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	ctx := c.Request().Context()
	factor, err := h.container.Registry.Get(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if factor == nil {
		return c.JSON(http.StatusNotFound, errorBody("factor not found"))
	}

	// Per-factor recalc quota; a limiter error fails open
	if h.container.RateLimiter != nil {
		quota, err := h.container.RateLimiter.CheckRecalcLimit(ctx, id)
		if err == nil && !quota.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":   "recalc_rate_limit_exceeded",
				"message": "Too many recalculations for this factor. Please wait before trying again.",
				"details": map[string]any{
					"limit":               quota.Limit,
					"retry_after_seconds": quota.RetryAfterSeconds,
				},
			})
		}
	}

	result, err := h.container.Coordinator.RecalcForFactor(ctx, id)
	if errors.Is(err, service.ErrRecalcInProgress) {
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, result)
}

// RetryDependents recomputes an explicit record subset, typically the failed
// ids of a partial run
// POST /api/v1/factors/:id/recalculate/retry
func (h *RecalcHandler) RetryDependents(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	var body struct {
		RecordIDs []int64 `json:"record_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if len(body.RecordIDs) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("record_ids is required"))
	}

	result, err := h.container.Coordinator.RecalcForDependents(c.Request().Context(), id, body.RecordIDs)
	if errors.Is(err, service.ErrRecalcInProgress) {
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, result)
}

// MarkStale flags every current dependent without recomputation
// POST /api/v1/factors/:id/mark-stale
func (h *RecalcHandler) MarkStale(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	affected, err := h.container.Coordinator.MarkStale(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"factor_id": id,
		"affected":  affected,
	})
}

// GetRun returns a persisted run outcome
// GET /api/v1/recalculations/:run_id
func (h *RecalcHandler) GetRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid run id"))
	}

	result, err := h.container.Coordinator.GetRun(c.Request().Context(), runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if result == nil {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	}

	return c.JSON(http.StatusOK, result)
}

// ListRuns returns run outcomes for a factor, newest-first
// GET /api/v1/factors/:id/recalculations?limit=10
func (h *RecalcHandler) ListRuns(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, errorBody("invalid limit"))
		}
	}

	runs, err := h.container.Coordinator.ListRuns(c.Request().Context(), id, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"factor_id": id,
		"runs":      runs,
	})
}
