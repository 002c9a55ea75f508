package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/service"
)

// FactorHandler handles factor lifecycle requests
type FactorHandler struct {
	container *container.Container
}

// NewFactorHandler creates a new factor handler
func NewFactorHandler(c *container.Container) *FactorHandler {
	return &FactorHandler{container: c}
}

// CreateFactor registers a new factor
// POST /api/v1/factors
func (h *FactorHandler) CreateFactor(c echo.Context) error {
	var req service.CreateFactorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	factor, err := h.container.Registry.Create(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	return c.JSON(http.StatusCreated, factor)
}

// GetFactor retrieves a factor by id
// GET /api/v1/factors/:id
func (h *FactorHandler) GetFactor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	factor, err := h.container.Registry.Get(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if factor == nil {
		return c.JSON(http.StatusNotFound, errorBody("factor not found"))
	}

	return c.JSON(http.StatusOK, factor)
}

// UpdateFactor expires the factor and inserts a successor on the same lineage
// PUT /api/v1/factors/:id
func (h *FactorHandler) UpdateFactor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	var req service.UpdateFactorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if req.UpdatedBy == "" {
		req.UpdatedBy = "api"
	}

	factor, err := h.container.Registry.Update(c.Request().Context(), id, req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	if factor == nil {
		return c.JSON(http.StatusNotFound, errorBody("factor not found"))
	}

	return c.JSON(http.StatusOK, factor)
}

// ExpireFactor closes the factor's validity window without a successor
// DELETE /api/v1/factors/:id
func (h *FactorHandler) ExpireFactor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	// body is optional
	var req struct {
		ExpiredBy    string  `json:"expired_by"`
		ChangeReason *string `json:"change_reason,omitempty"`
	}
	_ = c.Bind(&req)
	if req.ExpiredBy == "" {
		req.ExpiredBy = "api"
	}

	factor, err := h.container.Registry.Expire(c.Request().Context(), id, req.ExpiredBy, req.ChangeReason)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	if factor == nil {
		return c.JSON(http.StatusNotFound, errorBody("factor not found"))
	}

	return c.JSON(http.StatusOK, factor)
}

// LookupFactor resolves the active factor for a classification built from
// the query string, e.g. ?kind=electricity&subkind=grid
// GET /api/v1/factors/lookup
func (h *FactorHandler) LookupFactor(c echo.Context) error {
	classification := make(map[string]string)
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			classification[key] = values[0]
		}
	}
	if len(classification) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("classification query parameters required"))
	}

	factor, err := h.container.Registry.Lookup(c.Request().Context(), classification)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if factor == nil {
		return c.JSON(http.StatusNotFound, errorBody("no active factor matches the classification"))
	}

	return c.JSON(http.StatusOK, factor)
}

// GetHistory returns the factor lineage's audit trail, newest-first
// GET /api/v1/factors/:id/history
func (h *FactorHandler) GetHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid factor id"))
	}

	history, err := h.container.Registry.History(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if history == nil {
		return c.JSON(http.StatusNotFound, errorBody("factor not found"))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"factor_id": id,
		"history":   history,
	})
}

func parseID(c echo.Context, param string) (int64, error) {
	return strconv.ParseInt(c.Param(param), 10, 64)
}

func errorBody(message string) map[string]any {
	return map[string]any{"error": message}
}
