package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/service"
	"github.com/greenmetric/carbonledger/common/models"
	"github.com/greenmetric/carbonledger/common/repository"
)

// VersionHandler exposes the generic revision store over any entity type
type VersionHandler struct {
	container *container.Container
}

// NewVersionHandler creates a new version handler
func NewVersionHandler(c *container.Container) *VersionHandler {
	return &VersionHandler{container: c}
}

// CreateVersion appends a new revision for an entity
// POST /api/v1/entities/:type/:id/versions
func (h *VersionHandler) CreateVersion(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	var body struct {
		Snapshot        models.Snapshot   `json:"snapshot"`
		ChangeType      models.ChangeType `json:"change_type"`
		ChangedBy       string            `json:"changed_by"`
		ChangeReason    *string           `json:"change_reason,omitempty"`
		ExpectedVersion *int              `json:"expected_version,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if body.ChangedBy == "" {
		body.ChangedBy = "api"
	}

	rev, err := h.container.VersionStore.CreateVersion(c.Request().Context(), service.CreateVersionRequest{
		EntityType:      entityType,
		EntityID:        entityID,
		Snapshot:        body.Snapshot,
		ChangeType:      body.ChangeType,
		ChangedBy:       body.ChangedBy,
		ChangeReason:    body.ChangeReason,
		ExpectedVersion: body.ExpectedVersion,
	})
	if errors.Is(err, repository.ErrVersionConflict) {
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	return c.JSON(http.StatusCreated, rev)
}

// GetCurrent returns the current revision of an entity
// GET /api/v1/entities/:type/:id/versions/current
func (h *VersionHandler) GetCurrent(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	rev, err := h.container.VersionStore.GetCurrent(c.Request().Context(), entityType, entityID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if rev == nil {
		return c.JSON(http.StatusNotFound, errorBody("entity has no revisions"))
	}

	return c.JSON(http.StatusOK, rev)
}

// GetVersion returns an exact revision
// GET /api/v1/entities/:type/:id/versions/:version
func (h *VersionHandler) GetVersion(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid version"))
	}

	rev, err := h.container.VersionStore.GetVersion(c.Request().Context(), entityType, entityID, version)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if rev == nil {
		return c.JSON(http.StatusNotFound, errorBody("version not found"))
	}

	return c.JSON(http.StatusOK, rev)
}

// GetVersionPatch renders one version's change against its predecessor as an
// RFC 7386 merge patch
// GET /api/v1/entities/:type/:id/versions/:version/patch
func (h *VersionHandler) GetVersionPatch(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid version"))
	}

	ctx := c.Request().Context()
	rev, err := h.container.VersionStore.GetVersion(ctx, entityType, entityID, version)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if rev == nil {
		return c.JSON(http.StatusNotFound, errorBody("version not found"))
	}

	base := models.Snapshot{}
	if version > 1 {
		prior, err := h.container.VersionStore.GetVersion(ctx, entityType, entityID, version-1)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		}
		if prior != nil {
			base = prior.DataSnapshot
		}
	}

	patch, err := service.SnapshotMergePatch(base, rev.DataSnapshot)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"version":     version,
		"patch":       json.RawMessage(patch),
	})
}

// ListVersions returns revisions newest-first
// GET /api/v1/entities/:type/:id/versions?limit=10
func (h *VersionHandler) ListVersions(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, errorBody("invalid limit"))
		}
	}

	revisions, err := h.container.VersionStore.ListVersions(c.Request().Context(), entityType, entityID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"versions":    revisions,
	})
}

// GetAtTime reconstructs the entity as of a timestamp
// GET /api/v1/entities/:type/:id/at?time=2026-01-01T00:00:00Z
func (h *VersionHandler) GetAtTime(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	at, err := time.Parse(time.RFC3339, c.QueryParam("time"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("time must be RFC 3339"))
	}

	rev, err := h.container.VersionStore.GetAtTime(c.Request().Context(), entityType, entityID, at)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if rev == nil {
		return c.JSON(http.StatusNotFound, errorBody("entity did not exist at that time"))
	}

	return c.JSON(http.StatusOK, rev)
}

// Rollback restores a previous version as a new revision on top
// POST /api/v1/entities/:type/:id/rollback
func (h *VersionHandler) Rollback(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	var body struct {
		TargetVersion int     `json:"target_version"`
		ChangedBy     string  `json:"changed_by"`
		ChangeReason  *string `json:"change_reason,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if body.ChangedBy == "" {
		body.ChangedBy = "api"
	}

	rev, err := h.container.VersionStore.RollbackToVersion(
		c.Request().Context(), entityType, entityID,
		body.TargetVersion, body.ChangedBy, body.ChangeReason,
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if rev == nil {
		return c.JSON(http.StatusNotFound, errorBody("target version not found"))
	}

	return c.JSON(http.StatusCreated, rev)
}

// VerifyChain replays the hash chain and reports any break
// GET /api/v1/entities/:type/:id/verify
func (h *VersionHandler) VerifyChain(c echo.Context) error {
	entityType, entityID, err := parseEntity(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	verification, err := h.container.VersionStore.VerifyChain(c.Request().Context(), entityType, entityID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, verification)
}

func parseEntity(c echo.Context) (string, int64, error) {
	entityType := c.Param("type")
	if entityType == "" {
		return "", 0, errors.New("entity type is required")
	}
	entityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return "", 0, errors.New("invalid entity id")
	}
	return entityType, entityID, nil
}
