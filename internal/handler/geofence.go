package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bikely/server/internal/model"
	"bikely/server/internal/service"
)

// GeofenceHandler handles geofence-related requests
type GeofenceHandler struct {
	store   *service.GeofenceStore
	tracker *service.ViolationTracker
	audit   *AuditHandler
}

// NewGeofenceHandler creates a new geofence handler
func NewGeofenceHandler(store *service.GeofenceStore, tracker *service.ViolationTracker, audit *AuditHandler) *GeofenceHandler {
	return &GeofenceHandler{store: store, tracker: tracker, audit: audit}
}

// legacyGeofenceRequest is the shape the company dashboard posts after drawing
// a polygon on the map
type legacyGeofenceRequest struct {
	GeofenceID  string         `json:"geofenceId" binding:"required"`
	Name        string         `json:"name" binding:"required"`
	Coordinates []model.LatLng `json:"coordinates" binding:"required"`
}

// UpsertLegacy replaces a geofence wholesale from the dashboard polygon shape
// @Summary Upsert geofence (dashboard shape)
// @Description Replace a geofence from the flat coordinate list the company dashboard sends
// @Tags Geofences
// @Accept json
// @Produce json
// @Param geofence body legacyGeofenceRequest true "Geofence data"
// @Success 200 {object} model.Geofence
// @Failure 400 {object} map[string]string
// @Router /geofence [post]
func (h *GeofenceHandler) UpsertLegacy(c *gin.Context) {
	var req legacyGeofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	points := make([]interface{}, 0, len(req.Coordinates))
	for _, p := range req.Coordinates {
		points = append(points, map[string]interface{}{"lat": p.Lat, "lng": p.Lng})
	}
	geofence := model.Geofence{
		ID:          req.GeofenceID,
		Name:        req.Name,
		Type:        "polygon",
		Coordinates: model.JSONMap{"points": points},
	}

	if err := h.store.Upsert(c.Request.Context(), &geofence); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.audit.RecordOperation(operatorName(c), "geofence", "upsert", geofence.ID, geofence.Name, c.ClientIP())
	c.JSON(http.StatusOK, geofence)
}

// ListLegacy returns all geofences
// @Summary List geofences
// @Tags Geofences
// @Produce json
// @Success 200 {array} model.Geofence
// @Router /geofence [get]
func (h *GeofenceHandler) ListLegacy(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.List())
}

// CalculatePenalties runs one synchronous evaluation pass of all live riders
// against the posted polygon and returns the penalties it issued
// @Summary Evaluate penalties now
// @Description Run one evaluation pass of every tracked rider against an ad-hoc polygon
// @Tags Geofences
// @Accept json
// @Produce json
// @Param coords body object true "Polygon coordinates"
// @Success 200 {array} model.Penalty
// @Failure 400 {object} map[string]string
// @Router /geofence/penalties [post]
func (h *GeofenceHandler) CalculatePenalties(c *gin.Context) {
	var req struct {
		Coords []model.LatLng `json:"coords" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	penalties, err := h.tracker.EvaluateAll(c.Request.Context(), req.Coords)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	if penalties == nil {
		penalties = []model.Penalty{}
	}

	c.JSON(http.StatusOK, penalties)
}

// Create upserts a geofence in the full model shape (circle or polygon)
// @Summary Create or replace geofence
// @Tags Geofences
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param geofence body model.Geofence true "Geofence data"
// @Success 201 {object} model.Geofence
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /geofences [post]
func (h *GeofenceHandler) Create(c *gin.Context) {
	var geofence model.Geofence
	if err := c.ShouldBindJSON(&geofence); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if geofence.Type == "" {
		geofence.Type = "polygon"
	}

	if err := h.store.Upsert(c.Request.Context(), &geofence); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.audit.RecordOperation(operatorName(c), "geofence", "upsert", geofence.ID, geofence.Name, c.ClientIP())
	c.JSON(http.StatusCreated, geofence)
}

// List returns all geofences
// @Summary List geofences
// @Tags Geofences
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /geofences [get]
func (h *GeofenceHandler) List(c *gin.Context) {
	fences := h.store.List()
	c.JSON(http.StatusOK, gin.H{
		"data":  fences,
		"total": len(fences),
	})
}

// Get returns a single geofence
// @Summary Get geofence
// @Tags Geofences
// @Produce json
// @Security BearerAuth
// @Param id path string true "Geofence ID"
// @Success 200 {object} model.Geofence
// @Failure 404 {object} map[string]string
// @Router /geofences/{id} [get]
func (h *GeofenceHandler) Get(c *gin.Context) {
	geofence, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, geofence)
}

// Check evaluates a single location against a geofence
// @Summary Check location in geofence
// @Tags Geofences
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Geofence ID"
// @Param location body model.LatLng true "Location"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /geofences/{id}/check [post]
func (h *GeofenceHandler) Check(c *gin.Context) {
	var loc model.LatLng
	if err := c.ShouldBindJSON(&loc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	geofence, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	inside, err := service.Contains(loc, geofence)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_inside": inside,
		"geofence":  geofence,
	})
}

// statusForError maps service errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
