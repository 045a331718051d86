package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bikely/server/internal/model"
	"bikely/server/internal/service"
)

// LocationHandler feeds HTTP-posted location updates into the tracker
type LocationHandler struct {
	tracker  *service.ViolationTracker
	registry *service.SessionRegistry
	hub      *WSHub
	db       *gorm.DB
}

// NewLocationHandler creates a new location handler. db may be nil.
func NewLocationHandler(tracker *service.ViolationTracker, registry *service.SessionRegistry, hub *WSHub, db *gorm.DB) *LocationHandler {
	return &LocationHandler{tracker: tracker, registry: registry, hub: hub, db: db}
}

type locationRequest struct {
	Username string       `json:"username" binding:"required"`
	Location model.LatLng `json:"location" binding:"required"`
}

// CompanyLocation feeds one location update into the tracker and relays it to
// the company dashboards
// @Summary Report rider location
// @Tags Locations
// @Accept json
// @Produce json
// @Param location body locationRequest true "Location update"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /company/location [post]
func (h *LocationHandler) CompanyLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	penalty, err := h.tracker.ProcessUpdate(c.Request.Context(), req.Username, req.Location, now)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastUserLocation(&model.UserLocation{
			Username:  req.Username,
			Location:  req.Location,
			Timestamp: now,
		})
	}

	resp := gin.H{"status": "ok"}
	if penalty != nil {
		resp["penalty"] = penalty
	}
	c.JSON(http.StatusOK, resp)
}

// SaveLocation stores a location fix and runs it through the tracker
// @Summary Store rider location
// @Tags Locations
// @Accept json
// @Produce json
// @Param location body locationRequest true "Location fix"
// @Success 201 {object} model.LocationRecord
// @Failure 400 {object} map[string]string
// @Router /locations [post]
func (h *LocationHandler) SaveLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	penalty, err := h.tracker.ProcessUpdate(c.Request.Context(), req.Username, req.Location, now)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	record := model.LocationRecord{
		Username:  req.Username,
		Lat:       req.Location.Lat,
		Lng:       req.Location.Lng,
		Violation: penalty != nil,
		Timestamp: now,
	}
	if h.db != nil {
		if err := h.db.WithContext(c.Request.Context()).Create(&record).Error; err != nil {
			log.Printf("[Locations] Failed to persist location for %s: %v", req.Username, err)
		}
	}

	c.JSON(http.StatusCreated, record)
}

// EndSession closes a rider session and reports the figures the front-end
// shows on the summary screen
// @Summary End rider session
// @Tags Locations
// @Accept json
// @Produce json
// @Param request body object true "Username"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /locations/end [post]
func (h *LocationHandler) EndSession(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	usageSeconds := h.registry.UsageSeconds(req.Username)
	c.JSON(http.StatusOK, gin.H{
		"timeUsed":      usageSeconds / 60, // minutes
		"penaltyAmount": h.tracker.PenaltyCount(req.Username),
	})
}

// LatestLocations returns the most recent fix for every tracked rider
// @Summary Latest rider locations
// @Tags Locations
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /locations/latest [get]
func (h *LocationHandler) LatestLocations(c *gin.Context) {
	sessions := h.registry.Sessions()
	out := make([]model.UserLocation, 0, len(sessions))
	for _, sess := range sessions {
		if loc, ok := h.tracker.LastLocation(sess.Username); ok {
			out = append(out, model.UserLocation{Username: sess.Username, Location: loc})
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
