package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"bikely/server/internal/model"
	"bikely/server/internal/service"
)

func newLocationRouter(t *testing.T) (*gin.Engine, *service.SessionRegistry, *service.ViolationTracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := service.NewGeofenceStore(nil, nil)
	if err := store.Upsert(context.Background(), &model.Geofence{
		ID:   "square",
		Name: "square",
		Type: "polygon",
		Coordinates: model.JSONMap{"points": []interface{}{
			map[string]interface{}{"lat": 0.0, "lng": 0.0},
			map[string]interface{}{"lat": 0.0, "lng": 1.0},
			map[string]interface{}{"lat": 1.0, "lng": 1.0},
			map[string]interface{}{"lat": 1.0, "lng": 0.0},
		}},
	}); err != nil {
		t.Fatalf("seed geofence: %v", err)
	}

	registry := service.NewSessionRegistry(0)
	tracker := service.NewViolationTracker(store, 30*time.Second, nil, nil, nil)
	h := NewLocationHandler(tracker, registry, nil, nil)

	r := gin.New()
	r.POST("/company/location", h.CompanyLocation)
	r.POST("/locations", h.SaveLocation)
	r.POST("/locations/end", h.EndSession)
	r.GET("/locations/latest", h.LatestLocations)
	return r, registry, tracker
}

func TestCompanyLocationFeedsTracker(t *testing.T) {
	r, _, tracker := newLocationRouter(t)

	w := doJSON(t, r, http.MethodPost, "/company/location", gin.H{
		"username": "alice",
		"location": gin.H{"lat": 0.5, "lng": 0.5},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	loc, ok := tracker.LastLocation("alice")
	if !ok || loc.Lat != 0.5 || loc.Lng != 0.5 {
		t.Errorf("tracker location = %v (%v)", loc, ok)
	}
}

func TestCompanyLocationValidation(t *testing.T) {
	r, _, _ := newLocationRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/company/location", gin.H{
		"location": gin.H{"lat": 0.5, "lng": 0.5},
	}); w.Code != http.StatusBadRequest {
		t.Errorf("missing username: status = %d, want 400", w.Code)
	}

	if w := doJSON(t, r, http.MethodPost, "/company/location", gin.H{
		"username": "alice",
		"location": gin.H{"lat": 95, "lng": 0.5},
	}); w.Code != http.StatusBadRequest {
		t.Errorf("latitude out of range: status = %d, want 400", w.Code)
	}
}

func TestSaveLocationMarksViolation(t *testing.T) {
	r, _, tracker := newLocationRouter(t)

	// Open alice's grace window in the past so the posted fix penalizes
	past := time.Now().Add(-31 * time.Second)
	if _, err := tracker.ProcessUpdate(context.Background(), "alice", model.LatLng{Lat: 5, Lng: 5}, past); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/locations", gin.H{
		"username": "alice",
		"location": gin.H{"lat": 5, "lng": 5},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var record model.LocationRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !record.Violation {
		t.Error("record not flagged as violation")
	}
	if got := tracker.PenaltyCount("alice"); got != 1 {
		t.Errorf("penalties = %d, want 1", got)
	}
}

func TestEndSessionFigures(t *testing.T) {
	r, registry, tracker := newLocationRouter(t)

	registry.Register("alice", "c1")
	registry.ReportUsage("alice", 150)

	past := time.Now().Add(-31 * time.Second)
	tracker.ProcessUpdate(context.Background(), "alice", model.LatLng{Lat: 5, Lng: 5}, past)
	tracker.ProcessUpdate(context.Background(), "alice", model.LatLng{Lat: 5, Lng: 5}, time.Now())

	w := doJSON(t, r, http.MethodPost, "/locations/end", gin.H{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		TimeUsed      int64 `json:"timeUsed"`
		PenaltyAmount int   `json:"penaltyAmount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TimeUsed != 2 {
		t.Errorf("timeUsed = %d minutes, want 2", resp.TimeUsed)
	}
	if resp.PenaltyAmount != 1 {
		t.Errorf("penaltyAmount = %d, want 1", resp.PenaltyAmount)
	}
}

func TestLatestLocations(t *testing.T) {
	r, registry, tracker := newLocationRouter(t)

	registry.Register("alice", "c1")
	tracker.ProcessUpdate(context.Background(), "alice", model.LatLng{Lat: 0.5, Lng: 0.5}, time.Now())

	w := doJSON(t, r, http.MethodGet, "/locations/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []model.UserLocation `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Username != "alice" {
		t.Errorf("latest locations = %+v", resp.Data)
	}
}
