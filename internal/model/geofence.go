package model

import (
	"time"

	"gorm.io/gorm"
)

// JSONMap is a helper type for JSONB fields
type JSONMap map[string]interface{}

// LatLng is a single GPS coordinate as reported by riders and dashboards
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geofence represents an allowed-area boundary drawn on the company dashboard.
// Keyed by an external string identifier (e.g. "geofence1"); an upsert with the
// same identifier replaces the previous boundary wholesale.
type Geofence struct {
	ID          string         `json:"geofenceId" gorm:"primaryKey;size:64"`
	Name        string         `json:"name" gorm:"size:100;not null"`
	Type        string         `json:"type" gorm:"size:20;not null"` // circle, polygon
	Coordinates JSONMap        `json:"coordinates" gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

// PolygonCoordinates for polygon type geofence
// {
//   "points": [
//     {"lat": 37.9149, "lng": -4.7162},
//     {"lat": 37.9249, "lng": -4.7262},
//     ...
//   ]
// }
type PolygonCoordinates struct {
	Points []LatLng `json:"points"`
}

// CircleCoordinates for circle type geofence
// {
//   "center": {"lat": 37.9149, "lng": -4.7162},
//   "radius": 1000
// }
type CircleCoordinates struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"` // in meters
}

// GeofenceUpdate is the payload broadcast to every connection after an
// upsert. For circles Coordinates holds the center and Radius is set.
type GeofenceUpdate struct {
	GeofenceID  string   `json:"geofenceId"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Coordinates []LatLng `json:"coordinates"`
	Radius      float64  `json:"radius,omitempty"`
}
