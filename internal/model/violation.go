package model

import (
	"time"
)

// MaxRecentLocations bounds the per-user penalty location history
const MaxRecentLocations = 20

// ViolationState holds the per-rider geofence state machine data.
// OutsideSince is nil exactly while the rider's last known location was inside
// the active geofence (or no location has been recorded yet).
type ViolationState struct {
	Username         string     `json:"username"`
	Violations       int        `json:"violations"`
	OutsideSince     *time.Time `json:"outside_since,omitempty"`
	SessionEnterTime time.Time  `json:"session_enter_time"`
	// Locations recorded at the moment each penalty was issued, newest last
	RecentLocations []LatLng `json:"locations"`
}

// Penalty is the event emitted once per full grace-period interval a rider
// spends continuously outside the geofence
type Penalty struct {
	Username   string    `json:"username"`
	Reason     string    `json:"reason"`
	Violations int       `json:"violations"`
	Duration   int64     `json:"duration"` // ms since the tracking session began
	Locations  []LatLng  `json:"locations"`
	IssuedAt   time.Time `json:"issued_at"`
}

// PenaltyRecord is the durable audit row written for each issued penalty
type PenaltyRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Username   string    `json:"username" gorm:"size:50;index;not null"`
	GeofenceID string    `json:"geofence_id" gorm:"size:64"`
	Reason     string    `json:"reason" gorm:"size:200"`
	Violations int       `json:"violations"`
	Duration   int64     `json:"duration"`
	Location   JSONMap   `json:"location" gorm:"type:jsonb"`
	IssuedAt   time.Time `json:"issued_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// BillingSnapshot is what the invoicing collaborator consumes
type BillingSnapshot struct {
	Username     string `json:"username"`
	PenaltyCount int    `json:"penaltyCount"`
	UsageSeconds int64  `json:"usageSeconds"`
}

// Invoice is the durable record of one generated invoice
type Invoice struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Username     string    `json:"username" gorm:"size:50;index;not null"`
	PenaltyCount int       `json:"penalty_count"`
	UsageSeconds int64     `json:"usage_seconds"`
	Amount       float64   `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
}
