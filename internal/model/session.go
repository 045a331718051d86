package model

import (
	"time"
)

// Session is the live-connection state for one username. Sessions survive
// disconnects: Connected flips to false but UsageSeconds keeps its value so a
// reconnect under the same username resumes the counter instead of resetting.
type Session struct {
	Username     string    `json:"username"`
	ClientID     string    `json:"client_id"`
	Connected    bool      `json:"connected"`
	UsageSeconds int64     `json:"usageSeconds"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// UserLocation is the most recent location fix for a username. Ephemeral;
// superseded by the next update for the same rider.
type UserLocation struct {
	Username  string    `json:"username"`
	Location  LatLng    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationRecord is the optional durable audit row for a location fix
type LocationRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"size:50;index;not null"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Violation bool      `json:"violation"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}
