package model

// Wire message vocabulary for the WebSocket channel. Inbound messages carry
// their fields at the top level next to the type discriminator (the format the
// rider and company front-ends send); outbound messages wrap their payload in
// a data field.

// Inbound message types
const (
	MsgRegister       = "register"
	MsgLocationUpdate = "locationUpdate"
	MsgUsageTime      = "usageTime"
	MsgPing           = "ping"
)

// Outbound message types
const (
	MsgUserList        = "userList"
	MsgPenalty         = "penalty"
	MsgGeofenceUpdate  = "geofenceUpdate"
	MsgUserLocation    = "userLocation"
	MsgUsageTimeUpdate = "usageTimeUpdate"
	MsgConnected       = "connected"
	MsgError           = "error"
)

// InboundMessage is a client-to-server message
type InboundMessage struct {
	Type      string  `json:"type"`
	Username  string  `json:"username,omitempty"`
	Location  *LatLng `json:"location,omitempty"`
	UsageTime int64   `json:"usageTime,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // ms since epoch, optional
}

// OutboundMessage is a server-to-client message
type OutboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// UserListEntry is one element of a userList broadcast
type UserListEntry struct {
	Username string `json:"username"`
}

// UsageTimeUpdate notifies a rider of its accumulated connected time
type UsageTimeUpdate struct {
	Username     string `json:"username"`
	UsageSeconds int64  `json:"usageSeconds"`
}
