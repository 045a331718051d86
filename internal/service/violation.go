package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bikely/server/internal/model"
)

// Violation tracker states
const (
	StateInside             = "INSIDE"
	StateOutsidePending     = "OUTSIDE_PENDING"
	StatePenalizedOutside   = "PENALIZED_AND_OUTSIDE"
	PenaltyReasonOutOfBound = "Outside permitted geofence"
)

// SubjectLocationUplink is the NATS subject external location feeders publish to
const SubjectLocationUplink = "bikely.uplink.location"

// uplinkMessage is a location update arriving over NATS
type uplinkMessage struct {
	Username  string  `json:"username"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"` // ms since epoch, optional
}

// userEntry carries one rider's state machine. Each entry has its own mutex so
// updates for the same username never interleave while different usernames
// process fully in parallel.
type userEntry struct {
	mu           sync.Mutex
	state        string
	violation    model.ViolationState
	lastLocation model.LatLng
	hasLocation  bool
}

// ViolationTracker consumes location updates, evaluates them against the
// active geofence and issues at most one penalty per grace-period interval of
// continuous absence. State survives disconnects; only an explicit invoice
// reset clears the counters.
type ViolationTracker struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	store *GeofenceStore
	grace time.Duration

	db    *gorm.DB
	redis *redis.Client
	nats  *nats.Conn
	sub   *nats.Subscription

	// emit pushes an issued penalty to the broadcast hub
	emit func(*model.Penalty)
}

// NewViolationTracker creates a violation tracker. db, redisClient and
// natsConn may all be nil; side effects are skipped accordingly.
func NewViolationTracker(store *GeofenceStore, grace time.Duration, db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) *ViolationTracker {
	return &ViolationTracker{
		users: make(map[string]*userEntry),
		store: store,
		grace: grace,
		db:    db,
		redis: redisClient,
		nats:  natsConn,
	}
}

// SetEmitter registers the penalty sink (the WebSocket hub)
func (t *ViolationTracker) SetEmitter(fn func(*model.Penalty)) {
	t.emit = fn
}

// Start subscribes to the NATS location uplink so external gateways can feed
// the tracker without going through the HTTP surface
func (t *ViolationTracker) Start() error {
	if t.nats == nil {
		return nil
	}
	sub, err := t.nats.Subscribe(SubjectLocationUplink, func(msg *nats.Msg) {
		var up uplinkMessage
		if err := json.Unmarshal(msg.Data, &up); err != nil {
			log.Printf("[ViolationTracker] Failed to unmarshal uplink message: %v", err)
			return
		}
		ts := time.Now()
		if up.Timestamp > 0 {
			ts = time.UnixMilli(up.Timestamp)
		}
		if _, err := t.ProcessUpdate(context.Background(), up.Username, model.LatLng{Lat: up.Lat, Lng: up.Lng}, ts); err != nil {
			log.Printf("[ViolationTracker] Failed to process uplink for %s: %v", up.Username, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectLocationUplink, err)
	}
	t.sub = sub
	log.Println("[ViolationTracker] Subscribed to location uplink")
	return nil
}

// Stop unsubscribes from NATS
func (t *ViolationTracker) Stop() {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
}

// ProcessUpdate runs one state transition for username against the active
// geofence. Returns the penalty issued by this update, if any. A malformed
// location is rejected with ErrInvalidInput and leaves state untouched; an
// unknown username is tracked from scratch rather than refused.
func (t *ViolationTracker) ProcessUpdate(ctx context.Context, username string, loc model.LatLng, ts time.Time) (*model.Penalty, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required: %w", ErrInvalidInput)
	}
	if !finiteLatLng(loc) {
		return nil, fmt.Errorf("non-numeric coordinates: %w", ErrInvalidInput)
	}

	geofence := t.store.Active()
	penalty := t.step(username, loc, ts, geofence)
	if penalty != nil {
		t.publishPenalty(ctx, penalty, geofence)
	}
	return penalty, nil
}

// EvaluateAll runs one synchronous evaluation pass of every tracked rider's
// last known location against an ad-hoc polygon (the legacy
// POST /geofence/penalties contract). Penalties issued here follow the same
// grace-period rules as streamed updates.
func (t *ViolationTracker) EvaluateAll(ctx context.Context, coords []model.LatLng) ([]model.Penalty, error) {
	if len(coords) < 3 {
		return nil, fmt.Errorf("polygon must have at least 3 points: %w", ErrValidation)
	}
	for _, p := range coords {
		if err := validateLatLng(p); err != nil {
			return nil, err
		}
	}
	points := make([]interface{}, 0, len(coords))
	for _, p := range coords {
		points = append(points, map[string]interface{}{"lat": p.Lat, "lng": p.Lng})
	}
	geofence := &model.Geofence{
		ID:          "adhoc",
		Name:        "adhoc",
		Type:        "polygon",
		Coordinates: model.JSONMap{"points": points},
	}

	now := time.Now()
	var issued []model.Penalty
	for _, username := range t.trackedUsers() {
		entry := t.entry(username)
		entry.mu.Lock()
		loc, ok := entry.lastLocation, entry.hasLocation
		entry.mu.Unlock()
		if !ok {
			continue
		}
		if p := t.step(username, loc, now, geofence); p != nil {
			t.publishPenalty(ctx, p, geofence)
			issued = append(issued, *p)
		}
	}
	return issued, nil
}

// step applies the transition rules for one (username, location, timestamp)
// event. It is the only place violation state mutates.
func (t *ViolationTracker) step(username string, loc model.LatLng, ts time.Time, geofence *model.Geofence) *model.Penalty {
	entry := t.entry(username)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// No boundary configured yet: remember the location, stay inside
	inside := true
	if geofence != nil {
		var err error
		inside, err = Contains(loc, geofence)
		if err != nil {
			log.Printf("[ViolationTracker] Evaluation failed for %s: %v", username, err)
			return nil
		}
	}

	first := !entry.hasLocation && entry.violation.SessionEnterTime.IsZero()
	entry.lastLocation = loc
	entry.hasLocation = true

	if first {
		// First observation never penalizes, wherever it lands
		entry.violation.SessionEnterTime = ts
		if inside {
			entry.state = StateInside
		} else {
			entry.state = StateOutsidePending
			outside := ts
			entry.violation.OutsideSince = &outside
		}
		return nil
	}

	if inside {
		// Any return inside clears the grace window without penalty
		entry.state = StateInside
		entry.violation.OutsideSince = nil
		return nil
	}

	if entry.violation.OutsideSince == nil {
		// Just crossed the boundary: start the grace timer
		entry.state = StateOutsidePending
		outside := ts
		entry.violation.OutsideSince = &outside
		return nil
	}

	if ts.Sub(*entry.violation.OutsideSince) < t.grace {
		entry.state = StateOutsidePending
		return nil
	}

	// Grace period exhausted: one penalty, then a fresh window so a long
	// excursion costs one penalty per interval instead of one per tick
	entry.state = StatePenalizedOutside
	entry.violation.Violations++
	entry.violation.RecentLocations = append(entry.violation.RecentLocations, loc)
	if len(entry.violation.RecentLocations) > model.MaxRecentLocations {
		entry.violation.RecentLocations = entry.violation.RecentLocations[len(entry.violation.RecentLocations)-model.MaxRecentLocations:]
	}
	outside := ts
	entry.violation.OutsideSince = &outside

	locations := make([]model.LatLng, len(entry.violation.RecentLocations))
	copy(locations, entry.violation.RecentLocations)

	return &model.Penalty{
		Username:   username,
		Reason:     PenaltyReasonOutOfBound,
		Violations: entry.violation.Violations,
		Duration:   ts.Sub(entry.violation.SessionEnterTime).Milliseconds(),
		Locations:  locations,
		IssuedAt:   ts,
	}
}

// publishPenalty fans an issued penalty out to the hub, NATS, redis and the
// audit table. Every sink is best-effort; a failing sink never blocks another
// rider's processing.
func (t *ViolationTracker) publishPenalty(ctx context.Context, penalty *model.Penalty, geofence *model.Geofence) {
	if t.emit != nil {
		t.emit(penalty)
	}

	if t.nats != nil {
		data, err := json.Marshal(penalty)
		if err == nil {
			if err := t.nats.Publish("bikely.penalty", data); err != nil {
				log.Printf("[ViolationTracker] Failed to publish penalty: %v", err)
			}
			t.nats.Publish(fmt.Sprintf("bikely.penalty.%s", penalty.Username), data)
		}
	}

	t.cachePenalty(ctx, penalty)

	if t.db != nil {
		geofenceID := ""
		if geofence != nil {
			geofenceID = geofence.ID
		}
		loc := penalty.Locations[len(penalty.Locations)-1]
		record := model.PenaltyRecord{
			Username:   penalty.Username,
			GeofenceID: geofenceID,
			Reason:     penalty.Reason,
			Violations: penalty.Violations,
			Duration:   penalty.Duration,
			Location:   model.JSONMap{"lat": loc.Lat, "lng": loc.Lng},
			IssuedAt:   penalty.IssuedAt,
		}
		if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
			log.Printf("[ViolationTracker] Failed to persist penalty for %s: %v", penalty.Username, err)
		}
	}

	log.Printf("[ViolationTracker] Penalty issued: user=%s violations=%d", penalty.Username, penalty.Violations)
}

// cachePenalty keeps the last 100 penalties in redis for quick dashboard lookup
func (t *ViolationTracker) cachePenalty(ctx context.Context, penalty *model.Penalty) {
	if t.redis == nil {
		return
	}
	data, _ := json.Marshal(penalty)
	key := fmt.Sprintf("bikely:penalty:%s", penalty.Username)
	t.redis.Set(ctx, key, data, 24*time.Hour)

	listKey := "bikely:penalties:recent"
	t.redis.LPush(ctx, listKey, data)
	t.redis.LTrim(ctx, listKey, 0, 99)
}

// State returns the current state machine position for a username
func (t *ViolationTracker) State(username string) string {
	t.mu.RLock()
	entry, ok := t.users[username]
	t.mu.RUnlock()
	if !ok {
		return ""
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state
}

// Snapshot returns a copy of a rider's violation state
func (t *ViolationTracker) Snapshot(username string) (model.ViolationState, bool) {
	t.mu.RLock()
	entry, ok := t.users[username]
	t.mu.RUnlock()
	if !ok {
		return model.ViolationState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	state := entry.violation
	state.Username = username
	state.RecentLocations = append([]model.LatLng(nil), entry.violation.RecentLocations...)
	if entry.violation.OutsideSince != nil {
		outside := *entry.violation.OutsideSince
		state.OutsideSince = &outside
	}
	return state, true
}

// PenaltyCount returns the total penalties issued for a username
func (t *ViolationTracker) PenaltyCount(username string) int {
	state, ok := t.Snapshot(username)
	if !ok {
		return 0
	}
	return state.Violations
}

// LastLocation returns the most recent location fix for a username
func (t *ViolationTracker) LastLocation(username string) (model.LatLng, bool) {
	t.mu.RLock()
	entry, ok := t.users[username]
	t.mu.RUnlock()
	if !ok {
		return model.LatLng{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.lastLocation, entry.hasLocation
}

// ResetOnInvoice clears the violation count and location history for a
// username after an invoice has been generated. Deliberately a separate
// operation: the tracker itself never resets across disconnects.
func (t *ViolationTracker) ResetOnInvoice(username string) {
	t.mu.RLock()
	entry, ok := t.users[username]
	t.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.violation.Violations = 0
	entry.violation.RecentLocations = nil
	entry.mu.Unlock()
	log.Printf("[ViolationTracker] Counters reset after invoice: user=%s", username)
}

// trackedUsers returns all usernames with tracker state
func (t *ViolationTracker) trackedUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for username := range t.users {
		out = append(out, username)
	}
	return out
}

// entry returns the per-user entry, creating it on first sight
func (t *ViolationTracker) entry(username string) *userEntry {
	t.mu.RLock()
	e, ok := t.users[username]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.users[username]; ok {
		return e
	}
	e = &userEntry{state: StateInside}
	t.users[username] = e
	return e
}

func finiteLatLng(p model.LatLng) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		!math.IsInf(p.Lat, 0) && !math.IsInf(p.Lng, 0) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
