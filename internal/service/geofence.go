package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bikely/server/internal/model"
)

// GeofenceStore is the single writable source for boundary data. The in-memory
// map is authoritative; postgres and redis are best-effort mirrors so the
// tracking loop keeps running when either is unavailable.
type GeofenceStore struct {
	mu       sync.RWMutex
	fences   map[string]*model.Geofence
	activeID string

	db       *gorm.DB
	redis    *redis.Client
	degraded bool

	notify func(*model.Geofence)
}

// NewGeofenceStore creates a geofence store. db and redisClient may be nil,
// in which case the store runs memory-only.
func NewGeofenceStore(db *gorm.DB, redisClient *redis.Client) *GeofenceStore {
	return &GeofenceStore{
		fences: make(map[string]*model.Geofence),
		db:     db,
		redis:  redisClient,
	}
}

// SetNotifier registers the change-notification sink invoked after each
// successful upsert (push-on-write, consumed by the broadcast hub)
func (s *GeofenceStore) SetNotifier(fn func(*model.Geofence)) {
	s.notify = fn
}

// LoadFromDB seeds the in-memory map from persisted geofences at boot
func (s *GeofenceStore) LoadFromDB(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	var fences []model.Geofence
	if err := s.db.WithContext(ctx).Order("updated_at").Find(&fences).Error; err != nil {
		s.setDegraded(true)
		return fmt.Errorf("load geofences: %w", err)
	}
	s.mu.Lock()
	for i := range fences {
		g := fences[i]
		s.fences[g.ID] = &g
		s.activeID = g.ID
	}
	s.mu.Unlock()
	log.Printf("[GeofenceStore] Loaded %d geofences from database", len(fences))
	return nil
}

// Upsert validates and installs a geofence, replacing any existing one with
// the same id wholesale. Readers never observe a partially written boundary:
// the new value is built completely before the pointer swap.
func (s *GeofenceStore) Upsert(ctx context.Context, geofence *model.Geofence) error {
	if err := validateGeofence(geofence); err != nil {
		return err
	}

	installed := *geofence
	now := time.Now()
	installed.UpdatedAt = now

	s.mu.Lock()
	if prev, ok := s.fences[installed.ID]; ok {
		installed.CreatedAt = prev.CreatedAt
	} else {
		installed.CreatedAt = now
	}
	s.fences[installed.ID] = &installed
	s.activeID = installed.ID
	s.mu.Unlock()

	// Mirror to postgres and redis, best-effort
	if s.db != nil {
		if err := s.db.WithContext(ctx).Save(&installed).Error; err != nil {
			log.Printf("[GeofenceStore] Failed to persist geofence %s: %v", installed.ID, err)
			s.setDegraded(true)
		} else {
			s.setDegraded(false)
		}
	}
	s.cacheGeofence(ctx, &installed)

	if s.notify != nil {
		s.notify(&installed)
	}
	return nil
}

// Get returns a geofence by id
func (s *GeofenceStore) Get(id string) (*model.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.fences[id]
	if !ok {
		return nil, fmt.Errorf("geofence %s: %w", id, ErrNotFound)
	}
	return g, nil
}

// List returns all geofences
func (s *GeofenceStore) List() []*model.Geofence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Geofence, 0, len(s.fences))
	for _, g := range s.fences {
		out = append(out, g)
	}
	return out
}

// Active returns the geofence violations are evaluated against: the most
// recently upserted one. May be nil before the dashboard has drawn anything.
func (s *GeofenceStore) Active() *model.Geofence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fences[s.activeID]
}

// Degraded reports whether the persistence mirror has been failing
func (s *GeofenceStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *GeofenceStore) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// cacheGeofence mirrors a geofence into redis for other consumers
func (s *GeofenceStore) cacheGeofence(ctx context.Context, geofence *model.Geofence) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf("bikely:geofence:%s", geofence.ID)
	data, _ := json.Marshal(geofence)
	if err := s.redis.Set(ctx, key, data, 0).Err(); err != nil {
		log.Printf("[GeofenceStore] Failed to cache geofence %s: %v", geofence.ID, err)
	}
}

// UpdatePayload flattens a geofence into the wire shape broadcast to clients
func UpdatePayload(geofence *model.Geofence) *model.GeofenceUpdate {
	update := &model.GeofenceUpdate{
		GeofenceID: geofence.ID,
		Name:       geofence.Name,
		Type:       geofence.Type,
	}
	switch geofence.Type {
	case "polygon":
		if poly, err := decodePolygon(geofence.Coordinates); err == nil {
			update.Coordinates = poly.Points
		}
	case "circle":
		if circle, err := decodeCircle(geofence.Coordinates); err == nil {
			update.Coordinates = []model.LatLng{circle.Center}
			update.Radius = circle.Radius
		}
	}
	return update
}

// Contains reports whether a location lies inside a geofence. Pure and
// deterministic; the polygon variant uses the even-odd ray casting rule, so a
// self-intersecting boundary yields whatever even-odd membership yields.
func Contains(loc model.LatLng, geofence *model.Geofence) (bool, error) {
	switch geofence.Type {
	case "circle":
		circle, err := decodeCircle(geofence.Coordinates)
		if err != nil {
			return false, err
		}
		return haversineMeters(loc, circle.Center) <= circle.Radius, nil
	case "polygon":
		poly, err := decodePolygon(geofence.Coordinates)
		if err != nil {
			return false, err
		}
		return pointInPolygon(loc, poly.Points), nil
	default:
		return false, fmt.Errorf("unsupported geofence type %q: %w", geofence.Type, ErrValidation)
	}
}

// pointInPolygon implements the even-odd ray casting rule over the implicitly
// closed vertex loop. Winding order and starting vertex do not matter.
func pointInPolygon(p model.LatLng, points []model.LatLng) bool {
	inside := false
	j := len(points) - 1
	for i := 0; i < len(points); i++ {
		pi := points[i]
		pj := points[j]

		if ((pi.Lat > p.Lat) != (pj.Lat > p.Lat)) &&
			(p.Lng < (pj.Lng-pi.Lng)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lng) {
			inside = !inside
		}
		j = i
	}
	return inside
}

// haversineMeters calculates the great-circle distance between two points
func haversineMeters(a, b model.LatLng) float64 {
	const R = 6371000 // Earth's radius in meters

	lat1Rad := a.Lat * math.Pi / 180
	lat2Rad := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return R * c
}

// validateGeofence validates geofence coordinates based on type
func validateGeofence(geofence *model.Geofence) error {
	if geofence.ID == "" {
		return fmt.Errorf("geofence id is required: %w", ErrValidation)
	}
	if geofence.Name == "" {
		return fmt.Errorf("geofence name is required: %w", ErrValidation)
	}
	switch geofence.Type {
	case "circle":
		circle, err := decodeCircle(geofence.Coordinates)
		if err != nil {
			return err
		}
		if err := validateLatLng(circle.Center); err != nil {
			return err
		}
		if circle.Radius <= 0 {
			return fmt.Errorf("radius must be positive: %w", ErrValidation)
		}
	case "polygon":
		poly, err := decodePolygon(geofence.Coordinates)
		if err != nil {
			return err
		}
		if len(poly.Points) < 3 {
			return fmt.Errorf("polygon must have at least 3 points: %w", ErrValidation)
		}
		for _, p := range poly.Points {
			if err := validateLatLng(p); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported geofence type %q: %w", geofence.Type, ErrValidation)
	}
	return nil
}

func validateLatLng(p model.LatLng) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("coordinates must be finite: %w", ErrValidation)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("invalid latitude %v: %w", p.Lat, ErrValidation)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("invalid longitude %v: %w", p.Lng, ErrValidation)
	}
	return nil
}

func decodePolygon(coordinates model.JSONMap) (*model.PolygonCoordinates, error) {
	data, err := json.Marshal(coordinates)
	if err != nil {
		return nil, err
	}
	var poly model.PolygonCoordinates
	if err := json.Unmarshal(data, &poly); err != nil {
		return nil, fmt.Errorf("invalid polygon coordinates: %w", ErrValidation)
	}
	return &poly, nil
}

func decodeCircle(coordinates model.JSONMap) (*model.CircleCoordinates, error) {
	data, err := json.Marshal(coordinates)
	if err != nil {
		return nil, err
	}
	var circle model.CircleCoordinates
	if err := json.Unmarshal(data, &circle); err != nil {
		return nil, fmt.Errorf("invalid circle coordinates: %w", ErrValidation)
	}
	return &circle, nil
}
