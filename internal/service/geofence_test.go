package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bikely/server/internal/model"
)

func polygonFence(id string, pts ...model.LatLng) *model.Geofence {
	points := make([]interface{}, 0, len(pts))
	for _, p := range pts {
		points = append(points, map[string]interface{}{"lat": p.Lat, "lng": p.Lng})
	}
	return &model.Geofence{
		ID:          id,
		Name:        id,
		Type:        "polygon",
		Coordinates: model.JSONMap{"points": points},
	}
}

func circleFence(id string, center model.LatLng, radius float64) *model.Geofence {
	return &model.Geofence{
		ID:   id,
		Name: id,
		Type: "circle",
		Coordinates: model.JSONMap{
			"center": map[string]interface{}{"lat": center.Lat, "lng": center.Lng},
			"radius": radius,
		},
	}
}

func unitSquare(id string) *model.Geofence {
	return polygonFence(id,
		model.LatLng{Lat: 0, Lng: 0},
		model.LatLng{Lat: 0, Lng: 1},
		model.LatLng{Lat: 1, Lng: 1},
		model.LatLng{Lat: 1, Lng: 0},
	)
}

func TestContainsPolygon(t *testing.T) {
	fence := unitSquare("square")

	cases := []struct {
		name   string
		loc    model.LatLng
		inside bool
	}{
		{"center", model.LatLng{Lat: 0.5, Lng: 0.5}, true},
		{"near edge", model.LatLng{Lat: 0.999, Lng: 0.999}, true},
		{"outside north", model.LatLng{Lat: 1.5, Lng: 0.5}, false},
		{"outside east", model.LatLng{Lat: 0.5, Lng: 1.5}, false},
		{"far away", model.LatLng{Lat: 45, Lng: 45}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Contains(tc.loc, fence)
			if err != nil {
				t.Fatalf("Contains returned error: %v", err)
			}
			if got != tc.inside {
				t.Errorf("Contains(%v) = %v, want %v", tc.loc, got, tc.inside)
			}
		})
	}
}

func TestContainsPolygonWindingAndRotation(t *testing.T) {
	inside := model.LatLng{Lat: 0.5, Lng: 0.5}
	outside := model.LatLng{Lat: 2, Lng: 2}

	// Same square in clockwise order and with a rotated starting vertex
	variants := []*model.Geofence{
		polygonFence("cw",
			model.LatLng{Lat: 0, Lng: 0},
			model.LatLng{Lat: 1, Lng: 0},
			model.LatLng{Lat: 1, Lng: 1},
			model.LatLng{Lat: 0, Lng: 1},
		),
		polygonFence("rotated",
			model.LatLng{Lat: 1, Lng: 1},
			model.LatLng{Lat: 1, Lng: 0},
			model.LatLng{Lat: 0, Lng: 0},
			model.LatLng{Lat: 0, Lng: 1},
		),
	}

	for _, fence := range variants {
		if got, _ := Contains(inside, fence); !got {
			t.Errorf("fence %s: inside point reported outside", fence.ID)
		}
		if got, _ := Contains(outside, fence); got {
			t.Errorf("fence %s: outside point reported inside", fence.ID)
		}
	}
}

func TestContainsConcavePolygon(t *testing.T) {
	// L-shape: the notch at the top right is outside
	fence := polygonFence("lshape",
		model.LatLng{Lat: 0, Lng: 0},
		model.LatLng{Lat: 0, Lng: 2},
		model.LatLng{Lat: 1, Lng: 2},
		model.LatLng{Lat: 1, Lng: 1},
		model.LatLng{Lat: 2, Lng: 1},
		model.LatLng{Lat: 2, Lng: 0},
	)

	if got, _ := Contains(model.LatLng{Lat: 0.5, Lng: 1.5}, fence); !got {
		t.Error("point in the wide arm reported outside")
	}
	if got, _ := Contains(model.LatLng{Lat: 1.5, Lng: 1.5}, fence); got {
		t.Error("point in the notch reported inside")
	}
}

func TestContainsCircle(t *testing.T) {
	center := model.LatLng{Lat: 37.9149, Lng: -4.7162}
	fence := circleFence("circle", center, 1000)

	if got, err := Contains(center, fence); err != nil || !got {
		t.Fatalf("center not inside its own circle: inside=%v err=%v", got, err)
	}

	// ~0.005 deg latitude is roughly 550m
	near := model.LatLng{Lat: center.Lat + 0.005, Lng: center.Lng}
	if got, _ := Contains(near, fence); !got {
		t.Error("point 550m from center reported outside 1000m circle")
	}

	far := model.LatLng{Lat: center.Lat + 0.5, Lng: center.Lng}
	if got, _ := Contains(far, fence); got {
		t.Error("point 55km from center reported inside 1000m circle")
	}
}

func TestContainsUnsupportedType(t *testing.T) {
	fence := &model.Geofence{ID: "bad", Name: "bad", Type: "ellipse", Coordinates: model.JSONMap{}}
	if _, err := Contains(model.LatLng{}, fence); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestUpsertValidation(t *testing.T) {
	store := NewGeofenceStore(nil, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		fence *model.Geofence
	}{
		{"missing id", polygonFence("",
			model.LatLng{Lat: 0, Lng: 0}, model.LatLng{Lat: 0, Lng: 1}, model.LatLng{Lat: 1, Lng: 1})},
		{"two points", polygonFence("two",
			model.LatLng{Lat: 0, Lng: 0}, model.LatLng{Lat: 0, Lng: 1})},
		{"latitude out of range", polygonFence("badlat",
			model.LatLng{Lat: 91, Lng: 0}, model.LatLng{Lat: 0, Lng: 1}, model.LatLng{Lat: 1, Lng: 1})},
		{"longitude out of range", polygonFence("badlng",
			model.LatLng{Lat: 0, Lng: 181}, model.LatLng{Lat: 0, Lng: 1}, model.LatLng{Lat: 1, Lng: 1})},
		{"zero radius", circleFence("flat", model.LatLng{Lat: 0, Lng: 0}, 0)},
		{"unknown type", &model.Geofence{ID: "x", Name: "x", Type: "ellipse", Coordinates: model.JSONMap{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Upsert(ctx, tc.fence); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if len(store.List()) != 0 {
		t.Error("rejected geofences must not be installed")
	}
}

func TestUpsertReplacesWholesale(t *testing.T) {
	store := NewGeofenceStore(nil, nil)
	ctx := context.Background()

	if err := store.Upsert(ctx, unitSquare("main")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	replacement := polygonFence("main",
		model.LatLng{Lat: 10, Lng: 10},
		model.LatLng{Lat: 10, Lng: 11},
		model.LatLng{Lat: 11, Lng: 11},
	)
	if err := store.Upsert(ctx, replacement); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if len(store.List()) != 1 {
		t.Fatalf("expected 1 geofence, got %d", len(store.List()))
	}
	got, err := store.Get("main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inside, _ := Contains(model.LatLng{Lat: 0.5, Lng: 0.5}, got); inside {
		t.Error("old boundary still in effect after replacement")
	}
	if inside, _ := Contains(model.LatLng{Lat: 10.5, Lng: 10.5}, got); !inside {
		t.Error("new boundary not in effect after replacement")
	}
}

func TestActiveIsMostRecentUpsert(t *testing.T) {
	store := NewGeofenceStore(nil, nil)
	ctx := context.Background()

	if store.Active() != nil {
		t.Fatal("expected no active geofence before any upsert")
	}
	store.Upsert(ctx, unitSquare("first"))
	store.Upsert(ctx, unitSquare("second"))

	active := store.Active()
	if active == nil || active.ID != "second" {
		t.Errorf("expected active geofence 'second', got %+v", active)
	}
}

func TestGetUnknownGeofence(t *testing.T) {
	store := NewGeofenceStore(nil, nil)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertNotifies(t *testing.T) {
	store := NewGeofenceStore(nil, nil)

	var got *model.Geofence
	store.SetNotifier(func(g *model.Geofence) { got = g })

	if err := store.Upsert(context.Background(), unitSquare("notify")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got == nil || got.ID != "notify" {
		t.Fatalf("notifier did not receive the upserted geofence: %+v", got)
	}
}

func TestUpdatePayloadShapes(t *testing.T) {
	poly := UpdatePayload(unitSquare("p"))
	if poly.Type != "polygon" || len(poly.Coordinates) != 4 || poly.Radius != 0 {
		t.Errorf("unexpected polygon payload: %+v", poly)
	}

	circ := UpdatePayload(circleFence("c", model.LatLng{Lat: 1, Lng: 2}, 500))
	if circ.Type != "circle" || len(circ.Coordinates) != 1 || circ.Radius != 500 {
		t.Errorf("unexpected circle payload: %+v", circ)
	}
	if circ.Coordinates[0].Lat != 1 || circ.Coordinates[0].Lng != 2 {
		t.Errorf("circle center mangled: %+v", circ.Coordinates[0])
	}
}

// Readers racing a replacement must always see either the old or the new
// boundary in full, never a half-written one.
func TestConcurrentUpsertAndContains(t *testing.T) {
	store := NewGeofenceStore(nil, nil)
	ctx := context.Background()
	store.Upsert(ctx, unitSquare("live"))

	probe := model.LatLng{Lat: 0.5, Lng: 0.5}
	shifted := polygonFence("live",
		model.LatLng{Lat: 20, Lng: 20},
		model.LatLng{Lat: 20, Lng: 21},
		model.LatLng{Lat: 21, Lng: 21},
		model.LatLng{Lat: 21, Lng: 20},
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				store.Upsert(ctx, shifted)
			} else {
				store.Upsert(ctx, unitSquare("live"))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			fence := store.Active()
			if fence == nil {
				t.Error("active geofence vanished mid-replacement")
				return
			}
			if _, err := Contains(probe, fence); err != nil {
				t.Errorf("evaluation against installed geofence failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}
