package handler

import (
	"encoding/json"
	"testing"
	"time"

	"bikely/server/internal/model"
	"bikely/server/internal/service"
)

func newTestHub(t *testing.T) (*WSHub, *service.SessionRegistry, *service.ViolationTracker) {
	t.Helper()
	store := service.NewGeofenceStore(nil, nil)
	registry := service.NewSessionRegistry(0)
	tracker := service.NewViolationTracker(store, 30*time.Second, nil, nil, nil)
	hub := NewWSHub(registry, tracker)
	go hub.Run()
	return hub, registry, tracker
}

func newFakeClient(t *testing.T, hub *WSHub, id, username string) *Client {
	t.Helper()
	client := &Client{ID: id, Send: make(chan []byte, 16), Hub: hub}
	if username != "" {
		client.setUsername(username)
	}
	hub.register <- client
	return client
}

func receive(t *testing.T, c *Client) model.OutboundMessage {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg model.OutboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("malformed outbound message %s: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return model.OutboundMessage{}
	}
}

func TestPenaltyTargeting(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newFakeClient(t, hub, "c-alice", "alice")
	bob := newFakeClient(t, hub, "c-bob", "bob")
	company := newFakeClient(t, hub, "c-company", CompanyUsername)

	hub.SendPenalty(&model.Penalty{Username: "alice", Reason: "test", Violations: 1})
	// Marker broadcast so per-channel ordering tells us what bob missed
	hub.BroadcastUserList(nil)

	if msg := receive(t, alice); msg.Type != model.MsgPenalty {
		t.Errorf("alice first message = %q, want %q", msg.Type, model.MsgPenalty)
	}
	if msg := receive(t, company); msg.Type != model.MsgPenalty {
		t.Errorf("company first message = %q, want %q", msg.Type, model.MsgPenalty)
	}
	if msg := receive(t, bob); msg.Type != model.MsgUserList {
		t.Errorf("bob received %q, must not see another rider's penalty", msg.Type)
	}
}

func TestUserLocationOnlyReachesCompany(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newFakeClient(t, hub, "c-alice", "alice")
	company := newFakeClient(t, hub, "c-company", CompanyUsername)

	hub.BroadcastUserLocation(&model.UserLocation{Username: "alice", Location: model.LatLng{Lat: 1, Lng: 2}})
	hub.BroadcastUserList(nil)

	if msg := receive(t, company); msg.Type != model.MsgUserLocation {
		t.Errorf("company first message = %q, want %q", msg.Type, model.MsgUserLocation)
	}
	if msg := receive(t, alice); msg.Type != model.MsgUserList {
		t.Errorf("alice received %q, riders must not see the location feed", msg.Type)
	}
}

func TestUsageUpdateTargetsItsRider(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newFakeClient(t, hub, "c-alice", "alice")
	bob := newFakeClient(t, hub, "c-bob", "bob")

	hub.SendUsageUpdate(model.UsageTimeUpdate{Username: "alice", UsageSeconds: 7})
	hub.BroadcastUserList(nil)

	if msg := receive(t, alice); msg.Type != model.MsgUsageTimeUpdate {
		t.Errorf("alice first message = %q, want %q", msg.Type, model.MsgUsageTimeUpdate)
	}
	if msg := receive(t, bob); msg.Type != model.MsgUserList {
		t.Errorf("bob received %q, want only the marker", msg.Type)
	}
}

func TestGeofenceUpdateReachesEveryone(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newFakeClient(t, hub, "c-alice", "alice")
	company := newFakeClient(t, hub, "c-company", CompanyUsername)

	hub.BroadcastGeofenceUpdate(&model.GeofenceUpdate{GeofenceID: "g1", Type: "polygon"})

	for _, c := range []*Client{alice, company} {
		msg := receive(t, c)
		if msg.Type != model.MsgGeofenceUpdate {
			t.Errorf("client %s received %q, want %q", c.ID, msg.Type, model.MsgGeofenceUpdate)
		}
	}
}

func TestInboundRegister(t *testing.T) {
	hub, registry, _ := newTestHub(t)
	client := newFakeClient(t, hub, "c1", "")

	hub.handleInbound(client, &model.InboundMessage{Type: model.MsgRegister, Username: "alice"})

	if client.Username() != "alice" {
		t.Errorf("client username = %q, want alice", client.Username())
	}
	if !registry.IsConnected("alice") {
		t.Error("registry does not show alice connected")
	}
	if msg := receive(t, client); msg.Type != model.MsgConnected {
		t.Errorf("welcome message type = %q, want %q", msg.Type, model.MsgConnected)
	}
}

func TestInboundRegisterRequiresUsername(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := newFakeClient(t, hub, "c1", "")

	hub.handleInbound(client, &model.InboundMessage{Type: model.MsgRegister})

	if msg := receive(t, client); msg.Type != model.MsgError {
		t.Errorf("expected error message, got %q", msg.Type)
	}
}

func TestInboundLocationUpdateFeedsTrackerAndDashboard(t *testing.T) {
	hub, _, tracker := newTestHub(t)
	rider := newFakeClient(t, hub, "c1", "")
	company := newFakeClient(t, hub, "c-company", CompanyUsername)

	hub.handleInbound(rider, &model.InboundMessage{Type: model.MsgRegister, Username: "alice"})
	receive(t, rider) // connected

	loc := model.LatLng{Lat: 0.5, Lng: 0.5}
	hub.handleInbound(rider, &model.InboundMessage{Type: model.MsgLocationUpdate, Location: &loc})

	if got, ok := tracker.LastLocation("alice"); !ok || got != loc {
		t.Errorf("tracker last location = %v (%v), want %v", got, ok, loc)
	}
	if msg := receive(t, company); msg.Type != model.MsgUserLocation {
		t.Errorf("company received %q, want %q", msg.Type, model.MsgUserLocation)
	}
}

func TestInboundLocationUpdateRejectsMissingLocation(t *testing.T) {
	hub, _, _ := newTestHub(t)
	rider := newFakeClient(t, hub, "c1", "alice")

	hub.handleInbound(rider, &model.InboundMessage{Type: model.MsgLocationUpdate})

	if msg := receive(t, rider); msg.Type != model.MsgError {
		t.Errorf("expected error message, got %q", msg.Type)
	}
}

func TestInboundUsageTime(t *testing.T) {
	hub, registry, _ := newTestHub(t)
	rider := newFakeClient(t, hub, "c1", "")

	hub.handleInbound(rider, &model.InboundMessage{Type: model.MsgRegister, Username: "alice"})
	receive(t, rider)

	hub.handleInbound(rider, &model.InboundMessage{Type: model.MsgUsageTime, UsageTime: 99})

	if got := registry.UsageSeconds("alice"); got != 99 {
		t.Errorf("usage = %d, want 99", got)
	}
}

func TestInboundPing(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := newFakeClient(t, hub, "c1", "alice")

	hub.handleInbound(client, &model.InboundMessage{Type: model.MsgPing})

	if msg := receive(t, client); msg.Type != "pong" {
		t.Errorf("ping reply type = %q, want pong", msg.Type)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub, _, _ := newTestHub(t)

	slow := &Client{ID: "slow", Send: make(chan []byte, 1), Hub: hub}
	hub.register <- slow

	// First broadcast fills the buffer, second overflows it
	hub.BroadcastUserList(nil)
	hub.BroadcastUserList(nil)

	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow client not dropped, %d clients still registered", hub.GetClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
