package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func TestDisabledPublisherIsNoOp(t *testing.T) {
	p := NewPublisher(DefaultConfig(), testLogger())

	if err := p.Connect(); err != nil {
		t.Fatalf("disabled connect returned %v", err)
	}
	if p.IsConnected() {
		t.Fatal("disabled publisher reports connected")
	}

	loc := &pkg.FusedLocation{LocationSample: pkg.LocationSample{
		Latitude: 59.0, Longitude: 18.0, Source: pkg.SourceSatellite,
	}}
	if err := p.PublishLocation(loc, pkg.TierPrecise); err != nil {
		t.Fatalf("disabled publish returned %v", err)
	}
	if err := p.PublishConnectivity(pkg.ConnectivityState{NetworkOnline: true}, "probe_ok"); err != nil {
		t.Fatalf("disabled publish returned %v", err)
	}
	if err := p.PublishTripEvent("started", &pkg.OfflineTripSegment{ID: "seg-1"}); err != nil {
		t.Fatalf("disabled publish returned %v", err)
	}

	p.Disconnect()
}

func TestTopicPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "site7/fieldloc"
	p := NewPublisher(cfg, testLogger())

	if got := p.topic("location"); got != "site7/fieldloc/location" {
		t.Fatalf("topic = %q", got)
	}
	if got := p.topic("trip/seg-1"); got != "site7/fieldloc/trip/seg-1" {
		t.Fatalf("topic = %q", got)
	}
}

func TestLocationEnvelopeShape(t *testing.T) {
	now := time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)
	loc := &pkg.FusedLocation{
		LocationSample: pkg.LocationSample{
			Latitude:   59.3293,
			Longitude:  18.0686,
			Accuracy:   4,
			Source:     pkg.SourceSatellite,
			Confidence: 100,
			CapturedAt: now,
		},
		ContributingSources: []string{pkg.SourceSatellite},
	}

	data, err := json.Marshal(locationEnvelope(loc, pkg.TierPrecise, now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["tier"] != "precise" {
		t.Fatalf("tier = %v", got["tier"])
	}
	inner, ok := got["location"].(map[string]interface{})
	if !ok {
		t.Fatalf("location missing: %v", got)
	}
	if inner["latitude"].(float64) != 59.3293 {
		t.Fatalf("latitude = %v", inner["latitude"])
	}
	if inner["source"] != "satellite" {
		t.Fatalf("source = %v", inner["source"])
	}
}

func TestTripEnvelopeShape(t *testing.T) {
	now := time.Now()
	seg := &pkg.OfflineTripSegment{ID: "seg-42", Synced: true}
	seg.Points = append(seg.Points, pkg.TripPoint{Timestamp: now})

	env := tripEnvelope("synced", seg, now)
	if env["event"] != "synced" {
		t.Fatalf("event = %v", env["event"])
	}
	if env["segment_id"] != "seg-42" {
		t.Fatalf("segment_id = %v", env["segment_id"])
	}
	if env["point_count"] != 1 {
		t.Fatalf("point_count = %v", env["point_count"])
	}
	if env["synced"] != true {
		t.Fatalf("synced = %v", env["synced"])
	}
}

func TestConnectivityEnvelopeShape(t *testing.T) {
	now := time.Now()
	env := connectivityEnvelope(pkg.ConnectivityState{NetworkOnline: false, GPSAvailable: true}, "probe_failed", now)

	state, ok := env["state"].(pkg.ConnectivityState)
	if !ok {
		t.Fatalf("state missing: %v", env)
	}
	if state.NetworkOnline || !state.GPSAvailable {
		t.Fatalf("state = %+v", state)
	}
	if env["reason"] != "probe_failed" {
		t.Fatalf("reason = %v", env["reason"])
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := &rateLimiter{maxMessages: 3, windowSize: 50 * time.Millisecond}

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected inside budget", i)
		}
	}
	if rl.allow() {
		t.Fatal("message allowed past budget")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.allow() {
		t.Fatal("window did not reset")
	}
}
