package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"googlemaps.github.io/maps"

	"github.com/fieldtrack/fieldloc/pkg"
)

type fakeScanner struct {
	aps []AccessPoint
	err error
}

func (f *fakeScanner) ScanAccessPoints(context.Context) ([]AccessPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.aps, nil
}

func twoAccessPoints() []AccessPoint {
	return []AccessPoint{
		{MAC: "aa:bb:cc:dd:ee:01", SignalDBM: -48, Channel: 6},
		{MAC: "aa:bb:cc:dd:ee:02", SignalDBM: -71, Channel: 11},
	}
}

func geoClient(t *testing.T, baseURL string) *maps.Client {
	t.Helper()
	client, err := maps.NewClient(maps.WithAPIKey("test-key"), maps.WithBaseURL(baseURL))
	if err != nil {
		t.Fatalf("failed to create geolocation client: %v", err)
	}
	return client
}

func TestWiFiCollectResolvesPosition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("geolocation request method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"location":{"lat":59.3293,"lng":18.0686},"accuracy":28.5}`))
	}))
	defer server.Close()

	src, err := NewWiFiSource(2, "", &fakeScanner{aps: twoAccessPoints()}, testLogger())
	if err != nil {
		t.Fatalf("NewWiFiSource: %v", err)
	}
	src.client = geoClient(t, server.URL)

	sample, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if sample.Source != pkg.SourceWiFi {
		t.Fatalf("source = %q, want wifi", sample.Source)
	}
	if sample.Latitude != 59.3293 || sample.Longitude != 18.0686 {
		t.Fatalf("coordinate = (%v, %v), want (59.3293, 18.0686)", sample.Latitude, sample.Longitude)
	}
	if sample.Accuracy != 28.5 {
		t.Fatalf("accuracy = %v, want 28.5", sample.Accuracy)
	}
	if sample.Provider != "google-geolocation" {
		t.Fatalf("provider = %q", sample.Provider)
	}

	health := src.Health()
	if health.SuccessCount != 1 || health.ErrorCount != 0 {
		t.Fatalf("health = %+v, want one success", health)
	}
}

func TestWiFiCollectNeedsTwoAccessPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("geolocation API called despite insufficient beacons")
	}))
	defer server.Close()

	scanner := &fakeScanner{aps: twoAccessPoints()[:1]}
	src, err := NewWiFiSource(2, "", scanner, testLogger())
	if err != nil {
		t.Fatalf("NewWiFiSource: %v", err)
	}
	src.client = geoClient(t, server.URL)

	if _, err := src.Collect(context.Background()); err == nil {
		t.Fatal("expected error with a single visible access point")
	}
	if src.Health().ErrorCount != 1 {
		t.Fatalf("health = %+v, want one error", src.Health())
	}
}

func TestWiFiCollectPropagatesScanFailure(t *testing.T) {
	scanErr := errors.New("iwinfo scan failed")
	src, err := NewWiFiSource(2, "", &fakeScanner{err: scanErr}, testLogger())
	if err != nil {
		t.Fatalf("NewWiFiSource: %v", err)
	}
	src.client = geoClient(t, "http://127.0.0.1:0")

	_, err = src.Collect(context.Background())
	if err == nil || !errors.Is(err, scanErr) {
		t.Fatalf("err = %v, want wrapped scan failure", err)
	}
}

func TestWiFiUnavailableWithoutAPIKey(t *testing.T) {
	src, err := NewWiFiSource(2, "", &fakeScanner{aps: twoAccessPoints()}, testLogger())
	if err != nil {
		t.Fatalf("NewWiFiSource: %v", err)
	}

	if src.Available(context.Background()) {
		t.Fatal("source without API key reports available")
	}
	if _, err := src.Collect(context.Background()); !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("err = %v, want hardware-unavailable sentinel", err)
	}
}

func TestWiFiRejectsEmptyAPIPosition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"location":{"lat":0,"lng":0},"accuracy":20}`))
	}))
	defer server.Close()

	src, err := NewWiFiSource(2, "", &fakeScanner{aps: twoAccessPoints()}, testLogger())
	if err != nil {
		t.Fatalf("NewWiFiSource: %v", err)
	}
	src.client = geoClient(t, server.URL)

	if _, err := src.Collect(context.Background()); err == nil {
		t.Fatal("expected rejection of the 0,0 position")
	}
}
