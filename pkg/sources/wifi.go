package sources

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// AccessPoint is one scanned WiFi beacon handed to the geolocation API.
type AccessPoint struct {
	MAC       string
	SignalDBM int
	Channel   int
}

// APScanner supplies nearby access points. Platform-specific and injected;
// a nil scanner leaves the wifi source permanently unavailable.
type APScanner interface {
	ScanAccessPoints(ctx context.Context) ([]AccessPoint, error)
}

// WiFiSource resolves position from surrounding access points through the
// Google Geolocation API. Expected accuracy envelope is roughly 15-100m.
type WiFiSource struct {
	logger   *logx.Logger
	priority int
	scanner  APScanner
	client   *maps.Client
	health   healthState
}

// geolocation wants at least two beacons to triangulate
const minAccessPoints = 2

// NewWiFiSource creates the wifi-assisted source. An empty API key yields a
// source that reports unavailable instead of failing construction, so the
// daemon can run without wifi positioning configured.
func NewWiFiSource(priority int, apiKey string, scanner APScanner, logger *logx.Logger) (*WiFiSource, error) {
	source := &WiFiSource{
		logger:   logger,
		priority: priority,
		scanner:  scanner,
	}

	if apiKey != "" {
		client, err := maps.NewClient(maps.WithAPIKey(apiKey))
		if err != nil {
			return nil, fmt.Errorf("create geolocation client: %w", err)
		}
		source.client = client
	}

	return source, nil
}

// Name returns the source name.
func (w *WiFiSource) Name() string { return "wifi" }

// Priority returns the source priority.
func (w *WiFiSource) Priority() int { return w.priority }

// Health returns the current health status.
func (w *WiFiSource) Health() SourceHealth { return w.health.snapshot() }

// Available reports whether the source is configured with an API key and a
// scanner.
func (w *WiFiSource) Available(ctx context.Context) bool {
	available := w.client != nil && w.scanner != nil
	w.health.setAvailable(available)
	if !available {
		w.logger.LogDebugVerbose("wifi_source_unavailable", map[string]interface{}{
			"has_api_key": w.client != nil,
			"has_scanner": w.scanner != nil,
		})
	}
	return available
}

// Collect scans for beacons and asks the geolocation API for a position.
func (w *WiFiSource) Collect(ctx context.Context) (*pkg.LocationSample, error) {
	if w.client == nil || w.scanner == nil {
		err := fmt.Errorf("%w: wifi positioning not configured", ErrHardwareUnavailable)
		w.health.recordError(err)
		return nil, err
	}

	start := time.Now()

	aps, err := w.scanner.ScanAccessPoints(ctx)
	if err != nil {
		err = fmt.Errorf("scan access points: %w", err)
		w.health.recordError(err)
		return nil, err
	}
	if len(aps) < minAccessPoints {
		err = fmt.Errorf("only %d access points visible, need %d", len(aps), minAccessPoints)
		w.health.recordError(err)
		return nil, err
	}

	request := &maps.GeolocationRequest{
		ConsiderIP:       false,
		WiFiAccessPoints: make([]maps.WiFiAccessPoint, 0, len(aps)),
	}
	for _, ap := range aps {
		request.WiFiAccessPoints = append(request.WiFiAccessPoints, maps.WiFiAccessPoint{
			MACAddress:     ap.MAC,
			SignalStrength: float64(ap.SignalDBM),
			Channel:        ap.Channel,
		})
	}

	result, err := w.client.Geolocate(ctx, request)
	if err != nil {
		err = fmt.Errorf("geolocation API: %w", err)
		w.health.recordError(err)
		return nil, err
	}
	if !pkg.ValidCoordinate(result.Location.Lat, result.Location.Lng) {
		err = fmt.Errorf("geolocation API returned empty position")
		w.health.recordError(err)
		return nil, err
	}

	w.health.recordSuccess(time.Since(start))
	w.logger.LogDebugVerbose("wifi_location_resolved", map[string]interface{}{
		"accuracy_m": result.Accuracy,
		"ap_count":   len(aps),
		"latency_ms": time.Since(start).Milliseconds(),
	})

	return &pkg.LocationSample{
		Latitude:   result.Location.Lat,
		Longitude:  result.Location.Lng,
		Accuracy:   result.Accuracy,
		Source:     pkg.SourceWiFi,
		Provider:   "google-geolocation",
		CapturedAt: time.Now(),
	}, nil
}
