package pkg

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Location source tags. Every LocationSample carries exactly one of these;
// "fusion" only ever appears on combined results.
const (
	SourceSatellite = "satellite"
	SourceWiFi      = "wifi"
	SourceCell      = "cell"
	SourceIP        = "ip"
	SourceCached    = "cached"
	SourceDefault   = "default"
	SourceFusion    = "fusion"
)

// Accuracy tier labels for human-readable classification of a fix.
const (
	TierPrecise     = "precise"
	TierAccurate    = "accurate"
	TierApproximate = "approximate"
)

// LocationSample represents one positioning observation from a single source.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"` // estimated error radius in meters, >= 0
	Source     string    `json:"source"`
	Provider   string    `json:"provider,omitempty"` // concrete provider, e.g. "ip-api.com"
	CapturedAt time.Time `json:"captured_at"`
	Confidence float64   `json:"confidence"` // 0-100, derived, never a persisted input

	// Optional quality data, present only when the source supplies it
	Altitude   *float64 `json:"altitude,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`  // meters per second
	Course     *float64 `json:"course,omitempty"` // degrees
	Satellites *int     `json:"satellites,omitempty"`
}

// Age returns how old the sample is relative to now.
func (s *LocationSample) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// FusedLocation is the output of combining one or more LocationSamples.
// When two or more inputs were combined, Source is "fusion" and
// ContributingSources lists the tags that carried non-zero weight.
type FusedLocation struct {
	LocationSample
	ContributingSources []string `json:"contributing_sources,omitempty"`
}

// ConnectivityState is the process-wide view of backend reachability and
// positioning hardware health. Owned and mutated only by the connectivity
// tracker; everyone else reads a copy.
type ConnectivityState struct {
	NetworkOnline    bool       `json:"network_online"`
	GPSAvailable     bool       `json:"gps_available"`
	LastGPSTimestamp *time.Time `json:"last_gps_timestamp,omitempty"`
}

// OfflineLocationUpdate is the minimal record queued when a location must be
// reported but no network is available. TripID is empty for updates that do
// not belong to a trip.
type OfflineLocationUpdate struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
	TripID     string    `json:"trip_id,omitempty"`
}

// MotionSnapshot carries raw motion-sensor hints captured with a trip point.
type MotionSnapshot struct {
	AccelMagnitude float64 `json:"accel_magnitude,omitempty"` // m/s^2
	SpeedHint      float64 `json:"speed_hint,omitempty"`      // m/s, from odometry or GPS doppler
}

// TripPoint is one timestamped sample belonging to a trip. Location may be
// nil when no fix was available at that instant.
type TripPoint struct {
	Timestamp          time.Time       `json:"timestamp"`
	IsMoving           bool            `json:"is_moving"`
	MovementConfidence float64         `json:"movement_confidence"` // 0-100
	Motion             *MotionSnapshot `json:"motion,omitempty"`
	Location           *LocationSample `json:"location,omitempty"`
}

// SegmentMetadata holds device/battery/network hints recorded with a segment
// plus the compression ratio the store achieved when persisting it.
type SegmentMetadata struct {
	DeviceID         string  `json:"device_id,omitempty"`
	BatteryPercent   int     `json:"battery_percent,omitempty"`
	NetworkHint      string  `json:"network_hint,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
}

// OfflineTripSegment is a bounded run of TripPoints for one vehicle/user
// session. Synced flips true only after the sync endpoint acknowledged every
// queued point; unsynced segments are dropped only by the pruning policy.
type OfflineTripSegment struct {
	ID        string          `json:"id"`
	VehicleID string          `json:"vehicle_id"`
	UserID    string          `json:"user_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Points    []TripPoint     `json:"points"`
	Synced    bool            `json:"synced"`
	Metadata  SegmentMetadata `json:"metadata"`
}

// NewSegmentID returns an opaque, time+random derived segment identifier.
func NewSegmentID(now time.Time) string {
	return fmt.Sprintf("seg-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// ClassifyAccuracy maps an accuracy radius in meters to a human-readable
// tier: under 10m "precise", under 50m "accurate", otherwise "approximate".
func ClassifyAccuracy(accuracyM float64) string {
	switch {
	case accuracyM < 10:
		return TierPrecise
	case accuracyM < 50:
		return TierAccurate
	default:
		return TierApproximate
	}
}

// ValidCoordinate reports whether lat/lon form a plausible fix. The all-zero
// point is rejected because every provider in the chain uses it as "no data".
func ValidCoordinate(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Distance returns the Haversine great-circle distance in meters between two
// coordinate pairs.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
