package fusion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

func sampleAt(source string, lat, lon, accuracy float64, capturedAt time.Time) pkg.LocationSample {
	return pkg.LocationSample{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Source:     source,
		CapturedAt: capturedAt,
	}
}

func TestFuseEmptyInput(t *testing.T) {
	_, err := Fuse(nil, time.Now())
	if !errors.Is(err, ErrNoSamples) {
		t.Fatalf("Fuse(nil) error = %v, want ErrNoSamples", err)
	}
}

func TestFuseSingleSampleIdentity(t *testing.T) {
	now := time.Now()
	s := sampleAt(pkg.SourceCell, 25.30, 51.50, 300, now)

	fused, err := Fuse([]pkg.LocationSample{s}, now)
	if err != nil {
		t.Fatalf("Fuse returned error: %v", err)
	}

	if fused.Latitude != s.Latitude || fused.Longitude != s.Longitude {
		t.Errorf("coordinates changed: got (%v, %v)", fused.Latitude, fused.Longitude)
	}
	if fused.Accuracy != s.Accuracy {
		t.Errorf("accuracy changed: got %v", fused.Accuracy)
	}
	if fused.Source != pkg.SourceCell {
		t.Errorf("source tag not preserved: got %q", fused.Source)
	}
	// cell at 300m sits in the 1.1x band: 60 * 1.1
	if !almostEqual(fused.Confidence, 66) {
		t.Errorf("confidence = %v, want 66", fused.Confidence)
	}
	if len(fused.ContributingSources) != 1 || fused.ContributingSources[0] != pkg.SourceCell {
		t.Errorf("contributing sources = %v", fused.ContributingSources)
	}
}

func TestFuseWeightedAverage(t *testing.T) {
	now := time.Now()
	// wifi at 40m scores 80, cell at 1000m scores 60
	wifi := sampleAt(pkg.SourceWiFi, 59.0, 18.0, 40, now)
	cell := sampleAt(pkg.SourceCell, 59.2, 18.2, 1000, now)

	fused, err := Fuse([]pkg.LocationSample{wifi, cell}, now)
	if err != nil {
		t.Fatalf("Fuse returned error: %v", err)
	}

	wantLat := (59.0*80 + 59.2*60) / 140
	wantLon := (18.0*80 + 18.2*60) / 140
	if !almostEqual(fused.Latitude, wantLat) || !almostEqual(fused.Longitude, wantLon) {
		t.Errorf("fused coords (%v, %v), want (%v, %v)",
			fused.Latitude, fused.Longitude, wantLat, wantLon)
	}

	wantCombined := (80.0 + 60.0) * 0.7 // 98, under the clamp
	if !almostEqual(fused.Confidence, wantCombined) {
		t.Errorf("combined confidence = %v, want %v", fused.Confidence, wantCombined)
	}

	// accuracy widens the best contributor (wifi, 40m) by 100/98
	wantAccuracy := 40 * (100 / wantCombined)
	if !almostEqual(fused.Accuracy, wantAccuracy) {
		t.Errorf("fused accuracy = %v, want %v", fused.Accuracy, wantAccuracy)
	}

	if fused.Source != pkg.SourceFusion {
		t.Errorf("source = %q, want %q", fused.Source, pkg.SourceFusion)
	}
	if len(fused.ContributingSources) != 2 {
		t.Errorf("contributing sources = %v, want wifi and cell", fused.ContributingSources)
	}
}

func TestFuseCombinedConfidenceExactFormula(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		samples []pkg.LocationSample
		want    float64
	}{
		{
			name: "two sources under clamp",
			samples: []pkg.LocationSample{
				sampleAt(pkg.SourceWiFi, 10, 10, 40, now),  // 80
				sampleAt(pkg.SourceCell, 10, 10, 1000, now), // 60
			},
			want: 98,
		},
		{
			name: "three sources clamp to 100",
			samples: []pkg.LocationSample{
				sampleAt(pkg.SourceWiFi, 10, 10, 10, now),  // 96
				sampleAt(pkg.SourceCell, 10, 10, 300, now), // 66
				sampleAt(pkg.SourceIP, 10, 10, 800, now),   // 48
			},
			want: 100, // (96+66+48)*0.7 = 147 -> clamped
		},
		{
			name: "two weak sources stay weak",
			samples: []pkg.LocationSample{
				sampleAt(pkg.SourceIP, 10, 10, 20000, now), // 24
				sampleAt(pkg.SourceIP, 10, 10, 20000, now), // 24
			},
			want: 33.6, // 48 * 0.7
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fused, err := Fuse(tt.samples, now)
			if err != nil {
				t.Fatalf("Fuse returned error: %v", err)
			}
			if !almostEqual(fused.Confidence, tt.want) {
				t.Errorf("combined confidence = %v, want %v", fused.Confidence, tt.want)
			}
		})
	}
}

func TestFuseIdenticalCoordinatesCorroborate(t *testing.T) {
	now := time.Now()
	a := sampleAt(pkg.SourceWiFi, 25.30, 51.50, 40, now)
	b := sampleAt(pkg.SourceCell, 25.30, 51.50, 1000, now)

	fused, err := Fuse([]pkg.LocationSample{a, b}, now)
	if err != nil {
		t.Fatalf("Fuse returned error: %v", err)
	}

	if !almostEqual(fused.Latitude, 25.30) || !almostEqual(fused.Longitude, 51.50) {
		t.Errorf("identical inputs moved the point: (%v, %v)", fused.Latitude, fused.Longitude)
	}
	if !almostEqual(fused.Confidence, 98) {
		t.Errorf("corroborated confidence = %v, want 98", fused.Confidence)
	}
}

func TestFuseLowConfidenceContributesNearZero(t *testing.T) {
	now := time.Now()
	strong := sampleAt(pkg.SourceWiFi, 60.0, 20.0, 10, now)       // 96
	weak := sampleAt(pkg.SourceDefault, 0.0001, 0.0001, 100, now) // 10

	fused, err := Fuse([]pkg.LocationSample{strong, weak}, now)
	if err != nil {
		t.Fatalf("Fuse returned error: %v", err)
	}

	// the weak sample pulls the estimate, but only by its 10/106 share
	wantLat := (60.0*96 + 0.0001*10) / 106
	if math.Abs(fused.Latitude-wantLat) > 1e-9 {
		t.Errorf("fused latitude = %v, want %v", fused.Latitude, wantLat)
	}
	// an unweighted mean would sit near 30; the weighted one stays near 60
	if fused.Latitude < 50.0 {
		t.Errorf("weak sample dominated the estimate: lat=%v", fused.Latitude)
	}
}

func TestFuseUsesNewestContributingTimestamp(t *testing.T) {
	now := time.Now()
	older := sampleAt(pkg.SourceWiFi, 10, 10, 40, now.Add(-2*time.Minute))
	newer := sampleAt(pkg.SourceCell, 10, 10, 1000, now.Add(-30*time.Second))

	fused, err := Fuse([]pkg.LocationSample{older, newer}, now)
	if err != nil {
		t.Fatalf("Fuse returned error: %v", err)
	}
	if !fused.CapturedAt.Equal(newer.CapturedAt) {
		t.Errorf("fused CapturedAt = %v, want newest contributor %v",
			fused.CapturedAt, newer.CapturedAt)
	}
}
