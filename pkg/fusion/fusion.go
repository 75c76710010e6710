package fusion

import (
	"errors"
	"math"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

// ErrNoSamples is returned when Fuse is called with an empty input; callers
// are required to collect at least one sample first.
var ErrNoSamples = errors.New("fusion: no samples to fuse")

// combinedDamping keeps stacked low-quality sources from faking high
// confidence: the summed confidence is taken at 70% before clamping.
const combinedDamping = 0.7

// Fuse combines one or more location samples into a single estimate.
//
// A single sample is returned unchanged apart from confidence bookkeeping.
// Multiple samples are averaged per-coordinate, weighted by each sample's
// recomputed confidence; no sample is discarded, low confidence simply
// contributes near-zero weight. The combined confidence is exactly
// min(100, sum(confidence_i * 0.7)) and the fused accuracy widens the best
// contributing accuracy by 100/combinedConfidence.
func Fuse(samples []pkg.LocationSample, now time.Time) (*pkg.FusedLocation, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	if len(samples) == 1 {
		single := samples[0]
		single.Confidence = ScoreConfidence(single.Source, single.Accuracy, single.Age(now))
		return &pkg.FusedLocation{
			LocationSample:      single,
			ContributingSources: []string{single.Source},
		}, nil
	}

	var (
		totalWeight  float64
		latWeighted  float64
		lonWeighted  float64
		bestAccuracy = math.MaxFloat64
		newest       time.Time
		contributing []string
		seen         = map[string]bool{}
	)

	for i := range samples {
		s := &samples[i]
		confidence := ScoreConfidence(s.Source, s.Accuracy, s.Age(now))
		s.Confidence = confidence

		totalWeight += confidence
		latWeighted += s.Latitude * confidence
		lonWeighted += s.Longitude * confidence

		if confidence > 0 {
			if !seen[s.Source] {
				seen[s.Source] = true
				contributing = append(contributing, s.Source)
			}
			if s.Accuracy < bestAccuracy {
				bestAccuracy = s.Accuracy
			}
			if s.CapturedAt.After(newest) {
				newest = s.CapturedAt
			}
		}
	}

	if totalWeight <= 0 {
		return nil, errors.New("fusion: all samples carry zero confidence")
	}

	combined := totalWeight * combinedDamping
	if combined > 100 {
		combined = 100
	}

	fused := &pkg.FusedLocation{
		LocationSample: pkg.LocationSample{
			Latitude:   latWeighted / totalWeight,
			Longitude:  lonWeighted / totalWeight,
			Accuracy:   bestAccuracy * (100 / combined),
			Source:     pkg.SourceFusion,
			CapturedAt: newest,
			Confidence: combined,
		},
		ContributingSources: contributing,
	}

	return fused, nil
}
