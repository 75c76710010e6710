package motion

import (
	"math"
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Config holds movement classification settings.
type Config struct {
	WindowSize     int     `json:"window_size"`
	MinSpeedMS     float64 `json:"min_speed_ms"`
	AccuracyFactor float64 `json:"accuracy_factor"`
	AccelThreshold float64 `json:"accel_threshold"`
}

// DefaultConfig returns thresholds tuned for vehicle and walking telemetry:
// eight fixes of trend, 0.8 m/s minimum sustained speed, displacement must
// clear 1.5x the fix accuracy before it counts as real.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:     8,
		MinSpeedMS:     0.8,
		AccuracyFactor: 1.5,
		AccelThreshold: 1.2,
	}
}

type fixRecord struct {
	lat      float64
	lon      float64
	accuracy float64
	at       time.Time
}

// Classifier decides whether the device is moving. GPS jitter at rest looks
// like motion on a per-fix basis, so the verdict combines a displacement
// gate against fix accuracy with a regressed distance-over-time speed trend
// across the recent window.
type Classifier struct {
	cfg    *Config
	logger *logx.Logger

	mu     sync.Mutex
	fixes  []fixRecord
	moving bool
}

// NewClassifier creates a classifier with cfg, falling back to defaults for
// unset values.
func NewClassifier(cfg *Config, logger *logx.Logger) *Classifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.WindowSize < 2 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MinSpeedMS <= 0 {
		cfg.MinSpeedMS = DefaultConfig().MinSpeedMS
	}
	if cfg.AccuracyFactor <= 0 {
		cfg.AccuracyFactor = DefaultConfig().AccuracyFactor
	}
	if cfg.AccelThreshold <= 0 {
		cfg.AccelThreshold = DefaultConfig().AccelThreshold
	}

	return &Classifier{cfg: cfg, logger: logger}
}

// Classify feeds a fix into the window and returns the movement verdict with
// its confidence (0..100).
func (c *Classifier) Classify(sample *pkg.LocationSample) (bool, float64) {
	if sample == nil || !pkg.ValidCoordinate(sample.Latitude, sample.Longitude) {
		return c.Moving(), 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fixes = append(c.fixes, fixRecord{
		lat:      sample.Latitude,
		lon:      sample.Longitude,
		accuracy: sample.Accuracy,
		at:       sample.CapturedAt,
	})
	if len(c.fixes) > c.cfg.WindowSize {
		c.fixes = c.fixes[1:]
	}

	if len(c.fixes) < 2 {
		return c.settleLocked(false, 25)
	}

	speed := c.speedTrendLocked()
	net, maxAccuracy := c.netDisplacementLocked()
	cleared := net > c.cfg.AccuracyFactor*maxAccuracy

	moving := speed >= c.cfg.MinSpeedMS && cleared

	var confidence float64
	if moving {
		excess := (speed - c.cfg.MinSpeedMS) / (4 * c.cfg.MinSpeedMS)
		confidence = 50 + 45*clamp01(excess)
	} else {
		margin := 1 - clamp01(speed/c.cfg.MinSpeedMS)
		confidence = 50 + 45*margin
		if cleared {
			// displacement cleared the gate but the trend disagreed
			confidence = math.Min(confidence, 60)
		}
	}

	return c.settleLocked(moving, confidence)
}

// ClassifySnapshot gives an accelerometer-only verdict for when positioning
// is dark. Weaker evidence than the GPS trend, so confidence is capped.
func (c *Classifier) ClassifySnapshot(snap pkg.MotionSnapshot) (bool, float64) {
	moving := snap.AccelMagnitude > c.cfg.AccelThreshold || snap.SpeedHint >= c.cfg.MinSpeedMS

	var confidence float64
	if moving {
		excess := math.Max(
			(snap.AccelMagnitude-c.cfg.AccelThreshold)/c.cfg.AccelThreshold,
			snap.SpeedHint/(4*c.cfg.MinSpeedMS),
		)
		confidence = 40 + 35*clamp01(excess)
	} else {
		confidence = 40 + 35*(1-clamp01(snap.AccelMagnitude/c.cfg.AccelThreshold))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleLocked(moving, confidence)
}

// Moving returns the last verdict.
func (c *Classifier) Moving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving
}

// Reset clears the fix window, for trip boundaries.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixes = nil
	c.moving = false
}

func (c *Classifier) settleLocked(moving bool, confidence float64) (bool, float64) {
	if moving != c.moving {
		if moving {
			c.logger.Info("movement detected", "confidence", confidence)
		} else {
			c.logger.Info("stationary state detected", "confidence", confidence)
		}
		c.moving = moving
	}
	return moving, confidence
}

// speedTrendLocked regresses cumulative distance over elapsed time; the
// slope is the sustained speed in m/s. Degenerate windows fall back to the
// naive total-distance-over-total-time estimate.
func (c *Classifier) speedTrendLocked() float64 {
	elapsedTotal := c.fixes[len(c.fixes)-1].at.Sub(c.fixes[0].at).Seconds()
	if elapsedTotal <= 0 {
		return 0
	}

	var cumulative float64
	if len(c.fixes) >= 3 {
		r := new(regression.Regression)
		r.SetObserved("cumulative distance m")
		r.SetVar(0, "elapsed s")

		for i, fix := range c.fixes {
			if i > 0 {
				prev := c.fixes[i-1]
				cumulative += pkg.Distance(prev.lat, prev.lon, fix.lat, fix.lon)
			}
			r.Train(regression.DataPoint(cumulative, []float64{fix.at.Sub(c.fixes[0].at).Seconds()}))
		}

		if err := r.Run(); err == nil {
			slope := r.Coeff(1)
			if !math.IsNaN(slope) && !math.IsInf(slope, 0) {
				return math.Max(slope, 0)
			}
		}
		return cumulative / elapsedTotal
	}

	for i := 1; i < len(c.fixes); i++ {
		prev := c.fixes[i-1]
		cumulative += pkg.Distance(prev.lat, prev.lon, c.fixes[i].lat, c.fixes[i].lon)
	}
	return cumulative / elapsedTotal
}

// netDisplacementLocked measures start-to-end displacement, where jitter
// cancels out, and the worst accuracy in the window for the gate.
func (c *Classifier) netDisplacementLocked() (float64, float64) {
	first := c.fixes[0]
	last := c.fixes[len(c.fixes)-1]
	net := pkg.Distance(first.lat, first.lon, last.lat, last.lon)

	maxAccuracy := 0.0
	for _, fix := range c.fixes {
		if fix.accuracy > maxAccuracy {
			maxAccuracy = fix.accuracy
		}
	}
	return net, maxAccuracy
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
