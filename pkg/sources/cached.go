package sources

import (
	"sync"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Cache keeps the most recent good fix for fallback use and warm starts.
// Reads return copies tagged as cached so confidence scoring applies the
// age degradation of the cached tier.
type Cache struct {
	mu           sync.RWMutex
	fix          *pkg.LocationSample
	logger       *logx.Logger
	maxAccuracyM float64
	stores       int64
	rejects      int64
}

// NewCache creates the last-known-fix cache. maxAccuracyM is a quality gate
// for writes (0 disables the gate): fixes worse than it never enter the
// cache, so a cached fallback can never be worse than a live one was.
func NewCache(maxAccuracyM float64, logger *logx.Logger) *Cache {
	return &Cache{
		logger:       logger,
		maxAccuracyM: maxAccuracyM,
	}
}

// Store records a fix if it passes the quality gates.
func (c *Cache) Store(sample *pkg.LocationSample) {
	if sample == nil {
		return
	}
	if !pkg.ValidCoordinate(sample.Latitude, sample.Longitude) || sample.Accuracy < 0 {
		c.reject(sample, "invalid_fix")
		return
	}
	if c.maxAccuracyM > 0 && sample.Accuracy > c.maxAccuracyM {
		c.reject(sample, "accuracy_gate")
		return
	}

	fix := *sample
	c.mu.Lock()
	c.fix = &fix
	c.stores++
	c.mu.Unlock()
}

// Get returns a copy of the cached fix tagged with the cached source, or nil
// when the cache is empty or the fix is older than maxAge (maxAge <= 0
// disables the age gate). The original capture time is preserved so the
// age multiplier in confidence scoring stays honest.
func (c *Cache) Get(maxAge time.Duration, now time.Time) *pkg.LocationSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.fix == nil {
		return nil
	}
	if maxAge > 0 && now.Sub(c.fix.CapturedAt) > maxAge {
		return nil
	}

	fix := *c.fix
	if fix.Provider == "" {
		fix.Provider = fix.Source
	}
	fix.Source = pkg.SourceCached
	return &fix
}

// Last returns a copy of the raw cached fix with its original source tag,
// for status surfaces and warm starts. The second return is false when the
// cache is empty.
func (c *Cache) Last() (pkg.LocationSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.fix == nil {
		return pkg.LocationSample{}, false
	}
	return *c.fix, true
}

func (c *Cache) reject(sample *pkg.LocationSample, reason string) {
	c.mu.Lock()
	c.rejects++
	c.mu.Unlock()

	c.logger.LogDebugVerbose("location_cache_reject", map[string]interface{}{
		"reason":     reason,
		"source":     sample.Source,
		"accuracy_m": sample.Accuracy,
	})
}
