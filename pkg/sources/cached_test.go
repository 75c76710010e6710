package sources

import (
	"testing"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

func TestCacheStoreAndGet(t *testing.T) {
	cache := NewCache(0, testLogger())
	now := time.Now()

	cache.Store(&pkg.LocationSample{
		Latitude:   59.33,
		Longitude:  18.06,
		Accuracy:   8,
		Source:     pkg.SourceSatellite,
		CapturedAt: now.Add(-time.Minute),
	})

	got := cache.Get(5*time.Minute, now)
	if got == nil {
		t.Fatal("Get returned nil for a fresh fix")
	}
	if got.Source != pkg.SourceCached {
		t.Errorf("source = %q, want %q", got.Source, pkg.SourceCached)
	}
	if got.Provider != pkg.SourceSatellite {
		t.Errorf("provider = %q, want original source tag", got.Provider)
	}
	if !got.CapturedAt.Equal(now.Add(-time.Minute)) {
		t.Errorf("capture time rewritten: %v", got.CapturedAt)
	}
}

func TestCacheAgeGate(t *testing.T) {
	cache := NewCache(0, testLogger())
	now := time.Now()

	cache.Store(&pkg.LocationSample{
		Latitude:   59.33,
		Longitude:  18.06,
		Accuracy:   8,
		Source:     pkg.SourceSatellite,
		CapturedAt: now.Add(-6 * time.Minute),
	})

	if got := cache.Get(5*time.Minute, now); got != nil {
		t.Errorf("Get returned a fix older than maxAge: %+v", got)
	}
	if got := cache.Get(10*time.Minute, now); got == nil {
		t.Error("Get with wider age window should return the fix")
	}
	if got := cache.Get(0, now); got == nil {
		t.Error("maxAge 0 disables the gate, expected the fix")
	}
}

func TestCacheQualityGates(t *testing.T) {
	cache := NewCache(100, testLogger())
	now := time.Now()

	// invalid coordinates never enter
	cache.Store(&pkg.LocationSample{Latitude: 0, Longitude: 0, Accuracy: 5, CapturedAt: now})
	if _, ok := cache.Last(); ok {
		t.Error("zero coordinates entered the cache")
	}

	// accuracy worse than the gate never enters
	cache.Store(&pkg.LocationSample{Latitude: 10, Longitude: 10, Accuracy: 500, Source: pkg.SourceIP, CapturedAt: now})
	if _, ok := cache.Last(); ok {
		t.Error("fix beyond the accuracy gate entered the cache")
	}

	// a good fix does
	cache.Store(&pkg.LocationSample{Latitude: 10, Longitude: 10, Accuracy: 50, Source: pkg.SourceWiFi, CapturedAt: now})
	if _, ok := cache.Last(); !ok {
		t.Error("valid fix rejected")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	cache := NewCache(0, testLogger())
	now := time.Now()

	cache.Store(&pkg.LocationSample{Latitude: 10, Longitude: 20, Accuracy: 5, Source: pkg.SourceWiFi, CapturedAt: now})

	first := cache.Get(0, now)
	first.Latitude = -99

	second := cache.Get(0, now)
	if second.Latitude != 10 {
		t.Errorf("mutating a returned fix leaked into the cache: lat=%v", second.Latitude)
	}
}

func TestCacheEmpty(t *testing.T) {
	cache := NewCache(0, testLogger())
	if got := cache.Get(time.Minute, time.Now()); got != nil {
		t.Errorf("empty cache returned %+v", got)
	}
	if _, ok := cache.Last(); ok {
		t.Error("empty cache reported a last fix")
	}
}
