package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/connectivity"
	"github.com/fieldtrack/fieldloc/pkg/logx"
	"github.com/fieldtrack/fieldloc/pkg/store"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func scrape(t *testing.T, s *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	return rec.Body.String()
}

func TestScrapeExposesCoreSeries(t *testing.T) {
	st, err := store.Open(&store.Config{}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	now := time.Now()
	if err := st.Append(&pkg.OfflineTripSegment{
		ID:        "seg-metrics",
		StartTime: now,
		Points:    []pkg.TripPoint{{Timestamp: now}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	tracker := connectivity.NewTracker(connectivity.DefaultConfig(""), testLogger())

	s := NewServer(st, tracker, testLogger())
	s.RecordAcquisition(pkg.SourceSatellite, pkg.TierPrecise, 95)
	s.RecordAcquisitionFailure("timeout")
	s.RecordTransition(false)
	s.RecordTransition(true)
	s.RecordReplay(nil)
	s.RecordReplay(errors.New("send failed"))
	s.RecordSync(true, nil)
	s.RecordSync(false, errors.New("rejected"))

	body := scrape(t, s)

	want := []string{
		`fieldloc_acquisitions_total{source="satellite",tier="precise"} 1`,
		`fieldloc_acquisition_failures_total{cause="timeout"} 1`,
		`fieldloc_connectivity_transitions_total{direction="offline"} 1`,
		`fieldloc_connectivity_transitions_total{direction="online"} 1`,
		`fieldloc_replays_total{result="success"} 1`,
		`fieldloc_replays_total{result="failure"} 1`,
		`fieldloc_sync_updates_total{mode="backfill",result="success"} 1`,
		`fieldloc_sync_updates_total{mode="live",result="failure"} 1`,
		`fieldloc_acquisition_confidence_count 1`,
		`fieldloc_store_segments 1`,
		`fieldloc_store_unsynced_segments 1`,
		`fieldloc_connectivity_online 1`,
		`fieldloc_gps_available 0`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("scrape missing %q", w)
		}
	}
}

func TestMissingDependenciesSkipPullGauges(t *testing.T) {
	s := NewServer(nil, nil, testLogger())
	s.RecordAcquisition(pkg.SourceWiFi, pkg.TierAccurate, 80)

	body := scrape(t, s)

	if strings.Contains(body, "fieldloc_store_segments") {
		t.Error("store gauges present without a store")
	}
	if strings.Contains(body, "fieldloc_connectivity_online") {
		t.Error("tracker gauges present without a tracker")
	}
	if !strings.Contains(body, `fieldloc_acquisitions_total{source="wifi",tier="accurate"} 1`) {
		t.Error("push counters missing")
	}
}

func TestUnknownFailureCauseLabeled(t *testing.T) {
	s := NewServer(nil, nil, testLogger())
	s.RecordAcquisitionFailure("")

	body := scrape(t, s)
	if !strings.Contains(body, `fieldloc_acquisition_failures_total{cause="unknown"} 1`) {
		t.Error("empty cause not mapped to unknown")
	}
}
