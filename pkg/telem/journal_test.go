package telem

import (
	"sync"
	"testing"
	"time"
)

func TestNewJournalValidatesBounds(t *testing.T) {
	cases := []struct {
		name      string
		capacity  int
		retention time.Duration
		wantErr   bool
	}{
		{"valid", 100, time.Hour, false},
		{"zero capacity", 0, time.Hour, true},
		{"oversize capacity", 20000, time.Hour, true},
		{"retention too short", 100, time.Second, true},
		{"retention too long", 100, 200 * time.Hour, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewJournal(tc.capacity, tc.retention)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestRecordAndQuery(t *testing.T) {
	j, err := NewJournal(100, time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	j.Record(KindAcquisition, "location acquired", map[string]interface{}{"source": "satellite"})
	j.Record(KindConnectivity, "went offline", nil)
	j.Record(KindAcquisition, "location acquired", map[string]interface{}{"source": "wifi"})

	all := j.Events(time.Time{}, 0)
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	if all[0].Summary != "location acquired" || all[1].Kind != KindConnectivity {
		t.Fatalf("order wrong: %+v", all)
	}

	acq := j.Recent(KindAcquisition, 10)
	if len(acq) != 2 {
		t.Fatalf("acquisition events = %d, want 2", len(acq))
	}
	if acq[1].Fields["source"] != "wifi" {
		t.Fatalf("newest acquisition = %+v", acq[1])
	}

	counts := j.Counts()
	if counts[KindAcquisition] != 2 || counts[KindConnectivity] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	j, err := NewJournal(3, time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 5; i++ {
		j.Record(KindTrip, string(rune('a'+i)), nil)
	}

	events := j.Events(time.Time{}, 0)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Summary != "c" || events[2].Summary != "e" {
		t.Fatalf("ring kept wrong window: %+v", events)
	}

	// cumulative totals are not affected by eviction
	if j.Counts()[KindTrip] != 5 {
		t.Fatalf("counts = %v", j.Counts())
	}
}

func TestEventsLimitKeepsNewest(t *testing.T) {
	j, _ := NewJournal(100, time.Hour)
	for i := 0; i < 5; i++ {
		j.Record(KindReplay, string(rune('a'+i)), nil)
	}

	got := j.Events(time.Time{}, 2)
	if len(got) != 2 || got[0].Summary != "d" || got[1].Summary != "e" {
		t.Fatalf("limited events = %+v", got)
	}
}

func TestCallbackFansOut(t *testing.T) {
	j, _ := NewJournal(10, time.Hour)

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)
	j.SetEventCallback(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})

	j.Record(KindConnectivity, "recovered", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Summary != "recovered" {
		t.Fatalf("callback saw %+v", got)
	}
}

func TestCleanupDropsAgedEvents(t *testing.T) {
	j, _ := NewJournal(10, time.Minute)

	j.Record(KindTrip, "old", nil)
	// age the buffered event past retention
	j.mu.Lock()
	j.events.data[j.events.head].Timestamp = time.Now().Add(-2 * time.Minute)
	j.mu.Unlock()

	j.Record(KindTrip, "fresh", nil)
	j.Cleanup()

	events := j.Events(time.Time{}, 0)
	if len(events) != 1 || events[0].Summary != "fresh" {
		t.Fatalf("post-cleanup events = %+v", events)
	}
}
