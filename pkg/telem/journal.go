package telem

import (
	"fmt"
	"sync"
	"time"
)

// Event kinds recorded by the daemon.
const (
	KindAcquisition  = "acquisition"
	KindConnectivity = "connectivity"
	KindReplay       = "replay"
	KindTrip         = "trip"
)

// Event is one entry in the journal.
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Summary   string                 `json:"summary"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Journal keeps recent daemon events in a RAM ring for the status surfaces.
// Nothing here is persisted; restart starts an empty journal.
type Journal struct {
	mu        sync.RWMutex
	retention time.Duration
	events    *ringBuffer
	counts    map[string]int64

	// real-time fan-out, called outside the lock
	eventCallback func(Event)
}

// NewJournal creates a journal holding at most capacity events for at most
// retention. Both bounds are enforced so RAM stays flat on small devices.
func NewJournal(capacity int, retention time.Duration) (*Journal, error) {
	if capacity < 1 || capacity > 10000 {
		return nil, fmt.Errorf("capacity must be between 1 and 10000")
	}
	if retention < time.Minute || retention > 168*time.Hour {
		return nil, fmt.Errorf("retention must be between 1m and 168h")
	}

	return &Journal{
		retention: retention,
		events:    newRingBuffer(capacity),
		counts:    make(map[string]int64),
	}, nil
}

// Record appends one event and fans it out to the callback when set.
func (j *Journal) Record(kind, summary string, fields map[string]interface{}) {
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Summary:   summary,
		Fields:    fields,
	}

	j.mu.Lock()
	j.events.add(event)
	j.counts[kind]++
	callback := j.eventCallback
	j.mu.Unlock()

	if callback != nil {
		go callback(event)
	}
}

// SetEventCallback installs a real-time consumer (e.g. the MQTT mirror).
func (j *Journal) SetEventCallback(callback func(Event)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.eventCallback = callback
}

// Events returns events at or after since, oldest first, capped at limit
// (limit <= 0 means no cap).
func (j *Journal) Events(since time.Time, limit int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	events := j.events.getSince(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// Recent returns the newest events of one kind, oldest first.
func (j *Journal) Recent(kind string, limit int) []Event {
	j.mu.RLock()
	all := j.events.getSince(time.Time{})
	j.mu.RUnlock()

	matched := make([]Event, 0, limit)
	for _, e := range all {
		if e.Kind == kind {
			matched = append(matched, e)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Cleanup drops events older than the retention window.
func (j *Journal) Cleanup() {
	cutoff := time.Now().Add(-j.retention)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.events.removeBefore(cutoff)
}

// Counts returns cumulative event totals per kind since start.
func (j *Journal) Counts() map[string]int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make(map[string]int64, len(j.counts))
	for k, v := range j.counts {
		out[k] = v
	}
	return out
}

// StatusSection returns the snapshot registered on the health status surface.
func (j *Journal) StatusSection() interface{} {
	j.mu.RLock()
	size := j.events.size
	j.mu.RUnlock()

	return map[string]interface{}{
		"buffered": size,
		"totals":   j.Counts(),
	}
}

// ringBuffer is a fixed-capacity event ring; the oldest entry is overwritten
// once the ring is full.
type ringBuffer struct {
	data     []Event
	capacity int
	head     int
	size     int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]Event, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) add(e Event) {
	idx := (r.head + r.size) % r.capacity
	r.data[idx] = e
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

// getSince returns events at or after since in insertion order.
func (r *ringBuffer) getSince(since time.Time) []Event {
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.data[(r.head+i)%r.capacity]
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func (r *ringBuffer) removeBefore(cutoff time.Time) int {
	removed := 0
	for r.size > 0 {
		oldest := r.data[r.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		r.head = (r.head + 1) % r.capacity
		r.size--
		removed++
	}
	return removed
}
