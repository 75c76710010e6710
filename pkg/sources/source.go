package sources

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

// Acquisition failure causes. Adapters wrap these so the orchestrator can
// classify a terminal failure and pick a user-actionable message.
var (
	ErrPermissionDenied    = errors.New("positioning permission denied")
	ErrHardwareUnavailable = errors.New("positioning hardware unavailable")
	ErrTimeout             = errors.New("positioning timed out")
	ErrRestrictedContext   = errors.New("positioning restricted in this execution context")
)

// Provider is the contract every location source adapter implements.
type Provider interface {
	Name() string
	Priority() int
	Available(ctx context.Context) bool
	Collect(ctx context.Context) (*pkg.LocationSample, error)
	Health() SourceHealth
}

// SourceHealth represents the rolling health of one location source.
type SourceHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatency   float64   `json:"avg_latency_ms"`
	ErrorCount   int       `json:"error_count"`
	SuccessCount int       `json:"success_count"`
}

// healthState is the shared bookkeeping embedded by every adapter. Collect
// paths and the health endpoint read it concurrently.
type healthState struct {
	mu           sync.Mutex
	health       SourceHealth
	totalLatency time.Duration
}

func (h *healthState) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.SuccessCount++
	h.health.LastSuccess = time.Now()
	h.health.Available = true
	h.totalLatency += latency
	h.health.AvgLatency = float64(h.totalLatency.Milliseconds()) / float64(h.health.SuccessCount)
	h.recalcRate()
}

func (h *healthState) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.ErrorCount++
	if err != nil {
		h.health.LastError = err.Error()
	}
	h.recalcRate()
}

func (h *healthState) setAvailable(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Available = available
}

func (h *healthState) snapshot() SourceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// recalcRate is called with the mutex held.
func (h *healthState) recalcRate() {
	total := h.health.ErrorCount + h.health.SuccessCount
	if total > 0 {
		h.health.SuccessRate = float64(h.health.SuccessCount) / float64(total)
	}
}
