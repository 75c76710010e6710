package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Config holds connectivity tracker settings.
type Config struct {
	ProbeURL      string        `json:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
	InitialOnline bool          `json:"initial_online"`
}

// DefaultConfig returns the standard probe cadence: verify reachability
// every 30 seconds with a 5 second budget per probe, so slow networks
// cannot pile probes up.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:      probeURL,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		InitialOnline: true,
	}
}

type eventKind int

const (
	eventOnline eventKind = iota
	eventGPS
)

type event struct {
	kind  eventKind
	value bool
}

// Tracker is the single source of truth for "can we reach the backend" and
// "is positioning hardware currently producing fixes". State changes are
// edge-triggered: subscribers hear transitions, never repeats. The platform
// online flag is treated as a hint only; a liveness probe decides.
type Tracker struct {
	cfg        *Config
	logger     *logx.Logger
	httpClient *http.Client

	mu         sync.RWMutex
	state      pkg.ConnectivityState
	subsOnline map[int]func(bool)
	subsGPS    map[int]func(bool)
	nextSubID  int
	drainHook  func(context.Context)

	// transitionMu serializes state transitions and their event emission so
	// every subscriber observes changes in chronological order.
	transitionMu sync.Mutex
	events       chan event

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewTracker creates the tracker with the platform's current reachability
// signal as the initial state.
func NewTracker(cfg *Config, logger *logx.Logger) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{},
		state:      pkg.ConnectivityState{NetworkOnline: cfg.InitialOnline},
		subsOnline: make(map[int]func(bool)),
		subsGPS:    make(map[int]func(bool)),
		events:     make(chan event, 64),
	}
}

// Online reports current backend reachability. Non-blocking.
func (t *Tracker) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.NetworkOnline
}

// HasGPS reports whether the positioning hardware delivered a fix on the
// most recent attempt. Non-blocking.
func (t *Tracker) HasGPS() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.GPSAvailable
}

// State returns a copy of the full connectivity state.
func (t *Tracker) State() pkg.ConnectivityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SubscribeOnline registers a callback for online/offline transitions and
// returns its unsubscribe handle.
func (t *Tracker) SubscribeOnline(cb func(bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	t.subsOnline[id] = cb

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subsOnline, id)
	}
}

// SubscribeGPS registers a callback for GPS availability transitions and
// returns its unsubscribe handle.
func (t *Tracker) SubscribeGPS(cb func(bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	t.subsGPS[id] = cb

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subsGPS, id)
	}
}

// RegisterDrainHook installs the routine invoked on each offline→online
// transition. The hook runs on its own goroutine under the tracker's run
// context and must itself be idempotent under re-entry.
func (t *Tracker) RegisterDrainHook(hook func(context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainHook = hook
}

// ReportGPSAvailability is called by source adapters after every positioning
// attempt. The timestamp advances on every successful fix, but subscribers
// are notified only when availability actually changes.
func (t *Tracker) ReportGPSAvailability(hasFix bool) {
	t.transitionMu.Lock()
	defer t.transitionMu.Unlock()

	t.mu.Lock()
	if hasFix {
		now := time.Now()
		t.state.LastGPSTimestamp = &now
	}
	changed := t.state.GPSAvailable != hasFix
	if changed {
		t.state.GPSAvailable = hasFix
	}
	t.mu.Unlock()

	if !changed {
		return
	}

	t.logger.LogStateChange("connectivity", fmt.Sprintf("gps_%t", !hasFix),
		fmt.Sprintf("gps_%t", hasFix), "adapter_report", nil)
	t.events <- event{kind: eventGPS, value: hasFix}
}

// ReportPlatformOnline ingests a platform online/offline transition event.
// "Offline" is trusted immediately; "online" is verified with a probe first,
// because platform flags stay true behind captive portals.
func (t *Tracker) ReportPlatformOnline(online bool) {
	if !online {
		t.setOnline(false, "platform_offline")
		return
	}

	go func() {
		ctx := t.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := t.probe(ctx); err != nil {
			t.logger.Debug("platform claims online but probe failed", "error", err)
			t.setOnline(false, "probe_contradicts_platform")
			return
		}
		t.setOnline(true, "platform_online_verified")
	}()
}

// Start launches the reconciliation probe loop and the notification
// dispatcher. Both stop when ctx is cancelled; Stop is the explicit variant.
func (t *Tracker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.runCtx = runCtx
	t.runCancel = cancel
	t.mu.Unlock()

	go t.dispatchLoop(runCtx)
	go t.probeLoop(runCtx)
}

// Stop tears the tracker down and detaches all listeners.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.runCancel
	t.subsOnline = make(map[int]func(bool))
	t.subsGPS = make(map[int]func(bool))
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// probeLoop reconciles the online flag against reality on a fixed interval.
// Probe errors are swallowed: connectivity determination is best-effort and
// never fatal.
func (t *Tracker) probeLoop(ctx context.Context) {
	// establish ground truth right away rather than trusting the initial
	// platform signal for a full interval
	t.reconcile(ctx)

	ticker := time.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reconcile(ctx)
		}
	}
}

func (t *Tracker) reconcile(ctx context.Context) {
	err := t.probe(ctx)
	if err != nil {
		if t.Online() {
			t.logger.Warn("liveness probe failed while online, correcting state", "error", err)
		}
		t.setOnline(false, "probe_failed")
		return
	}
	t.setOnline(true, "probe_ok")
}

// probe issues the lightweight liveness GET. Anything but a 200 within the
// probe timeout counts as unreachable.
func (t *Tracker) probe(ctx context.Context) error {
	if t.cfg.ProbeURL == "" {
		return fmt.Errorf("no probe URL configured")
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// setOnline applies an online/offline transition. Edge-triggered: a no-op
// when the state already matches. The offline→online edge fires the drain
// hook exactly once.
func (t *Tracker) setOnline(online bool, reason string) {
	t.transitionMu.Lock()
	defer t.transitionMu.Unlock()

	t.mu.Lock()
	if t.state.NetworkOnline == online {
		t.mu.Unlock()
		return
	}
	wasOnline := t.state.NetworkOnline
	t.state.NetworkOnline = online
	drain := t.drainHook
	runCtx := t.runCtx
	t.mu.Unlock()

	t.logger.LogStateChange("connectivity", fmt.Sprintf("online_%t", wasOnline),
		fmt.Sprintf("online_%t", online), reason, nil)

	t.events <- event{kind: eventOnline, value: online}

	if online && !wasOnline && drain != nil {
		if runCtx == nil {
			runCtx = context.Background()
		}
		go drain(runCtx)
	}
}

// dispatchLoop delivers notifications sequentially, so each subscriber sees
// transitions in the order they happened. Callback panics or slowness on one
// subscriber delay, but never reorder, delivery.
func (t *Tracker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.deliver(ev)
		}
	}
}

func (t *Tracker) deliver(ev event) {
	t.mu.RLock()
	var subs []func(bool)
	switch ev.kind {
	case eventOnline:
		for _, cb := range t.subsOnline {
			subs = append(subs, cb)
		}
	case eventGPS:
		for _, cb := range t.subsGPS {
			subs = append(subs, cb)
		}
	}
	t.mu.RUnlock()

	for _, cb := range subs {
		cb(ev.value)
	}
}
