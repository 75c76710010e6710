package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/fusion"
	"github.com/fieldtrack/fieldloc/pkg/logx"
	"github.com/fieldtrack/fieldloc/pkg/sources"
)

// Config holds acquisition settings.
type Config struct {
	LiveTimeout          time.Duration `json:"live_timeout"`
	LiveMaximumAge       time.Duration `json:"live_maximum_age"`
	NetworkTimeout       time.Duration `json:"network_timeout"`
	CachedFallbackMaxAge time.Duration `json:"cached_fallback_max_age"`
	RefreshInterval      time.Duration `json:"refresh_interval"`
	UseDefaultCoordinate bool          `json:"use_default_coordinate"`
	HighAccuracy         bool          `json:"high_accuracy"`
}

// DefaultConfig returns the standard acquisition posture: 30 seconds for a
// live fix, always-fresh hardware reads, 10 seconds per network source, a 5
// minute window for falling back to the last known fix, and the default
// coordinate enabled as the floor of the chain.
func DefaultConfig() *Config {
	return &Config{
		LiveTimeout:          30 * time.Second,
		NetworkTimeout:       10 * time.Second,
		CachedFallbackMaxAge: 5 * time.Minute,
		UseDefaultCoordinate: true,
		HighAccuracy:         true,
	}
}

// Failure causes carried by terminal results.
const (
	CausePermissionDenied    = "permission_denied"
	CauseHardwareUnavailable = "hardware_unavailable"
	CauseTimeout             = "timeout"
	CauseRestrictedContext   = "restricted_context"
)

// Result is the outcome of one acquisition run.
type Result struct {
	Location         *pkg.FusedLocation `json:"location,omitempty"`
	Tier             string             `json:"tier,omitempty"`
	Refreshing       bool               `json:"refreshing"`
	Err              error              `json:"-"`
	Cause            string             `json:"cause,omitempty"`
	AttemptedSources []string           `json:"attempted_sources"`
	CompletedAt      time.Time          `json:"completed_at"`
}

// OK reports whether the run produced a usable location.
func (r Result) OK() bool {
	return r.Err == nil && r.Location != nil
}

// GPSReporter receives hardware fix availability after every live attempt.
// Implemented by the connectivity tracker.
type GPSReporter interface {
	ReportGPSAvailability(hasFix bool)
}

// Deps are the injected collaborators. Only Cache is effectively mandatory;
// a nil Live capability degrades to the network path, nil network providers
// are skipped.
type Deps struct {
	Live     sources.PositioningCapability
	Network  []sources.Provider
	IPChain  sources.Provider
	Cache    *sources.Cache
	Reporter GPSReporter
	Now      func() time.Time
}

// Locator runs the acquisition ladder: live positioning, then wifi and cell
// fused, then the IP chain, then the recent cached fix, with the default
// coordinate or a cause-keyed failure at the bottom.
type Locator struct {
	cfg    *Config
	logger *logx.Logger
	deps   Deps
	now    func() time.Time

	mu         sync.Mutex
	current    *Result
	subs       map[int]func(Result)
	nextSubID  int
	cancelRun  context.CancelFunc
	loopCancel context.CancelFunc

	refreshCh chan struct{}
}

// New creates a locator over the given adapters.
func New(cfg *Config, deps Deps, logger *logx.Logger) *Locator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 30 * time.Second
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	if cfg.CachedFallbackMaxAge <= 0 {
		cfg.CachedFallbackMaxAge = 5 * time.Minute
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Locator{
		cfg:       cfg,
		logger:    logger,
		deps:      deps,
		now:       now,
		subs:      make(map[int]func(Result)),
		refreshCh: make(chan struct{}, 1),
	}
}

// Locate runs the full acquisition ladder once. A run whose context is
// cancelled mid-flight (superseded by Refresh or shutdown) is abandoned
// without being published.
func (l *Locator) Locate(ctx context.Context, refreshing bool) Result {
	res := Result{Refreshing: refreshing}
	var liveErr error

	// live positioning first
	if l.deps.Live != nil {
		res.AttemptedSources = append(res.AttemptedSources, pkg.SourceSatellite)

		liveCtx, cancel := context.WithTimeout(ctx, l.cfg.LiveTimeout)
		sample, err := l.deps.Live.OneShot(liveCtx, sources.WatchOptions{
			Timeout:      l.cfg.LiveTimeout,
			MaximumAge:   l.cfg.LiveMaximumAge,
			HighAccuracy: l.cfg.HighAccuracy,
		})
		cancel()

		if err == nil && sample != nil {
			l.reportGPS(true)
			return l.finishSample(res, sample)
		}
		liveErr = err
		l.reportGPS(false)
		l.logger.Warn("live positioning failed, trying network sources", "error", err)
	} else {
		liveErr = sources.ErrHardwareUnavailable
		l.reportGPS(false)
	}

	// wifi and cell, fused when both deliver
	var netSamples []pkg.LocationSample
	for _, p := range l.deps.Network {
		if p == nil {
			continue
		}

		netCtx, cancel := context.WithTimeout(ctx, l.cfg.NetworkTimeout)
		if !p.Available(netCtx) {
			cancel()
			l.logger.Debug("network source unavailable", "source", p.Name())
			continue
		}
		res.AttemptedSources = append(res.AttemptedSources, p.Name())
		sample, err := p.Collect(netCtx)
		cancel()

		if err != nil || sample == nil {
			l.logger.Debug("network source failed", "source", p.Name(), "error", err)
			continue
		}
		netSamples = append(netSamples, *sample)
	}
	// a run cancelled mid-flight has been superseded; none of its fallback
	// results may be published
	if err := ctx.Err(); err != nil {
		return l.abandon(res, err)
	}

	if len(netSamples) > 0 {
		fused, err := fusion.Fuse(netSamples, l.now())
		if err == nil {
			return l.finishFused(res, fused)
		}
		l.logger.Warn("failed to fuse network samples", "error", err)
	}

	// IP chain, first provider wins; its floor is the default coordinate,
	// which ranks below a recent cached fix
	var pendingDefault *pkg.LocationSample
	if l.deps.IPChain != nil {
		ipCtx, cancel := context.WithTimeout(ctx, l.cfg.NetworkTimeout)
		if l.deps.IPChain.Available(ipCtx) {
			res.AttemptedSources = append(res.AttemptedSources, l.deps.IPChain.Name())
			sample, err := l.deps.IPChain.Collect(ipCtx)
			if err == nil && sample != nil {
				if sample.Source == pkg.SourceDefault {
					pendingDefault = sample
				} else {
					cancel()
					return l.finishSample(res, sample)
				}
			} else if err != nil {
				l.logger.Debug("ip chain failed", "error", err)
			}
		}
		cancel()
	}

	if err := ctx.Err(); err != nil {
		return l.abandon(res, err)
	}

	// last known live fix, only while still recent
	if l.deps.Cache != nil {
		if sample := l.deps.Cache.Get(l.cfg.CachedFallbackMaxAge, l.now()); sample != nil {
			res.AttemptedSources = append(res.AttemptedSources, pkg.SourceCached)
			return l.finishSample(res, sample)
		}
	}

	if pendingDefault != nil && l.cfg.UseDefaultCoordinate {
		res.AttemptedSources = append(res.AttemptedSources, pkg.SourceDefault)
		return l.finishSample(res, pendingDefault)
	}

	res.Cause = causeOf(liveErr)
	res.Err = terminalError(res.Cause, liveErr)
	res.CompletedAt = l.now()
	l.logger.Error("location acquisition exhausted every source",
		"cause", res.Cause,
		"attempted", res.AttemptedSources,
	)
	return l.publish(res)
}

// Refresh aborts any in-flight run and schedules an immediate one marked as
// refreshing, so consumers can tell it apart from first load.
func (l *Locator) Refresh() {
	l.mu.Lock()
	if l.cancelRun != nil {
		l.cancelRun()
	}
	l.mu.Unlock()

	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

// Start launches the acquisition loop: one immediate run, then re-runs on
// RefreshInterval (when configured) and on Refresh triggers.
func (l *Locator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.loopCancel = cancel
	l.mu.Unlock()

	go l.loop(runCtx)
}

// Stop cancels the loop and any in-flight run.
func (l *Locator) Stop() {
	l.mu.Lock()
	runCancel := l.cancelRun
	loopCancel := l.loopCancel
	l.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if loopCancel != nil {
		loopCancel()
	}
}

// Subscribe registers a result callback and returns its unsubscribe handle.
func (l *Locator) Subscribe(cb func(Result)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = cb

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Current returns the latest published result.
func (l *Locator) Current() (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Result{}, false
	}
	return *l.current, true
}

func (l *Locator) loop(ctx context.Context) {
	l.runOnce(ctx, false)

	var tick <-chan time.Time
	if l.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(l.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			l.runOnce(ctx, false)
		case <-l.refreshCh:
			l.runOnce(ctx, true)
		}
	}
}

// runOnce gives each run its own cancellable context; a newer trigger
// cancels the stale run before this loop picks the trigger up.
func (l *Locator) runOnce(ctx context.Context, refreshing bool) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelRun = cancel
	l.mu.Unlock()
	defer cancel()

	l.Locate(runCtx, refreshing)
}

// abandon returns an unpublished result for a superseded run. Current and
// subscribers never see it.
func (l *Locator) abandon(res Result, err error) Result {
	res.Err = err
	res.CompletedAt = l.now()
	l.logger.Debug("acquisition run superseded, discarding",
		"attempted", res.AttemptedSources)
	return res
}

func (l *Locator) finishSample(res Result, sample *pkg.LocationSample) Result {
	fused, err := fusion.Fuse([]pkg.LocationSample{*sample}, l.now())
	if err != nil {
		res.Err = fmt.Errorf("failed to score sample: %w", err)
		res.Cause = CauseHardwareUnavailable
		res.CompletedAt = l.now()
		return l.publish(res)
	}
	return l.finishFused(res, fused)
}

func (l *Locator) finishFused(res Result, fused *pkg.FusedLocation) Result {
	res.Location = fused
	res.Tier = pkg.ClassifyAccuracy(fused.Accuracy)
	res.CompletedAt = l.now()

	// cached and default results never feed the last-known cache; everything
	// fresher does
	if l.deps.Cache != nil && fused.Source != pkg.SourceCached && fused.Source != pkg.SourceDefault {
		l.deps.Cache.Store(&fused.LocationSample)
	}

	l.logger.Info("location acquired",
		"source", fused.Source,
		"tier", res.Tier,
		"accuracy_m", fused.Accuracy,
		"confidence", fused.Confidence,
		"contributing", fused.ContributingSources,
	)
	return l.publish(res)
}

func (l *Locator) publish(res Result) Result {
	l.mu.Lock()
	l.current = &res
	subs := make([]func(Result), 0, len(l.subs))
	for _, cb := range l.subs {
		subs = append(subs, cb)
	}
	l.mu.Unlock()

	for _, cb := range subs {
		cb(res)
	}
	return res
}

func (l *Locator) reportGPS(hasFix bool) {
	if l.deps.Reporter != nil {
		l.deps.Reporter.ReportGPSAvailability(hasFix)
	}
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, sources.ErrPermissionDenied):
		return CausePermissionDenied
	case errors.Is(err, sources.ErrRestrictedContext):
		return CauseRestrictedContext
	case errors.Is(err, sources.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	default:
		return CauseHardwareUnavailable
	}
}

// terminalError builds the user-facing failure for a fully exhausted run.
func terminalError(cause string, err error) error {
	var msg string
	switch cause {
	case CausePermissionDenied:
		msg = "location permission denied; grant positioning access to this unit"
	case CauseTimeout:
		msg = "positioning timed out; the unit may have no sky view and no usable network"
	case CauseRestrictedContext:
		msg = "positioning is not available in this execution context"
	default:
		msg = "no positioning hardware available; check the receiver and network connectivity"
	}

	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.New(msg)
}
