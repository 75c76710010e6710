package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/backend"
	"github.com/fieldtrack/fieldloc/pkg/config"
	"github.com/fieldtrack/fieldloc/pkg/connectivity"
	"github.com/fieldtrack/fieldloc/pkg/health"
	"github.com/fieldtrack/fieldloc/pkg/locator"
	"github.com/fieldtrack/fieldloc/pkg/logx"
	"github.com/fieldtrack/fieldloc/pkg/metrics"
	"github.com/fieldtrack/fieldloc/pkg/motion"
	"github.com/fieldtrack/fieldloc/pkg/mqtt"
	"github.com/fieldtrack/fieldloc/pkg/pidfile"
	"github.com/fieldtrack/fieldloc/pkg/sources"
	"github.com/fieldtrack/fieldloc/pkg/store"
	"github.com/fieldtrack/fieldloc/pkg/telem"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	pidPath     = flag.String("pid-file", "", "Path to PID file (overrides config)")
	logLevel    = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	showVersion = flag.Bool("version", false, "Show version information")
	foreground  = flag.Bool("foreground", false, "Run in foreground mode (don't daemonize)")
	force       = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "fieldlocd"
	AppVersion = "1.0.0"
)

// HeartbeatData is the liveness record written to the heartbeat file so
// external watchdogs can verify the daemon without speaking HTTP.
type HeartbeatData struct {
	Timestamp  string  `json:"ts"`
	UptimeS    int64   `json:"uptime_s"`
	Version    string  `json:"version"`
	Status     string  `json:"status"`
	MemMB      float64 `json:"mem_mb"`
	Goroutines int     `json:"goroutines"`
	DeviceID   string  `json:"device_id"`
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	effectiveLogLevel := config.DefaultLogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLevel(cfg.LogLevel)

	if !cfg.Enable {
		logger.Info("Location reporting disabled in configuration, exiting")
		return
	}

	effectivePIDPath := cfg.PIDFilePath
	if *pidPath != "" {
		effectivePIDPath = *pidPath
	}
	pidFile := pidfile.New(effectivePIDPath)

	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if *force {
			logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
			if err := pidFile.ForceRemove(); err != nil {
				logger.Error("Failed to remove existing PID file", "error", err)
				os.Exit(1)
			}
		} else {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", effectivePIDPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
	}

	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", effectivePIDPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting location daemon", "version", AppVersion, "pid", os.Getpid(), "config", *configPath, "foreground", *foreground)

	journal, err := telem.NewJournal(cfg.JournalCapacity, cfg.JournalRetention())
	if err != nil {
		logger.Error("Failed to initialize event journal", "error", err)
		os.Exit(1)
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		logger.Error("Invalid store configuration", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(storeCfg, logger)
	if err != nil {
		logger.Error("Failed to open offline store", "error", err, "path", cfg.StorePath)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close offline store", "error", err)
		}
	}()

	var client *backend.Client
	if cfg.SyncURL != "" {
		client = backend.NewClient(cfg.BackendConfig(), logger)
	} else {
		logger.Warn("No sync endpoint configured, every fix will stay queued locally")
	}

	tracker := connectivity.NewTracker(cfg.ConnectivityConfig(), logger)
	metricsSrv := metrics.NewServer(st, tracker, logger)

	if client != nil {
		sender := client
		tracker.RegisterDrainHook(func(ctx context.Context) {
			err := st.Replay(ctx, sender)
			metricsSrv.RecordReplay(err)
			if err != nil {
				logger.Warn("Backlog replay after reconnect failed", "error", err)
				journal.Record(telem.KindReplay, "replay failed", map[string]interface{}{"error": err.Error()})
				return
			}
			journal.Record(telem.KindReplay, "backlog replayed", nil)
		})
	}

	// Positioning sources. Each one degrades to unavailable rather than
	// failing startup when its hardware or credential is missing.
	var (
		live    sources.PositioningCapability
		gnssSrc *sources.GNSSSource
	)
	if cfg.GNSSHost != "" {
		gnssSrc = sources.NewGNSSSource(1, cfg.GNSSHost, cfg.GNSSPort, cfg.GNSSTimeout(), logger)
		live = gnssSrc
	} else {
		logger.Warn("No GNSS gateway configured, live positioning disabled")
	}

	var scanner sources.APScanner
	if sources.HasIWInfo() {
		scanner = sources.NewIWInfoScanner("")
	}
	wifiSrc, err := sources.NewWiFiSource(2, cfg.WiFiAPIKey, scanner, logger)
	if err != nil {
		logger.Error("Failed to initialize wifi source", "error", err)
		os.Exit(1)
	}

	var reader sources.CellInfoReader
	if sources.HasGSMCtl() {
		reader = sources.NewGSMCellReader()
	}
	networkTimeout := time.Duration(cfg.NetworkTimeoutS) * time.Second
	cellSrc := sources.NewCellSource(3, cfg.CellAPIURL, cfg.CellAPIToken, reader, networkTimeout, logger)

	ipChain := sources.NewIPChain(4, cfg.DefaultLatitude, cfg.DefaultLongitude, networkTimeout, logger)
	ipChain.SetProviders(sources.DefaultIPProviders())

	cache := sources.NewCache(cfg.CacheMaxAccuracyM, logger)
	classifier := motion.NewClassifier(cfg.MotionConfig(), logger)

	loc := locator.New(cfg.LocatorConfig(), locator.Deps{
		Live:     live,
		Network:  []sources.Provider{wifiSrc, cellSrc},
		IPChain:  ipChain,
		Cache:    cache,
		Reporter: tracker,
	}, logger)

	publisher := mqtt.NewPublisher(&cfg.MQTT, logger)
	if err := publisher.Connect(); err != nil {
		logger.Warn("Local broker connection failed, continuing without mirror", "error", err)
	}
	defer publisher.Disconnect()

	tracker.SubscribeOnline(func(online bool) {
		metricsSrv.RecordTransition(online)
		reason := "backend unreachable"
		if online {
			reason = "backend reachable"
		}
		journal.Record(telem.KindConnectivity, reason, map[string]interface{}{"online": online})
		if err := publisher.PublishConnectivity(tracker.State(), reason); err != nil {
			logger.Debug("Connectivity publish failed", "error", err)
		}
	})

	// One trip segment per daemon run. Points attach to it as fixes arrive.
	segment := &pkg.OfflineTripSegment{
		ID:        pkg.NewSegmentID(time.Now()),
		VehicleID: cfg.VehicleID,
		UserID:    cfg.UserID,
		StartTime: time.Now().UTC(),
		Metadata:  pkg.SegmentMetadata{DeviceID: cfg.DeviceID},
	}
	if err := st.Append(segment); err != nil {
		logger.Error("Failed to open trip segment", "error", err)
		os.Exit(1)
	}
	journal.Record(telem.KindTrip, "segment started", map[string]interface{}{"segment_id": segment.ID})
	if err := publisher.PublishTripEvent("started", segment); err != nil {
		logger.Debug("Trip event publish failed", "error", err)
	}

	pipe := &pipeline{
		store:       st,
		client:      client,
		tracker:     tracker,
		classifier:  classifier,
		journal:     journal,
		metrics:     metricsSrv,
		publisher:   publisher,
		logger:      logger,
		segmentID:   segment.ID,
		syncTimeout: time.Duration(cfg.SyncTimeoutS) * time.Second,
	}
	loc.Subscribe(pipe.onResult)

	var healthSrv *health.Server
	if cfg.HealthListener {
		healthSrv = health.NewServer(AppVersion, logger)
		healthSrv.Register("store", func() interface{} { return st.Stats() })
		healthSrv.Register("connectivity", func() interface{} { return tracker.State() })
		healthSrv.Register("journal", journal.StatusSection)
		healthSrv.Register("location", func() interface{} {
			res, ok := loc.Current()
			if !ok {
				return map[string]interface{}{"acquired": false}
			}
			return res
		})
		healthSrv.Register("sources", func() interface{} {
			section := map[string]interface{}{
				"wifi": wifiSrc.Health(),
				"cell": cellSrc.Health(),
				"ip":   ipChain.Health(),
			}
			if gnssSrc != nil {
				section["gnss"] = gnssSrc.Health()
			}
			return section
		})
		healthSrv.SetReplayTrigger(func(ctx context.Context) error {
			if client == nil {
				return fmt.Errorf("no sync endpoint configured")
			}
			err := st.Replay(ctx, client)
			metricsSrv.RecordReplay(err)
			return err
		})
		if err := healthSrv.Start(cfg.HealthPort); err != nil {
			logger.Error("Failed to start health server", "error", err, "port", cfg.HealthPort)
			os.Exit(1)
		}
	}
	if cfg.MetricsListener {
		if err := metricsSrv.Start(cfg.MetricsPort); err != nil {
			logger.Error("Failed to start metrics server", "error", err, "port", cfg.MetricsPort)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	tracker.Start(ctx)
	loc.Start(ctx)

	startTime := time.Now()
	heartbeatTicker := time.NewTicker(10 * time.Second)
	go writeHeartbeat(ctx, heartbeatTicker, startTime, cfg, tracker, logger)

	statusTicker := time.NewTicker(time.Minute)
	go statusLoop(ctx, statusTicker, st, tracker, loc, publisher, logger)

	logger.Info("Location daemon running",
		"live_positioning", live != nil,
		"sync_configured", client != nil,
		"health_listener", cfg.HealthListener,
		"metrics_listener", cfg.MetricsListener,
	)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("Refresh requested", "signal", sig)
			loc.Refresh()
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()
	heartbeatTicker.Stop()
	statusTicker.Stop()

	loc.Stop()
	tracker.Stop()

	closeSegment(st, segment.ID, journal, publisher, logger)

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if cfg.MetricsListener {
		metricsSrv.Stop()
	}

	logger.Info("Location daemon stopped", "uptime_s", int64(time.Since(startTime).Seconds()))
}

// pipeline routes each acquisition result into the trip store, the sync
// client and the reporting surfaces.
type pipeline struct {
	store       *store.Store
	client      *backend.Client
	tracker     *connectivity.Tracker
	classifier  *motion.Classifier
	journal     *telem.Journal
	metrics     *metrics.Server
	publisher   *mqtt.Publisher
	logger      *logx.Logger
	segmentID   string
	syncTimeout time.Duration
}

func (p *pipeline) onResult(res locator.Result) {
	if !res.OK() {
		p.metrics.RecordAcquisitionFailure(res.Cause)
		p.journal.Record(telem.KindAcquisition, "acquisition failed", map[string]interface{}{
			"cause":     res.Cause,
			"attempted": res.AttemptedSources,
		})
		return
	}

	sample := res.Location.LocationSample
	moving, moveConfidence := p.classifier.Classify(&sample)

	p.metrics.RecordAcquisition(sample.Source, res.Tier, sample.Confidence)
	p.journal.Record(telem.KindAcquisition, "location acquired", map[string]interface{}{
		"source":     sample.Source,
		"tier":       res.Tier,
		"accuracy_m": sample.Accuracy,
		"confidence": sample.Confidence,
		"moving":     moving,
	})
	if err := p.publisher.PublishLocation(res.Location, res.Tier); err != nil {
		p.logger.Debug("Location publish failed", "error", err)
	}

	p.record(pkg.TripPoint{
		Timestamp:          res.CompletedAt,
		IsMoving:           moving,
		MovementConfidence: moveConfidence,
		Location:           &sample,
	})
}

// record reports the point live when the backend is reachable and falls back
// to queueing it for replay otherwise. A point sent live is still appended to
// the segment so the local trip history stays complete.
func (p *pipeline) record(point pkg.TripPoint) {
	if p.client != nil && p.tracker.Online() {
		update := pkg.OfflineLocationUpdate{
			Latitude:   point.Location.Latitude,
			Longitude:  point.Location.Longitude,
			CapturedAt: point.Timestamp,
			TripID:     p.segmentID,
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.syncTimeout)
		err := p.client.SendUpdate(ctx, update, false)
		cancel()
		p.metrics.RecordSync(false, err)
		if err == nil {
			if err := p.store.RecordPoint(p.segmentID, point); err != nil {
				p.logger.Warn("Failed to record trip point", "error", err)
			}
			return
		}
		p.logger.Warn("Live update failed, queueing for replay", "error", err)
	}

	if err := p.store.AddPoint(p.segmentID, point); err != nil {
		p.logger.Warn("Failed to queue trip point", "error", err)
	}
}

// closeSegment finalizes this run's segment. A segment with nothing left in
// the pending queue was fully reported live and is marked synced directly.
func closeSegment(st *store.Store, segmentID string, journal *telem.Journal, publisher *mqtt.Publisher, logger *logx.Logger) {
	pending := false
	for _, update := range st.PendingUpdates() {
		if update.TripID == segmentID {
			pending = true
			break
		}
	}
	if !pending {
		if err := st.MarkSynced(segmentID); err != nil {
			logger.Warn("Failed to mark segment synced", "error", err)
		}
	}

	seg, ok := st.Segment(segmentID)
	if !ok {
		return
	}
	journal.Record(telem.KindTrip, "segment ended", map[string]interface{}{
		"segment_id": segmentID,
		"points":     len(seg.Points),
		"synced":     seg.Synced,
	})
	if err := publisher.PublishTripEvent("ended", &seg); err != nil {
		logger.Debug("Trip event publish failed", "error", err)
	}
}

// statusLoop logs a one-line daemon summary every minute and mirrors it to
// the local broker.
func statusLoop(ctx context.Context, ticker *time.Ticker, st *store.Store, tracker *connectivity.Tracker, loc *locator.Locator, publisher *mqtt.Publisher, logger *logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := st.Stats()
			state := tracker.State()

			status := map[string]interface{}{
				"online":            state.NetworkOnline,
				"gps_available":     state.GPSAvailable,
				"segments":          stats.TotalSegments,
				"unsynced_segments": stats.UnsyncedSegments,
				"pending_updates":   stats.PendingUpdates,
				"store_bytes":       stats.SerializedBytes,
			}
			if res, ok := loc.Current(); ok && res.OK() {
				status["source"] = res.Location.Source
				status["tier"] = res.Tier
				status["accuracy_m"] = res.Location.Accuracy
			}

			logger.Info("Daemon status",
				"online", state.NetworkOnline,
				"gps_available", state.GPSAvailable,
				"pending_updates", stats.PendingUpdates,
				"unsynced_segments", stats.UnsyncedSegments,
			)
			if err := publisher.PublishStatus(status); err != nil {
				logger.Debug("Status publish failed", "error", err)
			}
		}
	}
}

// writeHeartbeat writes liveness data to the heartbeat file every tick,
// atomically via a temp file rename.
func writeHeartbeat(ctx context.Context, ticker *time.Ticker, startTime time.Time, cfg *config.Config, tracker *connectivity.Tracker, logger *logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			status := "ok"
			if !tracker.Online() {
				status = "offline"
			}

			heartbeat := HeartbeatData{
				Timestamp:  time.Now().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Status:     status,
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
				DeviceID:   deviceID(cfg),
			}

			data, err := json.Marshal(heartbeat)
			if err != nil {
				logger.Error("Failed to marshal heartbeat data", "error", err)
				continue
			}

			tempFile, err := os.CreateTemp("/tmp", "fieldlocd-heartbeat-*.tmp")
			if err != nil {
				logger.Error("Failed to create temporary heartbeat file", "error", err)
				continue
			}
			tempFile.Close()

			if err := os.WriteFile(tempFile.Name(), data, 0o644); err != nil {
				logger.Error("Failed to write heartbeat file", "error", err, "file", tempFile.Name())
				os.Remove(tempFile.Name())
				continue
			}
			if err := os.Rename(tempFile.Name(), cfg.HeartbeatPath); err != nil {
				logger.Error("Failed to rename heartbeat file", "error", err, "to", cfg.HeartbeatPath)
				os.Remove(tempFile.Name())
				continue
			}
		}
	}
}

// deviceID prefers the configured identifier and falls back to the hostname.
func deviceID(cfg *config.Config) string {
	if cfg.DeviceID != "" {
		return cfg.DeviceID
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown"
}
