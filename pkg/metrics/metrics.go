package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldtrack/fieldloc/pkg/connectivity"
	"github.com/fieldtrack/fieldloc/pkg/logx"
	"github.com/fieldtrack/fieldloc/pkg/store"
)

const namespace = "fieldloc"

// Server exposes Prometheus metrics for the daemon: acquisition outcomes are
// pushed by the caller, store and connectivity figures are pulled from their
// owners at scrape time.
type Server struct {
	logger     *logx.Logger
	registry   *prometheus.Registry
	httpServer *http.Server

	acquisitions *prometheus.CounterVec
	failures     *prometheus.CounterVec
	confidence   prometheus.Histogram
	transitions  *prometheus.CounterVec
	replays      *prometheus.CounterVec
	syncUpdates  *prometheus.CounterVec
}

// NewServer builds the metric set. Store and tracker are optional; their
// gauges are registered only when the dependency is present.
func NewServer(st *store.Store, tracker *connectivity.Tracker, logger *logx.Logger) *Server {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	s := &Server{
		logger:   logger,
		registry: registry,

		acquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Successful location acquisitions by source and accuracy tier.",
		}, []string{"source", "tier"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_failures_total",
			Help:      "Terminal acquisition failures by cause.",
		}, []string{"cause"}),

		confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_confidence",
			Help:      "Confidence score of returned locations.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_transitions_total",
			Help:      "Connectivity edges by direction.",
		}, []string{"direction"}),

		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Offline backlog replay runs by result.",
		}, []string{"result"}),

		syncUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_updates_total",
			Help:      "Location updates sent to the sync endpoint by mode and result.",
		}, []string{"mode", "result"}),
	}

	if st != nil {
		registerStoreFuncs(factory, st)
	}
	if tracker != nil {
		registerTrackerFuncs(factory, tracker)
	}

	return s
}

func registerStoreFuncs(factory promauto.Factory, st *store.Store) {
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_serialized_bytes",
		Help:      "Serialized size of the offline store.",
	}, func() float64 { return float64(st.Stats().SerializedBytes) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_segments",
		Help:      "Trip segments currently held in the offline store.",
	}, func() float64 { return float64(st.Stats().TotalSegments) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_unsynced_segments",
		Help:      "Trip segments not yet acknowledged by the sync endpoint.",
	}, func() float64 { return float64(st.Stats().UnsyncedSegments) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_pending_updates",
		Help:      "Location updates queued for replay.",
	}, func() float64 { return float64(st.Stats().PendingUpdates) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_pruned_segments_total",
		Help:      "Segments dropped by the storage budget.",
	}, func() float64 { return float64(st.Stats().PrunedSegments) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_dropped_updates_total",
		Help:      "Queued updates dropped with their pruned segment.",
	}, func() float64 { return float64(st.Stats().DroppedUpdates) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_replayed_updates_total",
		Help:      "Queued updates acknowledged during replay.",
	}, func() float64 { return float64(st.Stats().ReplayedUpdates) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Storage failures absorbed by the degraded in-memory mode.",
	}, func() float64 { return float64(st.Stats().StorageErrors) })
}

func registerTrackerFuncs(factory promauto.Factory, tracker *connectivity.Tracker) {
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectivity_online",
		Help:      "Whether the backend is currently reachable (1) or not (0).",
	}, func() float64 {
		if tracker.Online() {
			return 1
		}
		return 0
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gps_available",
		Help:      "Whether the positioning hardware currently has a fix (1) or not (0).",
	}, func() float64 {
		if tracker.HasGPS() {
			return 1
		}
		return 0
	})
}

// RecordAcquisition counts a successful acquisition and observes its
// confidence.
func (s *Server) RecordAcquisition(source, tier string, confidence float64) {
	s.acquisitions.WithLabelValues(source, tier).Inc()
	s.confidence.Observe(confidence)
}

// RecordAcquisitionFailure counts a terminal acquisition failure.
func (s *Server) RecordAcquisitionFailure(cause string) {
	if cause == "" {
		cause = "unknown"
	}
	s.failures.WithLabelValues(cause).Inc()
}

// RecordTransition counts one connectivity edge.
func (s *Server) RecordTransition(online bool) {
	direction := "offline"
	if online {
		direction = "online"
	}
	s.transitions.WithLabelValues(direction).Inc()
}

// RecordReplay counts the outcome of one backlog replay run.
func (s *Server) RecordReplay(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.replays.WithLabelValues(result).Inc()
}

// RecordSync counts one update send attempt. Mode is "live" for immediate
// reports and "backfill" for replayed backlog.
func (s *Server) RecordSync(backfill bool, err error) {
	mode := "live"
	if backfill {
		mode = "backfill"
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.syncUpdates.WithLabelValues(mode, result).Inc()
}

// Handler returns the scrape handler, mainly for embedding and tests.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on the given port.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "port", port)
	return nil
}

// Stop shuts the scrape endpoint down.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown failed", "error", err)
	}
}
