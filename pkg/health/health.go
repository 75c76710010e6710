package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Server answers liveness and status queries for the daemon and exposes a
// manual trigger for replaying the offline backlog. Components contribute
// status sections by registering a snapshot function.
type Server struct {
	logger  *logx.Logger
	started time.Time
	version string

	mu       sync.RWMutex
	sections map[string]func() interface{}
	replay   func(ctx context.Context) error

	httpServer *http.Server
}

// NewServer creates the health surface. Version is reported on /healthz.
func NewServer(version string, logger *logx.Logger) *Server {
	return &Server{
		logger:   logger,
		started:  time.Now(),
		version:  version,
		sections: make(map[string]func() interface{}),
	}
}

// Register adds a named status section. The function is called on every
// /status request and must be safe for concurrent use.
func (s *Server) Register(name string, fn func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = fn
}

// SetReplayTrigger installs the function behind POST /replay.
func (s *Server) SetReplayTrigger(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = fn
}

// Handler returns the route set, mainly for embedding and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/replay", s.handleReplay)
	return mux
}

// Start serves the health endpoints on the given port.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()

	s.logger.Info("health server started", "port", port)
	return nil
}

// Stop shuts the health endpoints down.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("health server shutdown failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  s.version,
		"uptime_s": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	fns := make(map[string]func() interface{}, len(s.sections))
	for name, fn := range s.sections {
		fns[name] = fn
	}
	s.mu.RUnlock()

	sections := make(map[string]interface{}, len(fns))
	for name, fn := range fns {
		sections[name] = fn()
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"version":   s.version,
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"sections":  sections,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	replay := s.replay
	s.mu.RUnlock()

	if replay == nil {
		http.Error(w, "replay not available", http.StatusNotImplemented)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	s.logger.Info("manual backlog replay requested")
	if err := replay(ctx); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode health response", "error", err)
	}
}
