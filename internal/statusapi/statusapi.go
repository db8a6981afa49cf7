// Package statusapi exposes the minimal JSON status/health surface
// `miel status` polls. It is deliberately not a dashboard: two GET
// endpoints (/status and /healthz), no embedded assets, no write
// operations.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"miel/internal/listen"
	"miel/internal/pool"
)

// ServiceStatus mirrors pool.Stats in the shape `miel status` prints.
type ServiceStatus struct {
	Service     string `json:"service"`
	Ready       int    `json:"ready"`
	Spawning    int    `json:"spawning"`
	Target      int    `json:"target"`
	BreakerOpen bool   `json:"breaker_open"`
	LastError   string `json:"last_error,omitempty"`
}

// Status is the full response body for GET /status.
type Status struct {
	Status           string          `json:"status"`
	UptimeSeconds    float64         `json:"uptime_seconds"`
	Services         []ServiceStatus `json:"services"`
	FilterRejected   int64           `json:"filter_rejected"`
	AdmissionDropped int64           `json:"admission_dropped"`
	RateLimited      int64           `json:"rate_limited"`
}

// PoolSource is the subset of *pool.Pool the API needs.
type PoolSource interface {
	AllStats() []pool.Stats
}

// ListenSource is the subset of *listen.Set the API needs.
type ListenSource interface {
	Snapshot() listen.Stats
}

// Server serves the status endpoint over HTTP.
type Server struct {
	http      *http.Server
	pool      PoolSource
	listeners ListenSource
	logger    *slog.Logger
	startedAt time.Time

	mu       sync.Mutex
	shutdown bool
}

// New builds a Server bound to addr (e.g. "127.0.0.1:9090"). It does not
// start listening until ListenAndServe is called.
func New(addr string, p PoolSource, l ListenSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pool:      p,
		listeners: l,
		logger:    logger,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the status API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var services []ServiceStatus
	for _, st := range s.pool.AllStats() {
		services = append(services, ServiceStatus{
			Service:     st.Service,
			Ready:       st.Ready,
			Spawning:    st.Spawning,
			Target:      st.Target,
			BreakerOpen: st.BreakerOpen,
			LastError:   st.LastError,
		})
	}

	listenStats := s.listeners.Snapshot()

	body := Status{
		Status:           "running",
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
		Services:         services,
		FilterRejected:   listenStats.FilterRejected,
		AdmissionDropped: listenStats.AdmissionDropped,
		RateLimited:      listenStats.RateLimited,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode status response failed", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	shuttingDown := s.shutdown
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
