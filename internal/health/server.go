// Package health provides an optional HTTP server exposing liveness,
// status and Prometheus metrics endpoints for auxrelay.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinstash/auxrelay/internal/config"
	"github.com/coinstash/auxrelay/internal/logging"
)

// Status is the payload served on /status.
type Status struct {
	Host            string `json:"host"`
	RelayPort       int    `json:"relay_port"`
	ParamsAvailable bool   `json:"params_available"`
	ChainID         string `json:"chain_id,omitempty"`
	BytesToNode     uint64 `json:"bytes_to_node"`
	BytesToClient   uint64 `json:"bytes_to_client"`
}

// StatusFunc supplies the current status snapshot.
type StatusFunc func() Status

// Server serves /healthz, /status and /metrics.
type Server struct {
	cfg      config.HealthConfig
	statusFn StatusFunc
	gatherer prometheus.Gatherer
	log      *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a health server. A nil gatherer uses the default
// Prometheus registry.
func NewServer(cfg config.HealthConfig, statusFn StatusFunc, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		statusFn: statusFn,
		gatherer: gatherer,
		log:      log.With(logging.KeyComponent, "health"),
	}
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("health: server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("serve failed", logging.KeyError, err)
		}
	}()

	s.log.Info("listening", logging.KeyLocalAddr, listener.Addr().String())
	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	if s.statusFn != nil {
		status = s.statusFn()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encode status failed", logging.KeyError, err)
	}
}
