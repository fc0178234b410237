// Package api serves the admin HTTP surface: Prometheus scrape endpoint,
// health probes, and a small JSON status/refresh API. It reads core
// state through narrow interfaces and never touches the LDAP path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
	"github.com/ldaptoid/ldaptoid/pkg/metrics"
)

// DefaultPort is the admin HTTP port.
const DefaultPort = 8389

// Config holds the admin server settings.
type Config struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	Port        int    `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`
}

// Core is the state the admin surface consults.
//
// Ready fails until the first snapshot is published; Healthy fails only
// when the refresh scheduler has halted.
type Core interface {
	Ready() bool
	Healthy() bool
	PersistenceDegraded() bool
	Current() *directory.Snapshot
	ForceRefresh(ctx context.Context) error
}

// Server is the admin HTTP server.
type Server struct {
	cfg  Config
	core Core
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, core Core) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	s := &Server{cfg: cfg, core: core}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve runs the server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin HTTP server listening", logger.KeyPort, s.cfg.Port)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.core.Healthy() {
		http.Error(w, "refresh scheduler halted", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz is the readiness probe.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.core.Ready() {
		http.Error(w, "no snapshot published", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusResponse is the JSON shape of GET /api/v1/status.
type statusResponse struct {
	Ready               bool      `json:"ready"`
	Healthy             bool      `json:"healthy"`
	PersistenceDegraded bool      `json:"persistence_degraded"`
	Sequence            uint64    `json:"sequence,omitempty"`
	GeneratedAt         time.Time `json:"generated_at,omitempty"`
	Users               int       `json:"users"`
	Groups              int       `json:"groups"`
	FeatureFlags        []string  `json:"feature_flags,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Ready:               s.core.Ready(),
		Healthy:             s.core.Healthy(),
		PersistenceDegraded: s.core.PersistenceDegraded(),
	}
	if snap := s.core.Current(); snap != nil {
		resp.Sequence = snap.Sequence
		resp.GeneratedAt = snap.GeneratedAt
		resp.Users = len(snap.Users)
		resp.Groups = len(snap.Groups)
		resp.FeatureFlags = snap.FeatureFlags
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ForceRefresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.handleStatus(w, r)
}
