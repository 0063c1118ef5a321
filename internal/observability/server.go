// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability exposes plugind metrics and health checks over HTTP.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc returns nil when the dependency it checks can serve requests.
type CheckFunc func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithCheck adds a named readiness check. All checks must pass for
// /healthz/readiness to answer 200.
func WithCheck(name string, fn CheckFunc) Option {
	return func(s *Server) { s.checks[name] = fn }
}

// WithCheckTimeout overrides DefaultCheckTimeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Server) { s.checkTimeout = d }
}

// Server serves /metrics plus liveness and readiness checks.
type Server struct {
	addr         string
	registry     *prometheus.Registry
	metrics      *Metrics
	checks       map[string]CheckFunc
	checkTimeout time.Duration
	handler      http.Handler

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// NewServer builds a server for addr ("host:port"). Nothing listens until
// Start is called.
func NewServer(addr string, opts ...Option) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)

	s := &Server{
		addr:         addr,
		registry:     reg,
		metrics:      NewMetrics(reg),
		checks:       make(map[string]CheckFunc),
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("GET /healthz/liveness", s.liveness)
	mux.HandleFunc("GET /healthz/readiness", s.readiness)
	s.handler = mux
	return s
}

// Metrics returns the collectors registered on this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background. A serve failure is
// delivered on the returned channel; the channel closes once serving ends.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil, oops.Code("OBSERVABILITY_RUNNING").Errorf("observability server already started on %s", s.listener.Addr())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.Code("OBSERVABILITY_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.listener, s.http = ln, srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		slog.Error("observability server stopped unexpectedly", "addr", ln.Addr().String(), "error", err)
		errCh <- err
	}()
	return errCh, nil
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends.
// Stopping a server that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return oops.Code("OBSERVABILITY_SHUTDOWN_FAILED").Wrap(err)
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, readinessReport{Status: "ok"})
}

type readinessReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	report := readinessReport{Status: "ok", Checks: make(map[string]string, len(s.checks))}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
		err := s.checks[name](ctx)
		cancel()
		if err != nil {
			report.Checks[name] = err.Error()
			report.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		report.Checks[name] = "ok"
	}
	if code != http.StatusOK {
		slog.WarnContext(r.Context(), "readiness check failed", "checks", report.Checks)
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // the client may already have hung up
	json.NewEncoder(w).Encode(v)
}
