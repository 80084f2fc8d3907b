// Package api provides HTTP handlers and the main API server for TaskPipe.
//
// It exposes RESTful endpoints for submitting jobs, inspecting job state and
// execution history, managing message records, and health reporting.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/health"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Server configuration defaults.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultListLimit bounds message listings when the client does not set one.
	DefaultListLimit = 50
	// MaxListLimit caps client-requested listing sizes.
	MaxListLimit = 500
)

// Submitter accepts new jobs. The execution engine satisfies this.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload json.RawMessage) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithReadTimeout overrides the HTTP read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ReadTimeout = d }
}

// WithWriteTimeout overrides the HTTP write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WriteTimeout = d }
}

// Server is the TaskPipe HTTP API.
type Server struct {
	st        store.Store
	submitter Submitter
	health    *health.Aggregator

	httpServer *http.Server
}

// NewServer creates the API server over the given store, submitter, and
// health aggregator.
func NewServer(st store.Store, submitter Submitter, aggregator *health.Aggregator, opts ...Option) *Server {
	cfg := Opts{
		Addr:         DefaultAddr,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{st: st, submitter: submitter, health: aggregator}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.submitJobHandler)
	mux.HandleFunc("GET /jobs/{id}", s.getJobHandler)
	mux.HandleFunc("GET /jobs/{id}/log", s.getJobLogHandler)

	mux.HandleFunc("POST /messages", s.createMessageHandler)
	mux.HandleFunc("GET /messages", s.listMessagesHandler)
	mux.HandleFunc("GET /messages/{id}", s.getMessageHandler)

	mux.HandleFunc("GET /health/", s.healthHandler)
	mux.HandleFunc("GET /health/readiness/", s.readinessHandler)
	mux.HandleFunc("GET /health/liveness/", s.livenessHandler)

	return mux
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("Server.Start: API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: listen failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
