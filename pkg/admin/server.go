// Package admin serves the cluster node's diagnostics and control API over
// HTTP: status, leader lookup, log submission, apply resume, leadership
// handoff, Prometheus metrics and health.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
)

// ClusterNode is the part of cluster.Node the admin API drives
type ClusterNode interface {
	ID() cluster.PeerID
	ClusterStatus(ctx context.Context) (cluster.Status, error)
	CurrentLeader(ctx context.Context, shard cluster.ShardID) (cluster.PeerID, bool, error)
	Submit(ctx context.Context, shard cluster.ShardID, payload []byte) (uint64, error)
	SubmitAndWait(ctx context.Context, shard cluster.ShardID, payload []byte) (uint64, error)
	ResumeApply(ctx context.Context) error
	StepDown(ctx context.Context, shard cluster.ShardID) error
}

// Config configures the admin server
type Config struct {
	ListenAddr      string        // default: 127.0.0.1:7070
	RequestTimeout  time.Duration // Bound on calls into the node (default: 5s)
	WaitTimeout     time.Duration // Bound on submit with wait=true (default: 30s)
	ShutdownTimeout time.Duration // default: 5s
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7070"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server routes admin requests to a ClusterNode
type Server struct {
	cfg       Config
	node      ClusterNode
	metrics   *metrics.Registry
	logger    logging.Logger
	router    *mux.Router
	startTime time.Time
}

// NewServer builds the router. Nothing listens until ListenAndServe.
func NewServer(cfg Config, node ClusterNode, reg *metrics.Registry, logger logging.Logger) *Server {
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	s := &Server{
		cfg:       cfg.withDefaults(),
		node:      node,
		metrics:   reg,
		logger:    logger.With(logging.Component("admin")),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()

	// Cluster endpoints
	r.HandleFunc("/cluster/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster/shards/{shard}/leader", s.handleLeader).Methods(http.MethodGet)
	r.HandleFunc("/cluster/shards/{shard}/entries", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/cluster/shards/{shard}/stepdown", s.handleStepDown).Methods(http.MethodPost)
	r.HandleFunc("/cluster/apply/resume", s.handleResumeApply).Methods(http.MethodPost)

	// Monitoring endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(requestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)

	s.router = r
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", logging.Addr(s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
