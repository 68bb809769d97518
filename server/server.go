// Package server exposes a tile store over HTTP.
//
// Routes:
//
//	POST /v1/snapshots                      create a snapshot
//	GET  /v1/snapshots?limit=N              list snapshots, most recent first
//	GET  /v1/snapshots/:id                  get a snapshot
//	GET  /v1/snapshots/:id/lineage          list ancestors
//	GET  /v1/snapshots/:id/usage            tile usage of a snapshot
//	POST /v1/snapshots/:id/merge            acknowledge a merge request
//	POST /v1/tiles                          ingest tiles
//	GET  /v1/tiles/:stream/:snapshot/:level/:x/:y
//	POST /v1/prefetch                       log query hints
//	POST /v1/query                          plan a tile selection
//	POST /v1/replay                         acknowledge a replay request
//	GET  /healthz
//	GET  /metrics
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/planner"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPlanner replaces the default planner.
func WithPlanner(p *planner.Planner) Option {
	return func(s *Server) { s.planner = p }
}

// WithMetrics exposes gatherer on /metrics and counts requests in c. Either
// may be nil.
func WithMetrics(gatherer prometheus.Gatherer, c *PrometheusCollector) Option {
	return func(s *Server) {
		s.gatherer = gatherer
		s.collector = c
	}
}

// Server serves the HTTP API.
type Server struct {
	store     *him.Store
	planner   *planner.Planner
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	collector *PrometheusCollector
	engine    *gin.Engine
}

// New creates a server for store.
func New(store *him.Store, opts ...Option) *Server {
	s := &Server{
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.planner == nil {
		s.planner = planner.New(store)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/snapshots", s.handleCreateSnapshot)
		v1.GET("/snapshots", s.handleListSnapshots)
		v1.GET("/snapshots/:id", s.handleGetSnapshot)
		v1.GET("/snapshots/:id/lineage", s.handleLineage)
		v1.GET("/snapshots/:id/usage", s.handleUsage)
		v1.POST("/snapshots/:id/merge", s.handleMerge)

		v1.POST("/tiles", s.handlePutTiles)
		v1.GET("/tiles/:stream/:snapshot/:level/:x/:y", s.handleGetTile)

		v1.POST("/prefetch", s.handlePrefetch)
		v1.POST("/query", s.handleQuery)
		v1.POST("/replay", s.handleReplay)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observe logs each request and counts it by route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		if s.collector != nil {
			s.collector.recordRequest(route, code)
		}
		level := slog.LevelDebug
		if code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration", time.Since(start),
		)
	}
}

func httpCode(code int) string { return strconv.Itoa(code) }
