// Package opserver serves the pipeline's narrow operational surface —
// /healthz and /metrics — adapted from the teacher's pkg/api.Server, cut
// down from its full job-CRUD API since spec.md scopes admin/query
// commands out.
package opserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/opserver/middleware"
	"github.com/runverify/replay-runner/internal/store"
)

// Server is the operational HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      store.Store
}

// Config holds the operational server's configuration.
type Config struct {
	Addr  string
	Store store.Store
}

// New builds a Server listening on cfg.Addr.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.TracingMiddleware("replay-runner"))
	router.Use(middleware.RateLimitMiddleware())

	s := &Server{router: router, store: cfg.Store}
	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves HTTP until Shutdown is called. Returns nil on a clean
// shutdown.
func (s *Server) Start() error {
	logging.Get().Info("opserver starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("opserver listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthz reports whether the store is reachable.
func (s *Server) healthz(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	if _, err := s.store.GetLatestSubmittedDate(c.Request.Context(), "__healthz__", "__healthz__"); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "timestamp": time.Now().UTC()})
}
