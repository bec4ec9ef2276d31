// Package api provides the HTTP API of ShareTunnel.
// It exposes readiness and tunnel status, share creation, folder browsing,
// a websocket status stream, recent logs and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ShareTunnel/internal/api/middleware"
	"github.com/router-for-me/ShareTunnel/internal/app"
	"github.com/router-for-me/ShareTunnel/internal/config"
	"github.com/router-for-me/ShareTunnel/internal/logging"
	"github.com/router-for-me/ShareTunnel/internal/share"
	"github.com/router-for-me/ShareTunnel/internal/tunnel"
	log "github.com/sirupsen/logrus"
)

// Backend is the application state the API reads and drives. *app.App
// implements it.
type Backend interface {
	Ready() bool
	ServerStatus() app.ServerStatus
	Tunnel() tunnel.Snapshot
	CreateShare(ctx context.Context, req share.Request) (*share.Result, error)
	Hub() *app.Hub
}

// ServerOption customises API server construction.
type ServerOption func(*serverOptionConfig)

type serverOptionConfig struct {
	extraMiddleware []gin.HandlerFunc
	logs            *logging.RingBuffer
}

// WithMiddleware appends additional Gin middleware to the engine.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithLogBuffer serves /api/logs from buf instead of the global buffer.
func WithLogBuffer(buf *logging.RingBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.logs = buf
	}
}

// Server wraps the Gin engine and the HTTP server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	cfg     *config.Config
	backend Backend
	logs    *logging.RingBuffer
}

// NewServer creates the API server for backend.
func NewServer(cfg *config.Config, backend Backend, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{logs: logging.GlobalBuffer}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.PrometheusMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	middleware.SetMetricsEnabled(cfg.Metrics)

	s := &Server{
		engine:  engine,
		cfg:     cfg,
		backend: backend,
		logs:    optionState.logs,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", middleware.MetricsHandler())

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/tunnel", s.handleTunnel)
	api.POST("/shares", s.handleCreateShare)
	api.GET("/browse", s.handleBrowse)
	api.GET("/events", s.handleEvents)
	api.GET("/logs", s.handleLogs)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API listening on http://%s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("API server stopped")
	return nil
}
