package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server is the management REST API server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// Config wires the admin server's dependencies: the listen address, an
// optional shared-secret API key, and the runtime components it reports
// on.
type Config struct {
	Listen      string
	APIKey      string
	Cache       CacheFlusher
	Store       HealthChecker
	Metrics     MetricsSnapshotFunc
	PromHandler http.Handler
}

// New builds a Server ready to ListenAndServe.
func New(cfg Config, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(slogRequestLogger(logger))

	h := &handler{
		cache:       cfg.Cache,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		promHandler: cfg.PromHandler,
		startTime:   time.Now(),
	}
	registerRoutes(engine, h, cfg.APIKey)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Engine exposes the underlying Gin engine for tests that exercise
// routes without a live listener.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
