package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"candleflow/config"
	"candleflow/internal/models"
	"candleflow/logger"
)

// JobService is the tracker surface the API depends on.
type JobService interface {
	Submit(req models.FetchRequest) (*models.FetchJob, error)
	SubmitAndWait(ctx context.Context, req models.FetchRequest) (*models.FetchJob, error)
	Status(id string) (*models.FetchJob, bool)
	Active() []*models.FetchJob
}

// SymbolService resolves and validates perpetual symbols.
type SymbolService interface {
	Perpetuals(ctx context.Context) ([]string, error)
	Validate(ctx context.Context, requested []string) (valid, unknown []string, err error)
	TradingViewPerp(ctx context.Context) (string, error)
}

// Pinger checks store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server hosts the ingestion HTTP API: job submission and tracking plus the
// symbol and interval catalogs.
type Server struct {
	cfg        config.ServerConfig
	jobs       JobService
	symbols    SymbolService
	store      Pinger
	log        *logger.Log
	httpServer *http.Server
}

func New(cfg config.ServerConfig, jobs JobService, symbols SymbolService, store Pinger, log *logger.Log) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		symbols: symbols,
		store:   store,
		log:     log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{
		"addr": s.cfg.Addr,
	}).Info("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.POST("/fetch", s.handleFetch)
		api.GET("/fetch/active", s.handleActive)
		api.GET("/fetch/:id/status", s.handleStatus)
		api.GET("/symbols", s.handleSymbols)
		api.GET("/symbols/perp-tradingview", s.handleTradingView)
		api.GET("/intervals", s.handleIntervals)
		api.GET("/health", s.handleHealth)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithComponent("server").WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
		}).Debug("request handled")
	}
}
