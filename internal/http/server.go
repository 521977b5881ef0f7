// Package http provides the HTTP API for mathmentor.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

// Runner executes pipeline requests.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// Services are the components the API exposes.
type Services struct {
	Runner    Runner
	Evaluator *evaluator.Evaluator
	Knowledge *knowledge.Base
	Memory    *memory.Store
	Gateway   *review.Gateway
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for mathmentor.
type Server struct {
	echo    *echo.Echo
	svc     Services
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i interface{}) error {
	return rv.v.Struct(i)
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc.Runner == nil || svc.Evaluator == nil || svc.Knowledge == nil || svc.Memory == nil || svc.Gateway == nil {
		return nil, errors.New("http: runner, evaluator, knowledge, memory and gateway are required")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	logger = logging.OrNop(logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with its ID and logs completion.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		c.SetRequest(c.Request().WithContext(ctx))

		if err := next(c); err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/solve", s.handleSolve)
	v1.POST("/evaluate", s.handleEvaluate)

	v1.POST("/knowledge/ingest", s.handleIngest)
	v1.GET("/knowledge/search", s.handleSearch)

	v1.GET("/reviews", s.handleListReviews)
	v1.POST("/reviews", s.handleSubmitReview)
	v1.POST("/reviews/:id", s.handleResolveReview)

	v1.GET("/memory", s.handleListMemory)
	v1.GET("/memory/similar", s.handleSimilar)
	v1.DELETE("/memory", s.handleClearMemory)
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
