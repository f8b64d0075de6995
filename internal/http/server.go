// Package http serves the engine over a JSON API together with the
// Prometheus scrape endpoint and a health check.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the subset of the engine the API exposes.
type Engine interface {
	RecordMistake(ctx context.Context, mctx *mistake.Context, details *mistake.ErrorDetails, attempted *mistake.AttemptedSolution) (string, error)
	CheckForPotentialMistake(ctx context.Context, mctx *mistake.Context, proposed *engine.ProposedSolution, opts ...engine.CheckOption) (*engine.PreventionResult, error)
	VerifySolution(ctx context.Context, mistakeID string, correct *mistake.CorrectSolution) (*mistake.Record, error)
	RecordRuleOutcome(ctx context.Context, ruleID string, outcome rules.Outcome) (rules.Rule, error)
	GetSuggestedCorrection(ctx context.Context, mctx *mistake.Context, errorType string) *engine.CorrectionSuggestion
	GetFieldMappingGuidance(ctx context.Context, source, target, field string) *mapping.Guidance
	GetStructureGuidance(ctx context.Context, structureType, structureContext string) *structure.Guidance
	GetMistake(ctx context.Context, id string) (*mistake.Record, error)
	GetMistakeHistory(ctx context.Context, projectID string, category mistake.Category) []*mistake.Record
	GetPreventionRules(ctx context.Context) []rules.Rule
	GetEffectivenessMetrics(ctx context.Context) engine.EffectivenessMetrics
	Insights() []mistake.Insight
}

// HealthFunc reports component health for /healthz. A non-nil error marks
// the service degraded.
type HealthFunc func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	Version         string
	ShutdownTimeout time.Duration
}

// Server provides the preventd HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *zap.Logger
	config *Config
	checks map[string]HealthFunc
}

// Option customises a Server.
type Option func(*Server)

// WithHealthCheck adds a named component to /healthz.
func WithHealthCheck(name string, fn HealthFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.checks[name] = fn
		}
	}
}

// NewServer creates the server. A nil gatherer leaves /metrics unregistered.
func NewServer(eng Engine, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:9464"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).Middleware())

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger,
		config: cfg,
		checks: make(map[string]HealthFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/healthz", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/mistakes", s.handleRecord)
	v1.GET("/mistakes", s.handleHistory)
	v1.GET("/mistakes/:id", s.handleGetMistake)
	v1.POST("/mistakes/:id/verify", s.handleVerify)
	v1.POST("/check", s.handleCheck)
	v1.POST("/corrections", s.handleCorrection)
	v1.GET("/rules", s.handleRules)
	v1.POST("/rules/:id/outcome", s.handleOutcome)
	v1.GET("/guidance/mapping", s.handleMappingGuidance)
	v1.GET("/guidance/structure", s.handleStructureGuidance)
	v1.GET("/effectiveness", s.handleEffectiveness)
	v1.GET("/insights", s.handleInsights)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
		if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
