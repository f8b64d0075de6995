package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RecordRequest is the request body for POST /api/v1/mistakes.
type RecordRequest struct {
	Context   *mistake.Context           `json:"context"`
	Error     *mistake.ErrorDetails      `json:"error"`
	Attempted *mistake.AttemptedSolution `json:"attempted,omitempty"`
}

// RecordResponse is the response body for POST /api/v1/mistakes.
type RecordResponse struct {
	ID string `json:"id"`
}

// CheckRequest is the request body for POST /api/v1/check.
type CheckRequest struct {
	Context  *mistake.Context         `json:"context"`
	Proposed *engine.ProposedSolution `json:"proposed,omitempty"`
	AutoFix  bool                     `json:"auto_fix,omitempty"`
}

// CorrectionRequest is the request body for POST /api/v1/corrections.
type CorrectionRequest struct {
	Context   *mistake.Context `json:"context"`
	ErrorType string           `json:"error_type"`
}

// OutcomeRequest is the request body for POST /api/v1/rules/:id/outcome.
type OutcomeRequest struct {
	Outcome rules.Outcome `json:"outcome"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleRecord(c echo.Context) error {
	var req RecordRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid record request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.engine.RecordMistake(c.Request().Context(), req.Context, req.Error, req.Attempted)
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusCreated, RecordResponse{ID: id})
}

func (s *Server) handleHistory(c echo.Context) error {
	records := s.engine.GetMistakeHistory(c.Request().Context(),
		c.QueryParam("project"), mistake.Category(c.QueryParam("category")))
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleGetMistake(c echo.Context) error {
	rec, err := s.engine.GetMistake(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleVerify(c echo.Context) error {
	var sol mistake.CorrectSolution
	if err := c.Bind(&sol); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := s.engine.VerifySolution(c.Request().Context(), c.Param("id"), &sol)
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCheck(c echo.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var opts []engine.CheckOption
	if req.AutoFix {
		opts = append(opts, engine.WithAutoFix())
	}
	res, err := s.engine.CheckForPotentialMistake(c.Request().Context(), req.Context, req.Proposed, opts...)
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCorrection(c echo.Context) error {
	var req CorrectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Context == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "context field is required")
	}
	return c.JSON(http.StatusOK, s.engine.GetSuggestedCorrection(c.Request().Context(), req.Context, req.ErrorType))
}

func (s *Server) handleRules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.GetPreventionRules(c.Request().Context()))
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := s.engine.RecordRuleOutcome(c.Request().Context(), c.Param("id"), req.Outcome)
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleMappingGuidance(c echo.Context) error {
	source, target, field := c.QueryParam("source"), c.QueryParam("target"), c.QueryParam("field")
	if source == "" || target == "" || field == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source, target and field are required")
	}
	return c.JSON(http.StatusOK, s.engine.GetFieldMappingGuidance(c.Request().Context(), source, target, field))
}

func (s *Server) handleStructureGuidance(c echo.Context) error {
	structureType := c.QueryParam("type")
	if structureType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}
	return c.JSON(http.StatusOK, s.engine.GetStructureGuidance(c.Request().Context(), structureType, c.QueryParam("context")))
}

func (s *Server) handleEffectiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.GetEffectivenessMetrics(c.Request().Context()))
}

func (s *Server) handleInsights(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Insights())
}

// engineError maps engine sentinels to HTTP statuses.
func (s *Server) engineError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNilContext),
		errors.Is(err, engine.ErrNilErrorDetails),
		errors.Is(err, engine.ErrNilSolution),
		errors.Is(err, rules.ErrInvalidOutcome):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrMistakeNotFound), errors.Is(err, engine.ErrRuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("engine request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
