package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxSearchK       = 50
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Chunks int    `json:"chunks"`
}

// SolveRequest is the request body for POST /api/v1/solve.
type SolveRequest struct {
	InputType  problem.InputType  `json:"input_type"`
	RawInput   string             `json:"raw_input"`
	Extraction *review.Extraction `json:"extraction,omitempty"`
}

// EvaluateRequest is the request body for POST /api/v1/evaluate.
type EvaluateRequest struct {
	Expression string             `json:"expression" validate:"required"`
	Bindings   map[string]float64 `json:"bindings,omitempty"`
}

// IngestRequest is the request body for POST /api/v1/knowledge/ingest.
type IngestRequest struct {
	Documents []knowledge.Document `json:"documents" validate:"required,min=1,dive"`
}

// IngestResponse is the response body for POST /api/v1/knowledge/ingest.
type IngestResponse struct {
	Chunks int `json:"chunks"`
}

// SearchResponse is the response body for GET /api/v1/knowledge/search.
type SearchResponse struct {
	Results []problem.RetrievalResult `json:"results"`
}

// ResolveRequest is the request body for POST /api/v1/reviews/:id.
type ResolveRequest struct {
	Feedback string `json:"feedback"`
	Approved bool   `json:"approved"`
}

// ReviewResponse is returned by both review submission endpoints.
type ReviewResponse struct {
	MemoryID int64 `json:"memory_id"`
}

// ReviewsResponse is the response body for GET /api/v1/reviews.
type ReviewsResponse struct {
	Pending []review.Pending `json:"pending"`
}

// MemoryResponse is the response body for the memory listing endpoints.
type MemoryResponse struct {
	Records []memory.Record `json:"records"`
	Stats   *memory.Stats   `json:"stats,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Chunks: s.svc.Knowledge.Count()})
}

func (s *Server) handleSolve(c echo.Context) error {
	var req SolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RawInput == "" && (req.Extraction == nil || req.Extraction.Text == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "raw_input or extraction.text is required")
	}

	report, err := s.svc.Runner.Run(c.Request().Context(), pipeline.Request{
		InputType:  req.InputType,
		RawInput:   req.RawInput,
		Extraction: req.Extraction,
	})
	if errors.Is(err, pipeline.ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "pipeline run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "pipeline run failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if len(req.Bindings) > 0 {
		return c.JSON(http.StatusOK, s.svc.Evaluator.SubstituteAndEvaluate(req.Expression, req.Bindings))
	}
	return c.JSON(http.StatusOK, s.svc.Evaluator.Evaluate(req.Expression))
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	n, err := s.svc.Knowledge.Ingest(c.Request().Context(), req.Documents)
	if errors.Is(err, knowledge.ErrInvalidDocument) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "knowledge ingest failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingest failed")
	}
	return c.JSON(http.StatusOK, IngestResponse{Chunks: n})
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k, err := intParam(c, "k", s.svc.Knowledge.TopK(), maxSearchK)
	if err != nil {
		return err
	}
	results, err := s.svc.Knowledge.Retrieve(c.Request().Context(), q, k)
	if err != nil {
		s.logger.Error(c.Request().Context(), "knowledge search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleListReviews(c echo.Context) error {
	return c.JSON(http.StatusOK, ReviewsResponse{Pending: s.svc.Gateway.Pending().List()})
}

func (s *Server) handleSubmitReview(c echo.Context) error {
	var sub review.Submission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.svc.Gateway.SubmitReview(c.Request().Context(), sub)
	if err != nil {
		return s.reviewError(c, err)
	}
	return c.JSON(http.StatusCreated, ReviewResponse{MemoryID: id})
}

func (s *Server) handleResolveReview(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.svc.Gateway.Resolve(c.Request().Context(), c.Param("id"), req.Feedback, req.Approved)
	if err != nil {
		return s.reviewError(c, err)
	}
	return c.JSON(http.StatusCreated, ReviewResponse{MemoryID: id})
}

func (s *Server) reviewError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, review.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInvalidSubmission):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error(c.Request().Context(), "review submission failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "review submission failed")
}

func (s *Server) handleListMemory(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	recs, err := s.svc.Memory.List(ctx, limit)
	if err != nil {
		return s.memoryError(c, err)
	}
	st, err := s.svc.Memory.Stats(ctx)
	if err != nil {
		return s.memoryError(c, err)
	}
	return c.JSON(http.StatusOK, MemoryResponse{Records: recs, Stats: &st})
}

func (s *Server) handleSimilar(c echo.Context) error {
	limit, err := intParam(c, "limit", pipeline.DefaultSimilarLimit, maxListLimit)
	if err != nil {
		return err
	}
	recs, err := s.svc.Memory.RetrieveSimilar(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return s.memoryError(c, err)
	}
	return c.JSON(http.StatusOK, MemoryResponse{Records: recs})
}

func (s *Server) handleClearMemory(c echo.Context) error {
	if err := s.svc.Memory.Clear(c.Request().Context()); err != nil {
		return s.memoryError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) memoryError(c echo.Context, err error) error {
	s.logger.Error(c.Request().Context(), "memory operation failed", zap.Error(err))
	if errors.Is(err, memory.ErrClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "memory operation failed")
}

func (s *Server) bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// intParam reads a positive integer query parameter capped at max.
func intParam(c echo.Context, name string, def, max int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
