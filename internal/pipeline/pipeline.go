// Package pipeline runs one problem through intake, structuring, routing,
// solving, verification and either explanation or human review.
//
// A run is strictly sequential. Runs share nothing but solution memory and
// the pending review queue, so a Runner may serve concurrent requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
	"github.com/fyrsmithlabs/mathmentor/internal/router"
)

var tracer = otel.Tracer("mathmentor.pipeline")

// ErrInvalidRequest indicates a request the pipeline cannot start.
var ErrInvalidRequest = errors.New("invalid pipeline request")

// Stage is where a run stopped.
type Stage string

const (
	StageIntakeReview  Stage = "intake_review"
	StageClarification Stage = "clarification"
	StageHumanReview   Stage = "human_review"
	StageExplained     Stage = "explained"
)

// AutoRecordFeedback marks records stored automatically after a run.
const AutoRecordFeedback = "auto-recorded"

// DefaultSimilarLimit is how many past solutions a run looks up.
const DefaultSimilarLimit = 3

// Stage collaborators.
type (
	Structurer interface {
		Structure(ctx context.Context, raw string) problem.ParseResult
	}
	Router interface {
		Route(ctx context.Context, sp problem.Structured) (problem.Route, error)
	}
	Solver interface {
		Solve(ctx context.Context, sp problem.Structured, route problem.Route) problem.Solution
	}
	Verifier interface {
		Verify(ctx context.Context, sp problem.Structured, route problem.Route, sol problem.Solution) problem.Verification
	}
	Explainer interface {
		Explain(ctx context.Context, sp problem.Structured, sol problem.Solution, v problem.Verification) string
	}
	Memory interface {
		Store(ctx context.Context, rec memory.Record) (int64, error)
		RetrieveSimilar(ctx context.Context, problemText string, limit int) ([]memory.Record, error)
	}
)

// Deps are the collaborators of a Runner. Memory may be nil, which
// disables past-solution lookup and auto recording.
type Deps struct {
	Structurer Structurer
	Router     Router
	Solver     Solver
	Verifier   Verifier
	Explainer  Explainer
	Memory     Memory
	Gateway    *review.Gateway
	Intake     *review.Intake
	Logger     *logging.Logger
}

// Options tune a Runner.
type Options struct {
	AutoRecord   bool
	SimilarLimit int
}

// Request is one problem submission.
type Request struct {
	InputType  problem.InputType  `json:"input_type"`
	RawInput   string             `json:"raw_input"`
	Extraction *review.Extraction `json:"extraction,omitempty"`
}

// Report is everything a run produced. Fields past the stopping stage are
// left empty.
type Report struct {
	RunID        string                `json:"run_id"`
	Stage        Stage                 `json:"stage"`
	InputType    problem.InputType     `json:"input_type"`
	Intake       review.Decision       `json:"intake"`
	Problem      *problem.Structured   `json:"structured_problem,omitempty"`
	Route        *problem.Route        `json:"route,omitempty"`
	Solution     *problem.Solution     `json:"solution,omitempty"`
	Verification *problem.Verification `json:"verification,omitempty"`
	Explanation  string                `json:"explanation,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	ReviewID     string                `json:"review_id,omitempty"`
	MemoryID     int64                 `json:"memory_id,omitempty"`
	Similar      []memory.Record       `json:"similar_solutions"`
	Duration     time.Duration         `json:"duration_ns"`
}

// Runner is safe for concurrent use.
type Runner struct {
	deps    Deps
	opts    Options
	metrics *Metrics
	logger  *logging.Logger
}

// New creates a Runner.
func New(deps Deps, opts Options) (*Runner, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"structurer": deps.Structurer != nil,
		"router":     deps.Router != nil,
		"solver":     deps.Solver != nil,
		"verifier":   deps.Verifier != nil,
		"explainer":  deps.Explainer != nil,
		"gateway":    deps.Gateway != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if deps.Intake == nil {
		deps.Intake = review.NewIntake(nil)
	}
	if opts.SimilarLimit <= 0 {
		opts.SimilarLimit = DefaultSimilarLimit
	}
	logger := logging.OrNop(deps.Logger)
	return &Runner{deps: deps, opts: opts, metrics: NewMetrics(logger), logger: logger}, nil
}

// Run executes one request. The only errors are an invalid request and
// context cancellation; every stage failure is folded into the Report.
func (r *Runner) Run(ctx context.Context, req Request) (report Report, err error) {
	start := time.Now()
	report = Report{RunID: uuid.NewString(), InputType: req.InputType, Similar: []memory.Record{}}
	if report.InputType == "" {
		report.InputType = problem.InputText
	}
	if !report.InputType.Valid() {
		return Report{}, fmt.Errorf("%w: unknown input type %q", ErrInvalidRequest, req.InputType)
	}

	ctx = logging.WithRunID(ctx, report.RunID)
	ctx, span := tracer.Start(ctx, "Runner.Run")
	defer func() {
		report.Duration = time.Since(start)
		span.SetAttributes(attribute.String("stage", string(report.Stage)))
		span.End()
		if err == nil {
			r.metrics.RecordRun(ctx, report.Stage, report.Duration)
			r.logger.Info(ctx, "pipeline run finished",
				zap.String("stage", string(report.Stage)),
				zap.Duration("duration", report.Duration))
		}
	}()

	// Intake.
	report.Intake = r.deps.Intake.Gate(extraction(req, report.InputType), report.InputType)
	if !report.Intake.Accepted {
		report.Stage = StageIntakeReview
		report.Reason = report.Intake.Reason
		return report, nil
	}

	// Structure and route.
	sp := r.deps.Structurer.Structure(logging.WithStage(ctx, "structure"), report.Intake.Text).Problem()
	report.Problem = &sp
	route, rerr := r.deps.Router.Route(logging.WithStage(ctx, "route"), sp)
	if errors.Is(rerr, router.ErrNeedsClarification) || sp.NeedsClarification {
		report.Stage = StageClarification
		report.Reason = sp.ClarificationReason
		return report, nil
	}
	if rerr != nil {
		return Report{}, fmt.Errorf("routing: %w", rerr)
	}
	report.Route = &route

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report.Similar = r.similar(ctx, sp)

	// Solve and verify.
	sol := r.deps.Solver.Solve(logging.WithStage(ctx, "solve"), sp, route)
	report.Solution = &sol
	v := r.deps.Verifier.Verify(logging.WithStage(ctx, "verify"), sp, route, sol)
	report.Verification = &v

	c := review.Case{
		InputType:    report.InputType,
		RawInput:     req.RawInput,
		Problem:      sp,
		Solution:     sol,
		Verification: v,
	}
	report.MemoryID = r.autoRecord(ctx, c)

	if r.deps.Gateway.RequiresReview(v) {
		report.Stage = StageHumanReview
		report.Reason = reviewReason(v)
		report.ReviewID = r.deps.Gateway.Escalate(ctx, c, report.Reason)
		return report, nil
	}

	report.Explanation = r.deps.Explainer.Explain(logging.WithStage(ctx, "explain"), sp, sol, v)
	report.Stage = StageExplained
	return report, nil
}

// extraction returns the text the intake gate judges. Without an explicit
// extraction the raw input stands in; audio gets the transcript length
// heuristic.
func extraction(req Request, inputType problem.InputType) review.Extraction {
	if req.Extraction != nil {
		return *req.Extraction
	}
	ex := review.Extraction{Text: req.RawInput}
	if inputType == problem.InputAudio {
		ex.Confidence = review.EstimateTranscriptConfidence(req.RawInput)
	}
	return ex
}

func (r *Runner) similar(ctx context.Context, sp problem.Structured) []memory.Record {
	if r.deps.Memory == nil {
		return []memory.Record{}
	}
	recs, err := r.deps.Memory.RetrieveSimilar(ctx, sp.ProblemText, r.opts.SimilarLimit)
	if err != nil {
		r.logger.Warn(ctx, "past solution lookup failed", zap.Error(err))
		return []memory.Record{}
	}
	return recs
}

func (r *Runner) autoRecord(ctx context.Context, c review.Case) int64 {
	if !r.opts.AutoRecord || r.deps.Memory == nil {
		return 0
	}
	id, err := r.deps.Memory.Store(ctx, memory.Record{
		InputType:    c.InputType,
		RawInput:     c.RawInput,
		Problem:      c.Problem,
		Solution:     c.Solution,
		Verification: c.Verification,
		UserFeedback: AutoRecordFeedback,
		IsCorrect:    false,
	})
	if err != nil {
		r.logger.Error(ctx, "auto-recording run failed", zap.Error(err))
		return 0
	}
	return id
}

func reviewReason(v problem.Verification) string {
	if !v.IsCorrect {
		if len(v.Issues) > 0 {
			return "verification failed: " + strings.Join(v.Issues, "; ")
		}
		return "verification marked the solution incorrect"
	}
	return fmt.Sprintf("verification confidence %.2f below threshold", v.Confidence)
}
