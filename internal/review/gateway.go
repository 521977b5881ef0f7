// Package review gates results behind human decisions.
//
// The Gateway turns approvals and corrections into memory records and
// holds escalated runs until someone resolves them. Intake applies the
// same rule set to OCR and ASR output before it reaches the structurer.
package review

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var tracer = otel.Tracer("mathmentor.review")

var (
	// ErrNotFound indicates an unknown pending review ID.
	ErrNotFound = errors.New("review not found")

	// ErrInvalidSubmission indicates a submission missing required fields.
	ErrInvalidSubmission = errors.New("invalid review submission")
)

// Recorder appends records to solution memory.
type Recorder interface {
	Store(ctx context.Context, rec memory.Record) (int64, error)
}

// Case is a completed attempt as seen by a reviewer.
type Case struct {
	InputType    problem.InputType    `json:"input_type"`
	RawInput     string               `json:"raw_input"`
	Problem      problem.Structured   `json:"parsed_problem"`
	Solution     problem.Solution     `json:"solution"`
	Verification problem.Verification `json:"verification"`
}

// Submission is a human decision on a Case.
type Submission struct {
	Case
	Feedback string `json:"feedback"`
	Approved bool   `json:"approved"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	memory  Recorder
	policy  *policy.Policy
	pending *Queue
	logger  *logging.Logger
}

// NewGateway creates a Gateway writing to rec. A nil policy uses policy.Default.
func NewGateway(rec Recorder, p *policy.Policy, logger *logging.Logger) *Gateway {
	if p == nil {
		p = policy.Default()
	}
	return &Gateway{
		memory:  rec,
		policy:  p,
		pending: NewQueue(),
		logger:  logging.OrNop(logger),
	}
}

// Pending returns the queue of escalated runs.
func (g *Gateway) Pending() *Queue { return g.pending }

// RequiresReview reports whether v must be confirmed by a human.
func (g *Gateway) RequiresReview(v problem.Verification) bool {
	return g.policy.NeedsReview(v.IsCorrect, v.Confidence)
}

// SubmitReview stores the decision as a memory record and returns its ID.
// The record's correctness is the reviewer's decision, not the verifier's.
func (g *Gateway) SubmitReview(ctx context.Context, sub Submission) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "Gateway.SubmitReview")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if sub.InputType == "" {
		sub.InputType = problem.InputText
	}
	if !sub.InputType.Valid() {
		return 0, fmt.Errorf("%w: unknown input type %q", ErrInvalidSubmission, sub.InputType)
	}
	if sub.RawInput == "" && sub.Problem.ProblemText == "" {
		return 0, fmt.Errorf("%w: raw input or problem text is required", ErrInvalidSubmission)
	}

	id, err := g.memory.Store(ctx, memory.Record{
		InputType:    sub.InputType,
		RawInput:     sub.RawInput,
		Problem:      sub.Problem,
		Solution:     sub.Solution,
		Verification: sub.Verification,
		UserFeedback: sub.Feedback,
		IsCorrect:    sub.Approved,
	})
	if err != nil {
		return 0, fmt.Errorf("recording review: %w", err)
	}
	span.SetAttributes(attribute.Int64("record_id", id), attribute.Bool("approved", sub.Approved))
	g.logger.Info(ctx, "review recorded", zap.Int64("record_id", id), zap.Bool("approved", sub.Approved))
	return id, nil
}

// Escalate queues c for review and returns its review ID.
func (g *Gateway) Escalate(ctx context.Context, c Case, reason string) string {
	id := g.pending.Enqueue(c, reason)
	g.logger.Info(ctx, "run escalated for review", zap.String("review_id", id), zap.String("reason", reason))
	return id
}

// Resolve submits the decision for a pending review and removes it from
// the queue. The entry stays queued if storing fails.
func (g *Gateway) Resolve(ctx context.Context, id, feedback string, approved bool) (int64, error) {
	item, ok := g.pending.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	memID, err := g.SubmitReview(ctx, Submission{Case: item.Case, Feedback: feedback, Approved: approved})
	if err != nil {
		return 0, err
	}
	g.pending.remove(id)
	return memID, nil
}
