package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

var errInvalidArgument = errors.New("invalid argument")

const maxResults = 50

type solveInput struct {
	RawInput   string             `json:"raw_input" jsonschema:"required,The problem text, or the OCR/ASR transcript"`
	InputType  string             `json:"input_type,omitempty" jsonschema:"text, image or audio (default text)"`
	Extraction *review.Extraction `json:"extraction,omitempty" jsonschema:"Extraction service output for image or audio input"`
}

type solveOutput struct {
	RunID       string  `json:"run_id" jsonschema:"Pipeline run identifier"`
	Stage       string  `json:"stage" jsonschema:"Stage the run stopped at"`
	Topic       string  `json:"topic,omitempty" jsonschema:"Routed topic"`
	Answer      string  `json:"answer,omitempty" jsonschema:"Solver answer text"`
	Verified    bool    `json:"verified" jsonschema:"Whether the verifier accepted the answer"`
	Confidence  float64 `json:"confidence" jsonschema:"Verifier confidence"`
	Explanation string  `json:"explanation,omitempty" jsonschema:"Step-by-step explanation for verified answers"`
	Reason      string  `json:"reason,omitempty" jsonschema:"Why the run stopped early"`
	ReviewID    string  `json:"review_id,omitempty" jsonschema:"Pending review identifier"`
	MemoryID    int64   `json:"memory_id,omitempty" jsonschema:"Auto-recorded memory record"`
	Similar     int     `json:"similar" jsonschema:"Number of accepted similar solutions found"`
}

func newSolveOutput(r pipeline.Report) solveOutput {
	out := solveOutput{
		RunID:       r.RunID,
		Stage:       string(r.Stage),
		Explanation: r.Explanation,
		Reason:      r.Reason,
		ReviewID:    r.ReviewID,
		MemoryID:    r.MemoryID,
		Similar:     len(r.Similar),
	}
	if r.Route != nil {
		out.Topic = string(r.Route.Topic)
	}
	if r.Solution != nil {
		out.Answer = r.Solution.AnswerText
	}
	if r.Verification != nil {
		out.Verified = r.Verification.IsCorrect
		out.Confidence = r.Verification.Confidence
	}
	return out
}

type evaluateInput struct {
	Expression string             `json:"expression" jsonschema:"required,Whitelisted math expression, e.g. binomial(5, 3) / 2^5"`
	Bindings   map[string]float64 `json:"bindings,omitempty" jsonschema:"Variable values to substitute before evaluating"`
}

type evaluateOutput struct {
	Success        bool     `json:"success" jsonschema:"Whether evaluation succeeded"`
	Result         string   `json:"result,omitempty" jsonschema:"Numeric value or canonical form"`
	NormalizedForm string   `json:"normalized_form,omitempty" jsonschema:"Canonical form of the expression"`
	Value          *float64 `json:"value,omitempty" jsonschema:"Numeric value for closed expressions"`
	Latex          string   `json:"latex,omitempty" jsonschema:"LaTeX rendering of the canonical form"`
	Error          string   `json:"error,omitempty" jsonschema:"Failure reason"`
}

type knowledgeSearchInput struct {
	Query string `json:"query" jsonschema:"required,Search text"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"Maximum number of chunks (default from configuration)"`
}

type knowledgeSearchOutput struct {
	Results []problem.RetrievalResult `json:"results" jsonschema:"Matching chunks with relevance scores"`
	Count   int                       `json:"count" jsonschema:"Number of results"`
}

type memorySimilarInput struct {
	ProblemText string `json:"problem_text" jsonschema:"required,Problem to find accepted solutions for"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum number of records (default 3)"`
}

type memorySimilarOutput struct {
	Records []map[string]interface{} `json:"records" jsonschema:"Accepted solutions, newest or most similar first"`
	Count   int                      `json:"count" jsonschema:"Number of records returned"`
}

func recordSummary(r memory.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":            r.ID,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"problem_text":  r.Problem.ProblemText,
		"topic":         string(r.Problem.Topic),
		"answer":        r.Solution.AnswerText,
		"user_feedback": r.UserFeedback,
	}
}

type reviewSubmitInput struct {
	ReviewID string       `json:"review_id,omitempty" jsonschema:"Pending review to resolve; omit to submit a full case"`
	Case     *review.Case `json:"case,omitempty" jsonschema:"The attempt being reviewed when no review_id is given"`
	Feedback string       `json:"feedback,omitempty" jsonschema:"Reviewer notes or a corrected answer"`
	Approved bool         `json:"approved" jsonschema:"Whether the solution is correct"`
}

type reviewSubmitOutput struct {
	MemoryID int64 `json:"memory_id" jsonschema:"Stored memory record ID"`
}

func textResult(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// observe wraps a tool call with metrics and error logging.
func (s *Server) observe(ctx context.Context, tool string, fn func() error) error {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	defer s.metrics.DecrementActive(ctx, tool)

	err := fn()
	s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	if err != nil {
		s.logger.Warn(ctx, "mcp tool failed", zap.String("tool", tool), zap.Error(err))
	}
	return err
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "solve",
		Description: "Run a math problem through structuring, routing, solving and verification. Verified solutions come back with an explanation; uncertain ones are queued for human review and return a review_id.",
	}, s.solve)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evaluate",
		Description: "Evaluate a whitelisted symbolic or numeric expression, optionally substituting variable bindings. Unsafe or invalid expressions return success=false.",
	}, s.evaluate)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "knowledge_search",
		Description: "Search the reference knowledge base and return the most relevant chunks by cosine similarity.",
	}, s.knowledgeSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_similar",
		Description: "Return previously accepted (human-approved) solutions related to a problem.",
	}, s.memorySimilar)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "review_submit",
		Description: "Record a human decision. Resolve a pending review by review_id, or submit a full case. Approved decisions become reusable solutions.",
	}, s.reviewSubmit)
}

func (s *Server) solve(ctx context.Context, _ *mcp.CallToolRequest, args solveInput) (*mcp.CallToolResult, solveOutput, error) {
	var out solveOutput
	err := s.observe(ctx, "solve", func() error {
		if strings.TrimSpace(args.RawInput) == "" && (args.Extraction == nil || args.Extraction.Text == "") {
			return fmt.Errorf("%w: raw_input is required", errInvalidArgument)
		}
		report, err := s.runner.Run(ctx, pipeline.Request{
			InputType:  problem.InputType(args.InputType),
			RawInput:   args.RawInput,
			Extraction: args.Extraction,
		})
		if err != nil {
			return err
		}
		out = newSolveOutput(report)
		return nil
	})
	if err != nil {
		return nil, solveOutput{}, err
	}

	switch pipeline.Stage(out.Stage) {
	case pipeline.StageExplained:
		return textResult("%s", out.Explanation), out, nil
	case pipeline.StageHumanReview:
		return textResult("Queued for human review (review_id %s): %s", out.ReviewID, out.Reason), out, nil
	default:
		return textResult("Stopped at %s: %s", out.Stage, out.Reason), out, nil
	}
}

func (s *Server) evaluate(ctx context.Context, _ *mcp.CallToolRequest, args evaluateInput) (*mcp.CallToolResult, evaluateOutput, error) {
	var out evaluateOutput
	err := s.observe(ctx, "evaluate", func() error {
		if strings.TrimSpace(args.Expression) == "" {
			return fmt.Errorf("%w: expression is required", errInvalidArgument)
		}
		if len(args.Bindings) > 0 {
			res := s.evaluator.SubstituteAndEvaluate(args.Expression, args.Bindings)
			out = evaluateOutput{Success: res.Success, Result: res.Substituted, NormalizedForm: res.Expression, Value: res.Value, Error: res.Error}
			return nil
		}
		res := s.evaluator.Evaluate(args.Expression)
		out = evaluateOutput(res)
		return nil
	})
	if err != nil {
		return nil, evaluateOutput{}, err
	}
	if !out.Success {
		return textResult("evaluation failed: %s", out.Error), out, nil
	}
	if out.Value != nil {
		return textResult("%s = %g", out.NormalizedForm, *out.Value), out, nil
	}
	return textResult("%s", out.Result), out, nil
}

func (s *Server) knowledgeSearch(ctx context.Context, _ *mcp.CallToolRequest, args knowledgeSearchInput) (*mcp.CallToolResult, knowledgeSearchOutput, error) {
	var out knowledgeSearchOutput
	err := s.observe(ctx, "knowledge_search", func() error {
		if strings.TrimSpace(args.Query) == "" {
			return fmt.Errorf("%w: query is required", errInvalidArgument)
		}
		k := args.TopK
		if k > maxResults {
			k = maxResults
		}
		results, err := s.knowledge.Retrieve(ctx, args.Query, k)
		if err != nil {
			return err
		}
		out = knowledgeSearchOutput{Results: results, Count: len(results)}
		return nil
	})
	if err != nil {
		return nil, knowledgeSearchOutput{}, err
	}
	return textResult("Found %d chunks", out.Count), out, nil
}

func (s *Server) memorySimilar(ctx context.Context, _ *mcp.CallToolRequest, args memorySimilarInput) (*mcp.CallToolResult, memorySimilarOutput, error) {
	var out memorySimilarOutput
	err := s.observe(ctx, "memory_similar", func() error {
		limit := args.Limit
		if limit <= 0 {
			limit = pipeline.DefaultSimilarLimit
		}
		if limit > maxResults {
			limit = maxResults
		}
		recs, err := s.memory.RetrieveSimilar(ctx, args.ProblemText, limit)
		if err != nil {
			return err
		}
		out.Records = make([]map[string]interface{}, 0, len(recs))
		for _, r := range recs {
			out.Records = append(out.Records, recordSummary(r))
		}
		out.Count = len(recs)
		return nil
	})
	if err != nil {
		return nil, memorySimilarOutput{}, err
	}
	return textResult("Found %d accepted solutions", out.Count), out, nil
}

func (s *Server) reviewSubmit(ctx context.Context, _ *mcp.CallToolRequest, args reviewSubmitInput) (*mcp.CallToolResult, reviewSubmitOutput, error) {
	var out reviewSubmitOutput
	err := s.observe(ctx, "review_submit", func() error {
		var id int64
		var err error
		switch {
		case args.ReviewID != "":
			id, err = s.gateway.Resolve(ctx, args.ReviewID, args.Feedback, args.Approved)
		case args.Case != nil:
			id, err = s.gateway.SubmitReview(ctx, review.Submission{Case: *args.Case, Feedback: args.Feedback, Approved: args.Approved})
		default:
			err = fmt.Errorf("%w: review_id or case is required", errInvalidArgument)
		}
		if err != nil {
			return err
		}
		out.MemoryID = id
		return nil
	})
	if err != nil {
		return nil, reviewSubmitOutput{}, err
	}
	return textResult("Review recorded as memory record %d", out.MemoryID), out, nil
}
