// Package evaluator is the sandboxed symbolic math engine used as a tool by
// the solver and verifier.
//
// Input is parsed into a syntax tree and walked against a whitelist of
// names and operators; nothing is ever executed as code. Every entry point
// returns a result record and never panics.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/mathmentor/internal/evaluator"

// Operation names, also used in tool traces.
const (
	OpEvaluate              = "evaluate"
	OpSubstituteAndEvaluate = "substitute_and_evaluate"
	OpCheckBounds           = "check_bounds"
)

const (
	defaultMaxLength = 1000
	defaultMaxDepth  = 64
)

// Result is the outcome of Evaluate.
type Result struct {
	Success bool `json:"success"`
	// Result is the numeric value when the expression is closed and the
	// canonical form otherwise.
	Result         string   `json:"result,omitempty"`
	NormalizedForm string   `json:"normalized_form,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Latex          string   `json:"latex,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SubstitutionResult is the outcome of SubstituteAndEvaluate.
type SubstitutionResult struct {
	Success     bool     `json:"success"`
	Expression  string   `json:"expression,omitempty"`
	Substituted string   `json:"substituted,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// BoundsResult is the outcome of CheckBounds.
type BoundsResult struct {
	Valid bool     `json:"valid"`
	Value *float64 `json:"value,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxLength caps the accepted input length.
func WithMaxLength(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxLength = n
		}
	}
}

// WithMaxDepth caps syntax tree nesting.
func WithMaxDepth(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// Evaluator is safe for concurrent use; it holds no mutable state.
type Evaluator struct {
	maxLength int
	maxDepth  int

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{maxLength: defaultMaxLength, maxDepth: defaultMaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	meter := otel.Meter(instrumentationName)
	e.calls, _ = meter.Int64Counter(
		"mathmentor.evaluator.calls_total",
		metric.WithDescription("Evaluator invocations by operation and outcome"),
		metric.WithUnit("{call}"),
	)
	e.duration, _ = meter.Float64Histogram(
		"mathmentor.evaluator.duration_seconds",
		metric.WithDescription("Evaluator latency by operation"),
		metric.WithUnit("s"),
	)
	return e
}

func (e *Evaluator) record(op string, start time.Time, success bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.Bool("success", success))
	if e.calls != nil {
		e.calls.Add(ctx, 1, attrs)
	}
	if e.duration != nil {
		e.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// Evaluate parses and simplifies expression. Closed expressions also get a
// numeric value.
func (e *Evaluator) Evaluate(expression string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("internal evaluator error: %v", r)}
		}
		e.record(OpEvaluate, start, res.Success)
	}()

	tree, err := e.parse(expression)
	if err != nil {
		return Result{Error: err.Error()}
	}
	canonical := simplify(tree)
	if hasNonFinite(canonical) {
		return Result{Error: errDomain.Error()}
	}

	res = Result{
		Success:        true,
		Result:         canonical.String(),
		NormalizedForm: canonical.String(),
		Latex:          latex(canonical),
	}
	if !isClosed(canonical) {
		return res
	}
	v, err := evalNumeric(canonical, nil)
	switch {
	case err != nil:
		return Result{Error: err.Error()}
	case math.IsInf(v, 0) && hasInfinity(canonical):
		res.Result = formatNumber(v)
		return res
	case math.IsNaN(v) || math.IsInf(v, 0):
		return Result{Error: errDomain.Error()}
	}
	v = snap(v)
	res.Value = &v
	res.Result = formatNumber(v)
	return res
}

// SubstituteAndEvaluate binds variables and evaluates numerically. Every
// free variable must be bound.
func (e *Evaluator) SubstituteAndEvaluate(expression string, bindings map[string]float64) (res SubstitutionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = SubstitutionResult{Error: fmt.Sprintf("internal evaluator error: %v", r)}
		}
		e.record(OpSubstituteAndEvaluate, start, res.Success)
	}()

	tree, err := e.parse(expression)
	if err != nil {
		return SubstitutionResult{Error: err.Error()}
	}
	canonical := simplify(tree)
	res.Expression = canonical.String()

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	substituted := canonical
	for _, name := range names {
		if !IsVariableName(name) {
			res.Error = fmt.Sprintf("%s: variable name %q", ErrNotAllowed, name)
			return res
		}
		v := bindings[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			res.Error = fmt.Sprintf("binding for %s is not finite", name)
			return res
		}
		substituted = substitute(substituted, name, num(v))
	}
	substituted = simplify(substituted)
	res.Substituted = substituted.String()

	if free := freeVars(substituted); len(free) > 0 {
		res.Error = fmt.Sprintf("%s: %s", errUnbound, strings.Join(free, ", "))
		return res
	}
	v, err := evalNumeric(substituted, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		res.Error = errDomain.Error()
		return res
	}
	v = snap(v)
	res.Value = &v
	res.Success = true
	return res
}

// CheckBounds evaluates value and reports whether it lies in [low, high].
// A value that cannot be evaluated is never valid.
func (e *Evaluator) CheckBounds(value string, low, high float64) (res BoundsResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = BoundsResult{Error: fmt.Sprintf("internal evaluator error: %v", r)}
		}
		e.record(OpCheckBounds, start, res.Valid)
	}()

	if low > high {
		return BoundsResult{Error: fmt.Sprintf("invalid bounds [%g, %g]", low, high)}
	}
	r := e.Evaluate(value)
	if !r.Success {
		return BoundsResult{Error: r.Error}
	}
	if r.Value == nil {
		return BoundsResult{Error: "value is not numeric: " + r.Result}
	}
	v := *r.Value
	return BoundsResult{Valid: v >= low && v <= high, Value: &v}
}
