// Package router picks a solving route for a structured problem.
//
// Tiers run in fixed order: the structured topic, then keyword sets, then
// a generative classification. The first two are deterministic.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var tracer = otel.Tracer("mathmentor.router")

// ErrNeedsClarification is returned for problems flagged for clarification.
var ErrNeedsClarification = errors.New("problem needs clarification")

// GeneralRouteID is the route of a problem that could not be classified.
const GeneralRouteID = "general_solver"

// deterministicRoutes maps structured topics to route ids.
var deterministicRoutes = map[problem.Topic]string{
	problem.TopicProbability:   "probability_solver",
	problem.TopicCalculus:      "calculus_solver",
	problem.TopicAlgebra:       "algebra_solver",
	problem.TopicLinearAlgebra: "algebra_solver",
}

type keywordSet struct {
	topic    problem.Topic
	routeID  string
	keywords []string
}

// keywordSets are scanned in order; the first set with a match wins.
var keywordSets = []keywordSet{
	{problem.TopicProbability, "probability_solver", []string{"probability", "coin", "dice", "chance"}},
	{problem.TopicCalculus, "calculus_solver", []string{"limit", "derivative", "differentiate", "rate of change"}},
	{problem.TopicLinearAlgebra, "linear_algebra_solver", []string{"matrix", "determinant", "vector"}},
}

const classifyPrompt = `Classify the following math problem into ONE category:
- algebra
- probability
- calculus
- linear_algebra

Problem:
%s

Respond with only the category name.`

// Router is safe for concurrent use.
type Router struct {
	gen    generation.Service
	policy *policy.Policy
	logger *logging.Logger
}

// New creates a Router. A nil policy uses policy.Default.
func New(gen generation.Service, p *policy.Policy, logger *logging.Logger) *Router {
	if p == nil {
		p = policy.Default()
	}
	return &Router{gen: gen, policy: p, logger: logging.OrNop(logger)}
}

// Route selects a route for sp. The only error is ErrNeedsClarification;
// classification failures produce the fallback route.
func (r *Router) Route(ctx context.Context, sp problem.Structured) (problem.Route, error) {
	ctx, span := tracer.Start(ctx, "Router.Route")
	defer span.End()

	if sp.NeedsClarification {
		span.SetAttributes(attribute.Bool("needs_clarification", true))
		return problem.Route{}, fmt.Errorf("%w: %s", ErrNeedsClarification, sp.ClarificationReason)
	}

	route := r.route(ctx, sp)
	span.SetAttributes(
		attribute.String("route_id", route.RouteID),
		attribute.String("tier", string(route.Tier)),
		attribute.Float64("confidence", route.Confidence),
	)
	r.logger.Debug(ctx, "problem routed",
		zap.String("route_id", route.RouteID),
		zap.String("tier", string(route.Tier)),
		zap.Float64("confidence", route.Confidence))
	return route, nil
}

func (r *Router) route(ctx context.Context, sp problem.Structured) problem.Route {
	if id, ok := deterministicRoutes[sp.Topic]; ok {
		if c, ok := r.policy.DeterministicConfidence(sp.Topic); ok {
			return newRoute(sp.Topic, id, c, problem.TierDeterministic)
		}
	}

	if ks, ok := matchKeywords(sp.ProblemText); ok {
		return newRoute(ks.topic, ks.routeID, r.policy.KeywordConfidence(), problem.TierKeyword)
	}

	return r.classify(ctx, sp)
}

// MatchKeywords reports the topic whose keyword set first matches text.
func MatchKeywords(text string) (problem.Topic, bool) {
	ks, ok := matchKeywords(text)
	return ks.topic, ok
}

func matchKeywords(text string) (keywordSet, bool) {
	lower := strings.ToLower(text)
	for _, ks := range keywordSets {
		for _, kw := range ks.keywords {
			if strings.Contains(lower, kw) {
				return ks, true
			}
		}
	}
	return keywordSet{}, false
}

func (r *Router) classify(ctx context.Context, sp problem.Structured) problem.Route {
	fallback := newRoute(problem.TopicUnknown, GeneralRouteID, r.policy.FallbackConfidence(), problem.TierFallback)
	if r.gen == nil {
		return fallback
	}

	out, err := r.gen.Generate(ctx, fmt.Sprintf(classifyPrompt, sp.ProblemText), generation.RouterMaxTokens, 0)
	if err != nil {
		r.logger.Warn(ctx, "generative routing failed", zap.Error(err))
		return fallback
	}
	topic, ok := firstTopic(out)
	if !ok {
		r.logger.Warn(ctx, "generative routing returned no known topic", zap.String("reply", truncate(out, 80)))
		return fallback
	}
	return newRoute(topic, string(topic)+"_solver", r.policy.GenerativeConfidence(), problem.TierGenerative)
}

// firstTopic returns the known topic named earliest in reply.
func firstTopic(reply string) (problem.Topic, bool) {
	lower := strings.ToLower(reply)
	lower = strings.NewReplacer("linear algebra", "linear_algebra", "linear-algebra", "linear_algebra").Replace(lower)

	best, bestAt := problem.TopicUnknown, -1
	for _, t := range problem.KnownTopics() {
		at := strings.Index(lower, string(t))
		if t == problem.TopicAlgebra {
			at = indexStandalone(lower, "algebra", "linear_")
		}
		if at >= 0 && (bestAt < 0 || at < bestAt) {
			best, bestAt = t, at
		}
	}
	return best, bestAt >= 0
}

// indexStandalone finds word in s where it is not preceded by prefix.
func indexStandalone(s, word, prefix string) int {
	from := 0
	for {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		if i < len(prefix) || s[i-len(prefix):i] != prefix {
			return i
		}
		from = i + len(word)
	}
}

func newRoute(topic problem.Topic, id string, confidence float64, tier problem.Tier) problem.Route {
	return problem.Route{
		Topic:         topic,
		RouteID:       id,
		RequiredTools: problem.DefaultTools(),
		Confidence:    confidence,
		Tier:          tier,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
