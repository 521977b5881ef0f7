// Package policy centralizes the escalation rules that decide when a result
// must go to a human, and the confidence assigned to each routing tier.
//
// The router, verifier and review gateway share one *Policy so the rule is
// defined once.
package policy

import (
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// Policy holds escalation thresholds and route confidences.
type Policy struct {
	// VerifierThreshold is the confidence below which a verification needs review.
	VerifierThreshold float64

	// ExtractionThreshold is the OCR/ASR confidence below which extracted text
	// needs review before it may be structured.
	ExtractionThreshold float64

	// Route confidences per tier.
	Deterministic map[problem.Topic]float64
	Keyword       float64
	Generative    float64
	Fallback      float64
}

// Default returns the standard policy.
func Default() *Policy {
	return &Policy{
		VerifierThreshold:   0.8,
		ExtractionThreshold: 0.7,
		Deterministic: map[problem.Topic]float64{
			problem.TopicProbability:   0.95,
			problem.TopicCalculus:      0.95,
			problem.TopicAlgebra:       0.90,
			problem.TopicLinearAlgebra: 0.90,
		},
		Keyword:    0.8,
		Generative: 0.6,
		Fallback:   0.5,
	}
}

// FromConfig returns the default policy with configured thresholds applied.
func FromConfig(cfg config.PolicyConfig) (*Policy, error) {
	p := Default()
	p.VerifierThreshold = cfg.VerifierThreshold
	p.ExtractionThreshold = cfg.ExtractionThreshold
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate requires every threshold and confidence to lie in [0, 1].
func (p *Policy) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("policy: %s must be in [0, 1], got %g", name, v)
		}
		return nil
	}
	if err := check("verifier threshold", p.VerifierThreshold); err != nil {
		return err
	}
	if err := check("extraction threshold", p.ExtractionThreshold); err != nil {
		return err
	}
	for topic, c := range p.Deterministic {
		if err := check(fmt.Sprintf("deterministic confidence for %s", topic), c); err != nil {
			return err
		}
	}
	for name, v := range map[string]float64{"keyword": p.Keyword, "generative": p.Generative, "fallback": p.Fallback} {
		if err := check(name+" confidence", v); err != nil {
			return err
		}
	}
	return nil
}

// NeedsReview is the single escalation rule for verifications.
func (p *Policy) NeedsReview(isCorrect bool, confidence float64) bool {
	return !isCorrect || confidence < p.VerifierThreshold
}

// Enforce returns v with NeedsHumanReview recomputed from the rule,
// ignoring whatever value v carried.
func (p *Policy) Enforce(v problem.Verification) problem.Verification {
	v.NeedsHumanReview = p.NeedsReview(v.IsCorrect, v.Confidence)
	return v
}

// ExtractionNeedsReview reports whether OCR/ASR output must be reviewed.
func (p *Policy) ExtractionNeedsReview(confidence float64) bool {
	return confidence < p.ExtractionThreshold
}

// DeterministicConfidence returns the tier-one confidence for a known topic.
func (p *Policy) DeterministicConfidence(topic problem.Topic) (float64, bool) {
	c, ok := p.Deterministic[topic]
	return c, ok
}

// KeywordConfidence returns the tier-two confidence.
func (p *Policy) KeywordConfidence() float64 { return p.Keyword }

// GenerativeConfidence returns the tier-three confidence.
func (p *Policy) GenerativeConfidence() float64 { return p.Generative }

// FallbackConfidence returns the confidence of a route that could not be classified.
func (p *Policy) FallbackConfidence() float64 { return p.Fallback }
