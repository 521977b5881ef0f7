// Package generation is the client side of the external text generation
// service.
//
// Stages depend on the Service interface. The Client adds a per-call
// timeout, rate limiting, bounded retries and metrics on top of a Backend
// (OpenAI-compatible, Ollama, or the Scripted test double).
package generation

import (
	"context"
	"errors"
	"fmt"
)

// Token budgets per pipeline stage.
const (
	StructurerMaxTokens = 1000
	RouterMaxTokens     = 20
	SolverMaxTokens     = 2000
	VerifierMaxTokens   = 1000
	ExplainerMaxTokens  = 1200
)

// DefaultTemperature is the sampling temperature for open-ended stages.
const DefaultTemperature = 0.2

var (
	// ErrTimeout indicates the caller's generation deadline expired.
	ErrTimeout = errors.New("generation timed out")

	// ErrEmptyResponse indicates the backend returned no text.
	ErrEmptyResponse = errors.New("empty generation response")

	// ErrInvalidConfig indicates an unusable backend configuration.
	ErrInvalidConfig = errors.New("invalid generation configuration")

	// ErrRateLimited is returned when the limiter wait is abandoned.
	ErrRateLimited = errors.New("rate limiter wait failed")
)

// Service generates text from a single prompt.
type Service interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Backend is a concrete generation provider.
type Backend interface {
	Service
	// Name identifies the provider in errors, logs and metrics.
	Name() string
}

// Error is returned for every failed generation call.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation %s failed (%s): %v", e.Op, e.Provider, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a generation timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// retryableError marks transient failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// isRetryableError checks if an error should trigger a retry.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
