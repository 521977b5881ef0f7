package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

var tracer = otel.Tracer("mathmentor.generation")

const (
	defaultTimeout     = 60 * time.Second
	defaultBaseBackoff = 1 * time.Second
	defaultBurst       = 5
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each Generate call, retries included.
	Timeout time.Duration

	// RateLimit is the sustained request rate per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	// MaxRetries is the number of extra attempts after a retryable failure.
	MaxRetries int

	// BaseBackoff is the first retry delay; each retry doubles it.
	BaseBackoff time.Duration
}

// Client is the Service used by the pipeline. It is safe for concurrent use.
type Client struct {
	backend     Backend
	timeout     time.Duration
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	metrics     *Metrics
	logger      *logging.Logger
}

// NewClient wraps backend.
func NewClient(backend Backend, cfg ClientConfig, logger *logging.Logger) *Client {
	logger = logging.OrNop(logger)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		backend:     backend,
		timeout:     cfg.Timeout,
		limiter:     limiter,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		metrics:     NewMetrics(logger),
		logger:      logger.Named("generation"),
	}
}

// Provider returns the backend name.
func (c *Client) Provider() string { return c.backend.Name() }

// Generate calls the backend with timeout, rate limiting and retries.
// Every failure is an *Error; an expired deadline wraps ErrTimeout. The call
// returns by the deadline even if the backend ignores its context.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (text string, err error) {
	ctx, span := tracer.Start(ctx, "Client.Generate")
	start := time.Now()
	attempts := 0
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("attempts", attempts))
		span.End()
		c.metrics.RecordCall(ctx, c.backend.Name(), time.Since(start), err)
	}()
	span.SetAttributes(
		attribute.String("provider", c.backend.Name()),
		attribute.Int("max_tokens", maxTokens),
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	wrap := func(cause error) error {
		if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, cause)
		}
		return &Error{Provider: c.backend.Name(), Op: "generate", Err: cause}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", wrap(fmt.Errorf("%w: %v", ErrRateLimited, err))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", wrap(ctx.Err())
			}
		}
		attempts++

		text, err := c.attempt(ctx, prompt, maxTokens, temperature)
		if err == nil {
			if text == "" {
				return "", wrap(ErrEmptyResponse)
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryableError(err) {
			return "", wrap(err)
		}
		c.logger.Warn(ctx, "generation attempt failed, retrying",
			zap.String("provider", c.backend.Name()),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}
	return "", wrap(fmt.Errorf("max retries exceeded: %w", lastErr))
}

type result struct {
	text string
	err  error
}

// attempt runs one backend call and abandons it at the deadline.
func (c *Client) attempt(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	done := make(chan result, 1)
	go func() {
		text, err := c.backend.Generate(ctx, prompt, maxTokens, temperature)
		done <- result{text: text, err: err}
	}()
	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
