package generation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

// NewBackend creates the configured backend.
func NewBackend(cfg config.GenerationConfig) (Backend, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:  cfg.APIKey.Value(),
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		return NewOllamaBackend(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "scripted":
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// Open creates a Client around the configured backend.
func Open(cfg config.GenerationConfig, logger *logging.Logger) (*Client, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)
	logger.Info(context.Background(), "generation client configured",
		zap.String("provider", backend.Name()),
		zap.String("model", cfg.Model),
		logging.Secret("api_key", cfg.APIKey),
		zap.Duration("timeout", cfg.Timeout.Duration()))
	return NewClient(backend, ClientConfig{
		Timeout:    cfg.Timeout.Duration(),
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		MaxRetries: cfg.MaxRetries,
	}, logger), nil
}
