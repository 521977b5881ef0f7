package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// OllamaBackend generates text through langchaingo's Ollama client.
type OllamaBackend struct {
	llm   llms.Model
	model string
}

// NewOllamaBackend creates the backend.
func NewOllamaBackend(cfg OllamaConfig) (*OllamaBackend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	llm, err := ollama.New(
		ollama.WithServerURL(strings.TrimRight(baseURL, "/")),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %v", ErrInvalidConfig, err)
	}
	return &OllamaBackend{llm: llm, model: model}, nil
}

// Name implements Backend.
func (o *OllamaBackend) Name() string { return "ollama" }

// Generate implements Service.
func (o *OllamaBackend) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(temperature),
	)
	if err != nil {
		if isTransientNetworkError(err) || strings.Contains(err.Error(), "status code: 5") {
			return "", Retryable(err)
		}
		return "", err
	}
	return text, nil
}
