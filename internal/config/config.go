// Package config provides configuration loading for mathmentor.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file,
// and MATHMENTOR_* environment variables, in increasing order of precedence.
// Each option affects exactly one component.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mathmentor configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Generation GenerationConfig `koanf:"generation"`
	Policy     PolicyConfig     `koanf:"policy"`
	Memory     MemoryConfig     `koanf:"memory"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// KnowledgeConfig holds knowledge base and chunking configuration.
type KnowledgeConfig struct {
	Path         string `koanf:"path"`
	ChunkSize    int    `koanf:"chunk_size"`
	ChunkOverlap int    `koanf:"chunk_overlap"`
	TopK         int    `koanf:"top_k"`
	Watch        bool   `koanf:"watch"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // hash, fastembed, tei
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
}

// GenerationConfig configures the external generation service client.
type GenerationConfig struct {
	Provider    string   `koanf:"provider"` // openai, ollama, scripted
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Timeout     Duration `koanf:"timeout"`
	Temperature float64  `koanf:"temperature"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst       int      `koanf:"burst"`
	MaxRetries  int      `koanf:"max_retries"`
}

// PolicyConfig holds the escalation thresholds.
type PolicyConfig struct {
	VerifierThreshold   float64 `koanf:"verifier_threshold"`
	ExtractionThreshold float64 `koanf:"extraction_threshold"`
}

// MemoryConfig holds solution memory configuration.
type MemoryConfig struct {
	Path       string `koanf:"path"`
	Similarity string `koanf:"similarity"` // recency, semantic
}

// PipelineConfig holds orchestration toggles.
type PipelineConfig struct {
	AutoRecord bool `koanf:"auto_record"`
}

// LoggingConfig holds the subset of logging options exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	Insecure       bool   `koanf:"insecure"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Knowledge: KnowledgeConfig{
			Path:         "./knowledge_base",
			ChunkSize:    500,
			ChunkOverlap: 50,
			TopK:         3,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "hash",
			Model:    "sentence-transformers/all-MiniLM-L6-v2",
			BaseURL:  "http://localhost:8080",
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     Duration(60 * time.Second),
			Temperature: 0.2,
			RateLimit:   50.0 / 60.0,
			Burst:       5,
			MaxRetries:  3,
		},
		Policy: PolicyConfig{
			VerifierThreshold:   0.8,
			ExtractionThreshold: 0.7,
		},
		Memory: MemoryConfig{
			Path:       "./memory/solutions.db",
			Similarity: "recency",
		},
		Pipeline: PipelineConfig{
			AutoRecord: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "mathmentor",
			ServiceVersion: "dev",
			Insecure:       true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.Knowledge.Path == "" {
		errs = append(errs, errors.New("knowledge path is required"))
	}
	if c.Knowledge.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Knowledge.ChunkSize))
	}
	if c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap must be in [0, chunk_size), got %d", c.Knowledge.ChunkOverlap))
	}
	if c.Knowledge.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", c.Knowledge.TopK))
	}

	switch c.Embeddings.Provider {
	case "hash", "fastembed", "tei":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	switch c.Generation.Provider {
	case "openai", "ollama", "scripted":
	default:
		errs = append(errs, fmt.Errorf("unknown generation provider %q", c.Generation.Provider))
	}
	if c.Generation.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("generation timeout must be positive"))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation temperature must be in [0, 2], got %g", c.Generation.Temperature))
	}
	if c.Generation.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", c.Generation.MaxRetries))
	}

	if !inUnitInterval(c.Policy.VerifierThreshold) {
		errs = append(errs, fmt.Errorf("verifier threshold must be in [0, 1], got %g", c.Policy.VerifierThreshold))
	}
	if !inUnitInterval(c.Policy.ExtractionThreshold) {
		errs = append(errs, fmt.Errorf("extraction threshold must be in [0, 1], got %g", c.Policy.ExtractionThreshold))
	}

	if c.Memory.Path == "" {
		errs = append(errs, errors.New("memory path is required"))
	}
	if c.Memory.Similarity != "recency" && c.Memory.Similarity != "semantic" {
		errs = append(errs, fmt.Errorf("memory similarity must be 'recency' or 'semantic', got %q", c.Memory.Similarity))
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
