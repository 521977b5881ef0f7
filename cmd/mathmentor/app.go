package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/explainer"
	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
	"github.com/fyrsmithlabs/mathmentor/internal/router"
	"github.com/fyrsmithlabs/mathmentor/internal/solver"
	"github.com/fyrsmithlabs/mathmentor/internal/structurer"
	"github.com/fyrsmithlabs/mathmentor/internal/telemetry"
	"github.com/fyrsmithlabs/mathmentor/internal/verifier"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
)

// app holds every initialized component. Fields are nil when the
// command did not ask for them.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	embedder  embeddings.Provider
	knowledge *knowledge.Base
	memory    *memory.Store
	evaluator *evaluator.Evaluator
	policy    *policy.Policy
	gateway   *review.Gateway
	runner    *pipeline.Runner
}

// appOptions select which components newApp builds.
type appOptions struct {
	// stderrLogs keeps stdout free for a protocol stream.
	stderrLogs bool
	knowledge  bool
	memory     bool
	pipeline   bool
}

var fullApp = appOptions{knowledge: true, memory: true, pipeline: true}

// loadConfig loads configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp initializes components in dependency order:
//  1. Configuration, telemetry and logging
//  2. Embeddings and the knowledge base
//  3. Solution memory and the review gateway
//  4. Generation client, pipeline stages and the runner
//
// Close releases everything newApp created, also on partial failure.
func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	a = &app{evaluator: evaluator.New()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.cfg, err = loadConfig(); err != nil {
		return a, err
	}

	if a.telemetry, err = telemetry.New(ctx, a.cfg.Telemetry); err != nil {
		return a, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(a.cfg.Logging)
	if err != nil {
		return a, fmt.Errorf("invalid logging configuration: %w", err)
	}
	logCfg.Output.Stderr = opts.stderrLogs
	logCfg.Output.OTEL = a.telemetry.Enabled()
	if a.logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider()); err != nil {
		return a, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if health := a.telemetry.Health(); health.Degraded {
		a.logger.Warn(ctx, "telemetry degraded", zap.String("reason", health.Reason))
	}

	if a.policy, err = policy.FromConfig(a.cfg.Policy); err != nil {
		return a, fmt.Errorf("invalid policy: %w", err)
	}

	if opts.knowledge || opts.pipeline {
		if err := a.initKnowledge(ctx); err != nil {
			return a, err
		}
	}
	if opts.memory || opts.pipeline {
		if err := a.initMemory(ctx); err != nil {
			return a, err
		}
	}
	if opts.pipeline {
		if err := a.initPipeline(); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (a *app) initEmbedder() error {
	if a.embedder != nil {
		return nil
	}
	embedder, err := embeddings.NewProvider(a.cfg.Embeddings, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.embedder = embedder
	return nil
}

func (a *app) initKnowledge(ctx context.Context) error {
	if err := a.initEmbedder(); err != nil {
		return err
	}
	kb, err := knowledge.New(a.embedder, vectorstore.NewIndex(a.logger), knowledge.Config{
		ChunkSize:    a.cfg.Knowledge.ChunkSize,
		ChunkOverlap: a.cfg.Knowledge.ChunkOverlap,
		TopK:         a.cfg.Knowledge.TopK,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create knowledge base: %w", err)
	}
	n, err := kb.IngestDir(ctx, a.cfg.Knowledge.Path)
	if err != nil {
		// An empty or missing knowledge base degrades retrieval, not solving.
		a.logger.Warn(ctx, "knowledge base not loaded",
			zap.String("path", a.cfg.Knowledge.Path),
			zap.Error(err))
	} else {
		a.logger.Info(ctx, "knowledge base loaded",
			zap.String("path", a.cfg.Knowledge.Path),
			zap.Int("chunks", n))
	}
	a.knowledge = kb
	return nil
}

func (a *app) initMemory(ctx context.Context) error {
	cfg := memory.Config{
		Path:       a.cfg.Memory.Path,
		Similarity: a.cfg.Memory.Similarity,
		Logger:     a.logger,
	}
	if cfg.Similarity == memory.SimilaritySemantic {
		if err := a.initEmbedder(); err != nil {
			return err
		}
		cfg.Embedder = a.embedder
	}
	store, err := memory.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open solution memory: %w", err)
	}
	a.memory = store
	a.gateway = review.NewGateway(store, a.policy, a.logger)
	return nil
}

func (a *app) initPipeline() error {
	gen, err := generation.Open(a.cfg.Generation, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}
	temp := a.cfg.Generation.Temperature

	a.runner, err = pipeline.New(pipeline.Deps{
		Structurer: structurer.New(gen, a.logger),
		Router:     router.New(gen, a.policy, a.logger),
		Solver: solver.New(a.knowledge, gen, a.evaluator, a.logger,
			solver.WithTopK(a.cfg.Knowledge.TopK),
			solver.WithTemperature(temp)),
		Verifier:  verifier.New(gen, a.evaluator, a.policy, a.logger),
		Explainer: explainer.New(gen, temp, a.logger),
		Memory:    a.memory,
		Gateway:   a.gateway,
		Intake:    review.NewIntake(a.policy),
		Logger:    a.logger,
	}, pipeline.Options{AutoRecord: a.cfg.Pipeline.AutoRecord})
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	return nil
}

// Close releases resources in reverse initialization order.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
