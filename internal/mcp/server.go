// Package mcp exposes the solve pipeline and its supporting components as
// MCP tools over stdio, using the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp).
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

// Runner executes pipeline requests.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// Server is an MCP server backed by the in-process components.
type Server struct {
	mcp       *mcp.Server
	runner    Runner
	evaluator *evaluator.Evaluator
	knowledge *knowledge.Base
	memory    *memory.Store
	gateway   *review.Gateway
	metrics   *Metrics
	logger    *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "mathmentor")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mathmentor",
		Version: "dev",
	}
}

// Services are the components the tools call.
type Services struct {
	Runner    Runner
	Evaluator *evaluator.Evaluator
	Knowledge *knowledge.Base
	Memory    *memory.Store
	Gateway   *review.Gateway
}

// NewServer creates a new MCP server with the given services.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if svc.Evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if svc.Knowledge == nil {
		return nil, errors.New("knowledge base is required")
	}
	if svc.Memory == nil {
		return nil, errors.New("memory store is required")
	}
	if svc.Gateway == nil {
		return nil, errors.New("review gateway is required")
	}
	logger := logging.OrNop(cfg.Logger)

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		runner:    svc.Runner,
		evaluator: svc.Evaluator,
		knowledge: svc.Knowledge,
		memory:    svc.Memory,
		gateway:   svc.Gateway,
		metrics:   NewMetrics(logger),
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
