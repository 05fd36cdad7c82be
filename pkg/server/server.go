// Package server provides the public entry point for initializing the
// Xpert control plane.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(srv.Addr, srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/agent"
	"github.com/xpertai/control-plane/internal/api"
	"github.com/xpertai/control-plane/internal/api/handlers"
	"github.com/xpertai/control-plane/internal/chat"
	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/config"
	"github.com/xpertai/control-plane/internal/execution"
	"github.com/xpertai/control-plane/internal/knowledge"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/llm/anthropic"
	"github.com/xpertai/control-plane/internal/llm/openai"
	"github.com/xpertai/control-plane/internal/metrics"
	"github.com/xpertai/control-plane/internal/publish"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/telemetry"
	"github.com/xpertai/control-plane/internal/tokens"
	"github.com/xpertai/control-plane/internal/toolset"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the team, execution and conversation store.
	Store store.Store

	// Knowledge is the in-process knowledgebase index agents retrieve from.
	Knowledge *knowledge.Store

	Config *config.Config

	// Addr is the address the server should listen on.
	Addr string

	closers []func(context.Context) error
}

// New loads configuration from the environment and initializes all
// components.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Config: cfg, Addr: cfg.Addr()}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdown)

	dataStore := store.NewMemoryStore(cfg.DataDir)
	srv.Store = dataStore
	srv.closers = append(srv.closers, closeFunc(dataStore))
	log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")

	saver, err := openCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		srv.Shutdown(ctx)
		return nil, err
	}
	srv.closers = append(srv.closers, closeFunc(saver))
	log.Info().Str("driver", cfg.Checkpoint.Driver).Msg("✅ Checkpoint saver initialized")

	counter, err := openLedger(ctx, cfg)
	if err != nil {
		srv.Shutdown(ctx)
		return nil, err
	}
	if c, ok := counter.(io.Closer); ok {
		srv.closers = append(srv.closers, closeFunc(c))
	}
	recorder := tokens.NewRecorder(counter, cfg.Tokens.Limit)
	log.Info().Str("ledger", cfg.Tokens.Ledger).Int64("limit", cfg.Tokens.Limit).Msg("✅ Token ledger initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	models := newModelRegistry(cfg.LLM)

	schemas := toolset.BuiltinFS()
	if cfg.Toolsets.SchemaDir != "" {
		schemas = os.DirFS(cfg.Toolsets.SchemaDir)
	}
	catalog := toolset.NewSchemaCache(schemas)
	srv.Knowledge = knowledge.NewStore()

	compiler := agent.NewCompiler(models, toolset.NewResolver(catalog), srv.Knowledge, dataStore,
		agent.WithMaxTurns(cfg.Chat.MaxTurns),
		agent.WithRecursionLimit(cfg.Chat.RecursionLimit),
	)

	// Usage is booked under the provider name when no model is pinned.
	defaultModel := cfg.LLM.Model
	if defaultModel == "" {
		defaultModel = cfg.LLM.Provider
	}

	publisher := publish.NewEngine(dataStore, publish.WithMetrics(collector))
	chats := chat.NewService(dataStore, compiler,
		chat.WithCheckpoints(saver),
		chat.WithTokenRecorder(recorder),
		chat.WithMetrics(collector),
		chat.WithDefaultModel(defaultModel),
	)
	executions := execution.NewService(dataStore, saver)
	log.Info().Strs("drivers", models.ListDrivers()).Msg("✅ Chat and publish services initialized")

	h := handlers.New(dataStore, publisher, chats, executions, catalog)
	kh := &handlers.KnowledgeHandlers{Knowledge: srv.Knowledge}
	srv.Handler = api.NewRouter(cfg, h, kh, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return srv, nil
}

// Shutdown releases every component in reverse order of creation.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openCheckpoints(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Saver, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := checkpoint.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite checkpoints: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := checkpoint.NewPostgresSaver(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoints: %w", err)
		}
		return s, nil
	default:
		return checkpoint.NewMemorySaver(), nil
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (tokens.Counter, error) {
	if cfg.Tokens.Ledger != "redis" {
		return tokens.NewMemoryCounter(), nil
	}
	c, err := tokens.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect token ledger: %w", err)
	}
	return c, nil
}

// newModelRegistry always carries the offline echo driver; the configured
// provider becomes the default.
func newModelRegistry(cfg config.LLMConfig) *llm.Registry {
	r := llm.NewRegistry()
	r.RegisterDriver("echo", llm.Echo{})
	switch cfg.Provider {
	case "openai":
		r.RegisterDriver("openai", openai.New(func(o *openai.Options) {
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}))
	case "anthropic":
		r.RegisterDriver("anthropic", anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}))
	}
	r.SetDefault(cfg.Provider)
	return r
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
