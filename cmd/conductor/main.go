package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/knowledge"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/reasoning"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/nidhogg/nuka-conductor/internal/synthesis"
	"github.com/nidhogg/nuka-conductor/internal/workers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reasoningPurpose = "reasoning"

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/conductor.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Conductor...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("conductor stopped", zap.Error(err))
	}
	logger.Info("Nuka Conductor stopped")
}

func initLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collab := bootstrapReasoning(cfg, logger)

	// Shared Redis client, if any component needs one
	var rdb *redis.Client
	if cfg.Bus.Kind == "redis" || cfg.Knowledge.Kind == "redis" {
		opts, err := redis.ParseURL(cfg.Database.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		logger.Info("Redis connected")
	}

	kb, closeKB, err := openKnowledge(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeKB()

	registry := agent.NewRegistry(logger)
	if err := registerAgents(registry, cfg.Agents, workers.Deps{Knowledge: kb, Collaborator: collab, Logger: logger}); err != nil {
		return err
	}

	m := metrics.NewCollector("conductor", logger)

	dec := decompose.New(collab, registry, decompose.Options{
		MaxSubtasks:        cfg.Engine.MaxSubtasks,
		FallbackCapability: models.Capability(cfg.Engine.FallbackCapability),
		Timeout:            cfg.Engine.DecompositionTimeout.Std(),
	}, logger)
	syn := synthesis.New(collab, cfg.Engine.SynthesisTimeout.Std(), logger)

	orch := orchestrator.New(registry, dec, syn, engineOptions(cfg.Engine), logger)
	orch.SetMetrics(m)

	var b bus.Bus
	switch cfg.Bus.Kind {
	case "redis":
		b = bus.NewRedisBusFromClient(rdb, registry, cfg.Bus.MailboxSize, logger)
	default:
		local := bus.NewLocalBus(registry, cfg.Bus.MailboxSize, logger)
		defer local.Close()
		b = local
	}
	orch.SetBus(b)

	handler := api.NewHandler(orch, b, m, api.Options{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Nuka Conductor listening", zap.Int("port", cfg.Server.Port), zap.Int("agents", registry.Len()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down Nuka Conductor...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func bootstrapReasoning(cfg *config.Config, logger *zap.Logger) reasoning.Collaborator {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		router.Register(provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, Extra: pc.Extra, Timeout: pc.Timeout.Std(),
		}, logger))
	}
	if router.Len() == 0 {
		logger.Warn("No LLM providers configured, reasoning runs in fallback mode")
		return reasoning.Unavailable{}
	}
	if cfg.Reasoning.Provider != "" {
		router.Bind(reasoningPurpose, cfg.Reasoning.Provider)
	}
	if len(cfg.Reasoning.Fallbacks) > 0 {
		router.SetFallbacks(reasoningPurpose, cfg.Reasoning.Fallbacks)
	}
	return reasoning.NewLLM(router, reasoning.Options{
		Purpose:   reasoningPurpose,
		Model:     cfg.Reasoning.Model,
		MaxTokens: cfg.Reasoning.MaxTokens,
		Timeout:   cfg.Reasoning.Timeout.Std(),
	}, logger)
}

func openKnowledge(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (knowledge.Store, func(), error) {
	switch cfg.Knowledge.Kind {
	case "redis":
		return knowledge.NewRedisStore(rdb, logger), func() {}, nil
	case "postgres":
		ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		return ps, ps.Close, nil
	}
	return knowledge.NewMemoryStore(), func() {}, nil
}

// registerAgents builds the configured workers, or one of each kind when none
// are configured.
func registerAgents(reg *agent.Registry, agents []config.AgentConfig, deps workers.Deps) error {
	if len(agents) == 0 {
		for _, kind := range workers.Kinds() {
			agents = append(agents, config.AgentConfig{ID: kind, Name: kind, Kind: kind})
		}
	}
	for _, ac := range agents {
		caps := make([]models.Capability, len(ac.Capabilities))
		for i, c := range ac.Capabilities {
			caps[i] = models.Capability(c)
		}
		a, err := workers.New(ac.Kind, ac.ID, ac.Name, caps, deps)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func engineOptions(e config.EngineConfig) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.Policy = orchestrator.Policy{
		Failover:       e.FailoverEnabled(),
		MaxFailover:    e.MaxFailover,
		BestEffort:     e.BestEffort,
		MaxConcurrency: e.MaxConcurrency,
		Timeout:        e.SessionTimeout.Std(),
	}
	opts.GlobalConcurrency = e.GlobalConcurrency
	opts.BusyPenalty = e.BusyPenalty
	opts.EventBuffer = e.EventBuffer
	return opts
}
