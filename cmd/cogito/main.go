package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fmt"

	"github.com/joho/godotenv"
	"github.com/nidhogg/cogito/internal/api"
	"github.com/nidhogg/cogito/internal/bus"
	"github.com/nidhogg/cogito/internal/config"
	"github.com/nidhogg/cogito/internal/cot"
	"github.com/nidhogg/cogito/internal/embedding"
	"github.com/nidhogg/cogito/internal/gateway"
	"github.com/nidhogg/cogito/internal/mcp"
	"github.com/nidhogg/cogito/internal/provider"
	"github.com/nidhogg/cogito/internal/registry"
	svcrouter "github.com/nidhogg/cogito/internal/router"
	pgstore "github.com/nidhogg/cogito/internal/store"
	"github.com/nidhogg/cogito/internal/trace"
	"github.com/nidhogg/cogito/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Cogito...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cogito.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize provider router
	providers := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model,
		}
		switch pc.Type {
		case "openai":
			providers.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			providers.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		if pc.Default {
			providers.SetDefault(pc.ID)
			providers.SetFallbacks(pc.Fallbacks)
		}
	}

	// Initialize embedding provider and plan matcher
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	newMatcher := func() trace.Matcher { return trace.NewLinearMatcher(embedder) }
	if cfg.Database.Qdrant.Host != "" {
		vs, vsErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if vsErr != nil {
			logger.Warn("Qdrant unavailable, using in-process plan matching", zap.Error(vsErr))
		} else {
			newMatcher = func() trace.Matcher {
				m, mErr := trace.NewQdrantMatcher(context.Background(), embedder, vs, "cogito_traces")
				if mErr != nil {
					logger.Warn("Qdrant matcher init failed, using in-process plan matching", zap.Error(mErr))
					return trace.NewLinearMatcher(embedder)
				}
				return m
			}
		}
	}

	// Initialize session registry
	regCfg := registry.DefaultConfig()
	regCfg.DataDir = cfg.Sessions.DataDir
	if regCfg.DataDir == "" {
		regCfg.DataDir = "data/sessions"
	}
	if cfg.Sessions.MaxSessions > 0 {
		regCfg.MaxSessions = cfg.Sessions.MaxSessions
	}
	if cfg.Sessions.TTLMinutes > 0 {
		regCfg.TTL = time.Duration(cfg.Sessions.TTLMinutes) * time.Minute
	}
	reg := registry.New(regCfg, newMatcher, logger)

	// Initialize PostgreSQL chat log
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without chat log", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ps.Migrate(context.Background(), migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize Neo4j trace archive
	var archive *trace.Archive
	if cfg.Database.Neo4j.URI != "" {
		ar, arErr := trace.NewArchive(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if arErr != nil {
			logger.Warn("Neo4j unavailable, running without trace archive", zap.Error(arErr))
		} else {
			archive = ar
		}
	}

	// Initialize Redis event bus
	var eventBus *bus.EventBus
	if cfg.Database.Redis.URL != "" {
		eb, ebErr := bus.NewEventBus(cfg.Database.Redis.URL, logger)
		if ebErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(ebErr))
		} else {
			eventBus = eb
		}
	}

	// Initialize MCP clients
	var mcpClients []*mcp.Client
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		if err := c.Connect(context.Background()); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		mcpClients = append(mcpClients, c)
	}
	tools := cot.NewToolset(mcpClients, logger)

	// Controller limits
	cotCfg := cot.DefaultConfig()
	if cfg.Reasoning.MaxIters > 0 {
		cotCfg.MaxIters = cfg.Reasoning.MaxIters
	}
	if cfg.Reasoning.MaxToolSteps > 0 {
		cotCfg.MaxToolSteps = cfg.Reasoning.MaxToolSteps
	}
	if cfg.Reasoning.MaxFinalizeNudges > 0 {
		cotCfg.MaxFinalizeNudges = cfg.Reasoning.MaxFinalizeNudges
	}
	if cfg.Reasoning.MaxJustificationNudges > 0 {
		cotCfg.MaxJustificationNudges = cfg.Reasoning.MaxJustificationNudges
	}
	cotCfg.AutoFinalizeAfterTool = cfg.Reasoning.AutoFinalizeAfterTool
	cotCfg.DumpDir = cfg.Reasoning.DumpDir
	if cotCfg.DumpDir == "" {
		cotCfg.DumpDir = regCfg.DataDir
	}

	service := svcrouter.NewService(reg, providers, tools, pgStore, eventBus, archive, cotCfg, logger)

	// Initialize gateway
	gw := gateway.New(logger)

	// Wire query router BEFORE registering adapters (Register captures handler)
	queryRouter := svcrouter.NewQueryRouter(service, gw, logger)
	gw.SetHandler(queryRouter.Handle)

	restAdapter := gateway.NewRESTAdapter(logger)
	gw.Register(restAdapter)

	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		slackAdapter := gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger)
		gw.Register(slackAdapter)
	}

	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		discordAdapter := gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger)
		gw.Register(discordAdapter)
	}

	gwCtx := context.Background()
	if err := gw.ConnectAll(gwCtx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(service, tools, restAdapter, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Cogito listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Cogito...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	if err := reg.Close(); err != nil {
		logger.Warn("failed to persist sessions on shutdown", zap.Error(err))
	}
	if archive != nil {
		archive.Close(ctx)
	}
	if eventBus != nil {
		eventBus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	for _, mc := range mcpClients {
		mc.Close()
	}
	gw.Close()
}
