package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/api/handlers"
	"github.com/policyguard/backend/internal/audit"
	rediscache "github.com/policyguard/backend/internal/cache/redis"
	"github.com/policyguard/backend/internal/kg/neo4j"
	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/internal/middleware/ratelimit"
	"github.com/policyguard/backend/internal/middleware/security"
	"github.com/policyguard/backend/internal/middleware/validation"
	"github.com/policyguard/backend/internal/pipeline"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/router"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/internal/storage/sqlite"
	"github.com/policyguard/backend/internal/vector/zilliz"
	"github.com/policyguard/backend/pkg/config"
	appLogger "github.com/policyguard/backend/pkg/logger"
)

func main() {
	loader := config.NewLoader(os.Getenv("POLICYGUARD_CONFIG"))
	cfg, err := loader.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting PolicyGuard API server",
		zap.String("config_version", cfg.Version),
		zap.String("config_file", loader.ConfigFile()),
	)

	metrics.Init()
	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	auditLogger := audit.NewLogger(sqliteClient, audit.Config{
		MaxAttempts: cfg.Pipeline.AuditAttempts,
		Timeout:     cfg.Pipeline.AuditTimeout,
	})

	checks := map[string]handlers.Pinger{"audit": sqliteClient}

	var cache *rediscache.Client
	if cfg.Redis.Enabled {
		cache, err = rediscache.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Embedding cache disabled", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			checks["redis"] = cache
		}
	}

	index, closeIndex, err := buildIndex(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to create retrieval index", zap.Error(err))
	}
	defer closeIndex()

	modelRouter := router.New()
	registerBackends(modelRouter, cfg, cache)

	err = modelRouter.Load(pipeline.RouteTable(cfg))
	if err != nil {
		appLogger.Fatal("Failed to load model routes", zap.Error(err))
	}

	settings, err := pipeline.SettingsFromConfig(cfg, index)
	if err != nil {
		appLogger.Fatal("Failed to build pipeline settings", zap.Error(err))
	}

	engine, err := pipeline.NewEngine(settings, modelRouter, auditLogger)
	if err != nil {
		appLogger.Fatal("Failed to create pipeline", zap.Error(err))
	}

	reloader := pipeline.NewReloader(loader, engine, modelRouter, index)
	if cache != nil {
		reloader.WithEmbeddingCache(cache)
	}
	if loader.ConfigFile() != "" {
		loader.Watch(
			func(c *config.Config) {
				if _, err := reloader.Apply(c); err != nil {
					appLogger.Warn("Config change not applied", zap.Error(err))
				}
			},
			func(err error) {
				appLogger.Warn("Config change rejected", zap.Error(err))
			},
		)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-Request-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}))

	queryHandler := handlers.NewQueryHandler(engine)
	auditHandler := handlers.NewAuditHandler(auditLogger, sqliteClient)
	adminHandler := handlers.NewAdminHandler(reloader, checks)
	wsHandler := handlers.NewWebSocketHandler(engine)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", adminHandler.Health)
	api.Get("/ready", adminHandler.Ready)

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			Logger:            appLogger.GetLogger(),
		})
		defer limiter.Stop()
		api.Use(limiter.Middleware())
	}

	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: cfg.Server.MaxQueryLength,
		Logger:         appLogger.GetLogger(),
	}))

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/audit/stats", auditHandler.GetStats)
	api.Get("/audit/:id", auditHandler.GetRecord)
	api.Post("/admin/reload", adminHandler.Reload)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/query", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func buildIndex(ctx context.Context, cfg *config.Config) (retrieval.Index, func(), error) {
	switch cfg.Retrieval.Backend {
	case "neo4j":
		c, err := neo4j.NewClient(ctx, neo4j.Config{
			URI:         cfg.Neo4j.URI,
			Username:    cfg.Neo4j.Username,
			Password:    cfg.Neo4j.Password,
			Database:    cfg.Neo4j.Database,
			MaxAttempts: cfg.Pipeline.BackendAttempts,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := c.EnsureIndex(ctx); err != nil {
			c.Close(ctx)
			return nil, nil, err
		}
		return c, func() { c.Close(context.Background()) }, nil

	default:
		c, err := zilliz.NewClient(ctx, zilliz.Config{
			Endpoint:       cfg.Zilliz.Endpoint,
			APIKey:         cfg.Zilliz.APIKey,
			CollectionName: cfg.Zilliz.CollectionName,
			VectorDim:      cfg.Zilliz.VectorDim,
			MaxAttempts:    cfg.Pipeline.BackendAttempts,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := c.EnsureCollection(ctx); err != nil {
			c.Close()
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
}

// registerBackends installs the route factories. Provider credentials are
// read once at startup; a reload can move routes between models and backends
// but not change credentials.
func registerBackends(r *router.Router, cfg *config.Config, cache *rediscache.Client) {
	llmCfg := cfg.LLM
	attempts := cfg.Pipeline.BackendAttempts
	ttl := cfg.Redis.EmbeddingTTL

	r.Register("openai", func(route models.ModelRoute) (any, error) {
		if llmCfg.APIKey == "" {
			return nil, fmt.Errorf("openai route %s: llm.apiKey is not set", route.Logical)
		}
		client := llm.NewClient(llm.ClientConfig{
			APIKey:      llmCfg.APIKey,
			BaseURL:     llmCfg.BaseURL,
			Model:       route.Model,
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxTokens,
			Timeout:     time.Duration(llmCfg.TimeoutSec) * time.Second,
			MaxAttempts: attempts,
		})
		if route.Logical == router.RouteEmbedding && cache != nil {
			return rediscache.NewCachedEmbedder(client, cache, route.Identifier(), ttl), nil
		}
		return client, nil
	})

	r.Register("extractive", func(route models.ModelRoute) (any, error) {
		return llm.NewExtractiveGenerator(3, 0.3), nil
	})
}
