package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/api"
	"github.com/nidhogg/covenant/internal/config"
	"github.com/nidhogg/covenant/internal/embedding"
	"github.com/nidhogg/covenant/internal/memory"
	"github.com/nidhogg/covenant/internal/promptcache"
	"github.com/nidhogg/covenant/internal/provider"
	"github.com/nidhogg/covenant/internal/runtime"
	pgstore "github.com/nidhogg/covenant/internal/store"
	"github.com/nidhogg/covenant/internal/validator"
	"github.com/nidhogg/covenant/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting covenant runtime...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/covenant.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Completion providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: time.Duration(cfg.Runtime.CompletionTimeoutMS) * time.Millisecond,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Embedding provider
	embCfg := embedding.Config{
		Provider: cfg.Embedding.Provider, Endpoint: cfg.Embedding.Endpoint,
		Model: cfg.Embedding.Model, APIKey: cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   time.Duration(cfg.Runtime.EmbedTimeoutMS) * time.Millisecond,
	}
	var embedder embedding.Provider
	if cfg.Embedding.Provider == "local" {
		embedder = embedding.NewLocalProvider(embCfg)
	} else {
		embedder = embedding.NewAPIProvider(embCfg)
	}

	// PostgreSQL: contracts + threads
	migrationsDir := cfg.MigrationsDir
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(context.Background(), migrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Qdrant: memory entries
	qdrant, err := vectorstore.NewClient(vectorstore.Config{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if err != nil {
		logger.Fatal("Qdrant unavailable", zap.Error(err))
	}
	defer qdrant.Close()

	memStore := memory.NewStore(qdrant, memory.DefaultScoringWeights(), logger)
	dim := uint64(embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := memStore.Init(context.Background(), dim); err != nil {
		logger.Fatal("memory collection init failed", zap.Error(err))
	}

	// Redis: rendered-prompt cache (optional)
	var cache *promptcache.Cache
	if cfg.Database.Redis.URL != "" {
		cache, err = promptcache.New(cfg.Database.Redis.URL, 0, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without prompt cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	embedTimeout := time.Duration(cfg.Runtime.EmbedTimeoutMS) * time.Millisecond
	completionTimeout := time.Duration(cfg.Runtime.CompletionTimeoutMS) * time.Millisecond

	manager := memory.NewManager(memStore, store, embedder, embedTimeout, logger)
	rt := newRuntime(store, manager, router, cache, completionTimeout, logger)
	v := newValidator(store, cache, logger)

	handler := api.NewHandler(store, rt, v, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 3210
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// newRuntime keeps the nil-cache wiring in one place: a nil *Cache must not
// become a non-nil interface.
func newRuntime(store *pgstore.Store, manager *memory.Manager, router *provider.Router, cache *promptcache.Cache, timeout time.Duration, logger *zap.Logger) *runtime.Runtime {
	if cache == nil {
		return runtime.New(store, store, manager, router, nil, timeout, logger)
	}
	return runtime.New(store, store, manager, router, cache, timeout, logger)
}

func newValidator(store *pgstore.Store, cache *promptcache.Cache, logger *zap.Logger) *validator.Validator {
	if cache == nil {
		return validator.New(store, nil, logger)
	}
	return validator.New(store, cache, logger)
}
