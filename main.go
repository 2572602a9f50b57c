package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	_ "github.com/queryshield/pipeline-engine/pkg/adapters/datasource/document"
	_ "github.com/queryshield/pipeline-engine/pkg/adapters/datasource/postgres"
	"github.com/queryshield/pipeline-engine/pkg/config"
	"github.com/queryshield/pipeline-engine/pkg/generator"
	"github.com/queryshield/pipeline-engine/pkg/handlers"
	"github.com/queryshield/pipeline-engine/pkg/history"
	"github.com/queryshield/pipeline-engine/pkg/llm"
	"github.com/queryshield/pipeline-engine/pkg/logging"
	"github.com/queryshield/pipeline-engine/pkg/pipeline"
	"github.com/queryshield/pipeline-engine/pkg/schema"
	"github.com/queryshield/pipeline-engine/pkg/sqlguard"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Int("sources", len(cfg.Sources)))

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:   cfg.Datasource.ConnectionTTLMinutes,
		PoolMaxConns: cfg.Datasource.PoolMaxConns,
		PoolMinConns: cfg.Datasource.PoolMinConns,
		CheckoutWait: cfg.Datasource.CheckoutWait(),
	}, logger)
	defer connMgr.Close()

	directory, err := datasource.NewDirectory(cfg.Sources, connMgr, logger)
	if err != nil {
		logger.Fatal("failed to build datasource directory", zap.Error(err))
	}
	defer directory.Close()

	schemaCache := schema.NewCache(cfg.Datasource.SchemaCacheTTL(), logger)
	defer schemaCache.Stop()

	llmClient, err := llm.NewClient(&llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	recorder := history.NewRecorder(cfg.Pipeline.HistorySize)

	orchestrator := pipeline.NewOrchestrator(
		directory,
		schemaCache,
		schema.NewFuzzyMatcher(),
		generator.New(llmClient, logger),
		sqlguard.New(logger),
		recorder,
		cfg.Pipeline,
		logger,
	)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewQueryHandler(orchestrator, recorder, schemaCache, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Pipeline.QueryTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting pipeline-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
}
