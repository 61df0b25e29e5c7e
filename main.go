package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/planforge/orchestrator/internal/archive"
	"github.com/planforge/orchestrator/internal/config"
	"github.com/planforge/orchestrator/internal/httpapi"
	"github.com/planforge/orchestrator/internal/llm"
	"github.com/planforge/orchestrator/internal/orchestrator"
	"github.com/planforge/orchestrator/internal/ratecontrol"
	"github.com/planforge/orchestrator/internal/research"
	"github.com/planforge/orchestrator/internal/search"
	"github.com/planforge/orchestrator/internal/session"
	"github.com/planforge/orchestrator/internal/tracing"
)

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	sessions, err := session.NewManager(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("Failed to connect session store", zap.Error(err))
	}
	defer sessions.Close()

	var arc *archive.Client
	if cfg.Archive.Enabled {
		arc, err = archive.NewClient(archive.Config{
			Driver: cfg.Archive.Driver,
			DSN:    cfg.Archive.DSN,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to open archive store", zap.Error(err))
		}
		defer arc.Close()
	}

	rates, err := ratecontrol.Load(cfg.RatePolicyPath, logger)
	if err != nil {
		logger.Fatal("Failed to load rate policy", zap.Error(err))
	}

	llmClient := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, rates.Limiter("llm"), logger)
	gen := llm.NewResilient(llmClient, cfg.LLM.RetryWait, logger)

	searchClient := search.NewHTTPClient(search.Config{
		BaseURL: cfg.Search.BaseURL,
		APIKey:  cfg.Search.APIKey,
		Timeout: cfg.Search.Timeout,
	}, rates.Limiter("search"), logger)

	pipeline := research.NewPipeline(searchClient, cfg.Search.Pause, logger)

	var archiver orchestrator.Archiver
	if arc != nil {
		archiver = arc
	}
	orch := orchestrator.New(sessions, gen, searchClient, pipeline, archiver, logger)

	mux := http.NewServeMux()
	httpapi.NewServer(sessions, orch, arc, logger).Register(mux)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
