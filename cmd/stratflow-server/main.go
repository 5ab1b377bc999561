package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stratflow/internal/api"
	"stratflow/internal/clarify"
	"stratflow/internal/config"
	"stratflow/internal/httpapi"
	"stratflow/internal/session"
	"stratflow/internal/store"
	"stratflow/internal/util"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	cfgPath := "config/stratflow.yaml"
	if p := os.Getenv("STRATFLOW_CONFIG"); p != "" {
		cfgPath = p
	} else if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("stratflow-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	money, err := clarify.NewMoney(cfg.Workflow.Locale, cfg.Workflow.Currency)
	if err != nil {
		return fmt.Errorf("currency settings: %w", err)
	}

	deps, err := buildDeps(cfg, money, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	runs, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer runs.Close()
	journal := store.NewParquetJournal(cfg.Storage.DataDir)
	deps.Runs = runs
	deps.Journal = journal

	if cfg.Alpaca.APIKey != "" {
		assets := clarify.NewAlpacaAssets(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)
		if err := assets.Load(); err != nil {
			logger.Warn("loading alpaca assets; ticker validation disabled until restart", "error", err)
		}
		deps.Assets = assets
	}

	mgr := session.NewManager(deps, sessionOptions(cfg, money), cfg.Workflow.IdleTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go mgr.Run(ctx, time.Minute)

	rest := httpapi.NewServer(mgr, runs, journal, money, logger)
	srv := api.NewServer(cfg, rest.Handler(), api.NewWorkflowService(mgr, logger), logger)
	srv.OnShutdown(mgr.CloseAll)

	logger.Info("stratflow-server starting",
		"http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"grpc_port", cfg.Server.GRPCPort,
		"extraction", cfg.Extraction.Provider,
		"generation", cfg.Generation.Provider,
		"execution", cfg.Execution.Provider,
	)
	return srv.ListenAndServe(ctx)
}

func sessionOptions(cfg *config.Config, money clarify.Money) session.Options {
	w := cfg.Workflow
	return session.Options{
		MaxAttempts:      w.MaxAttempts,
		BaseDelay:        w.BaseDelay,
		ExtractTimeout:   w.ExtractTimeout,
		GenerateTimeout:  w.GenerateTimeout,
		ExecuteTimeout:   w.ExecuteTimeout,
		LowConfidence:    w.LowConfidence,
		ManualGenerate:   w.ManualGenerate,
		Money:            money,
		SubscriberBuffer: w.SubscriberBuffer,
	}
}
