package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nhle/mailvault/internal/config"
	"github.com/nhle/mailvault/internal/ingest"
	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/retention"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/source/factory"
	"github.com/nhle/mailvault/internal/store"
	"github.com/nhle/mailvault/internal/vault"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log.Level)
	logger.Info("starting mailvault fetcher")

	db, err := store.NewPostgresStore(cfg.Database.ConnString())
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database ready")

	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		logger.Error("invalid vault key", "error", err)
		os.Exit(1)
	}
	if !v.HasKey() {
		logger.Warn("no vault key configured, accounts with encrypted secrets will be skipped")
	}

	sources := func(ctx context.Context, acc *model.Account) (source.Source, error) {
		return factory.New(ctx, acc, v, db.SaveOAuthToken, logger)
	}

	runner := &ingest.Runner{
		Store:   db,
		Sources: sources,
		Logger:  logger,
	}
	scheduler := ingest.NewScheduler(db, runner,
		time.Duration(cfg.Scheduler.RefreshIntervalSec)*time.Second, logger)
	sweeper := retention.NewSweeper(db, retention.SourceFactory(sources),
		time.Duration(cfg.Retention.SweepIntervalSec)*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	wg.Wait()

	logger.Info("stopped")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}
