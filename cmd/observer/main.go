package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/dinghuanghao/dota2-cultivation/internal/config"
	"github.com/dinghuanghao/dota2-cultivation/internal/db"
	"github.com/dinghuanghao/dota2-cultivation/internal/logging"
	"github.com/dinghuanghao/dota2-cultivation/internal/metrics"
	"github.com/dinghuanghao/dota2-cultivation/internal/notify"
	"github.com/dinghuanghao/dota2-cultivation/internal/observer"
	"github.com/dinghuanghao/dota2-cultivation/internal/opendota"
	"github.com/dinghuanghao/dota2-cultivation/internal/queue"
	"github.com/dinghuanghao/dota2-cultivation/internal/roster"
)

func main() {
	envPath := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if envPath != "" {
		logger.Debug("loaded .env", "path", envPath)
	}

	notifier := notify.New(cfg.DiscordWebhookURL)

	if err := run(cfg, logger, notifier); err != nil {
		logger.Error("observer failed", "error", err)
		if nerr := notifier.StartupFailed(context.Background(), err); nerr != nil {
			logger.Warn("failed to send startup alert", "error", nerr)
		}
		if config.IsConfigurationError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, notifier notify.Notifier) error {
	ctx, stop := observer.SetupSignalHandler(context.Background(), logger)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.TursoAuthToken, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	entries, err := roster.LoadFile(cfg.PlayerListPath)
	if err != nil {
		return &config.ConfigurationError{Key: "PLAYER_LIST_PATH", Err: err}
	}
	synced, err := roster.Sync(ctx, store, entries, logger)
	if err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}
	logger.Info("roster synced", "path", cfg.PlayerListPath,
		"added", synced.Added, "reactivated", synced.Reactivated,
		"deactivated", synced.Deactivated, "unchanged", synced.Unchanged)

	players, err := store.ListActivePlayers(ctx)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	if len(players) == 0 {
		return &config.ConfigurationError{Key: "PLAYER_LIST_PATH", Err: roster.ErrEmptyRoster}
	}

	q, err := queue.Open(cfg.QueueFile, queue.WithMaxRetries(cfg.MaxRetries), queue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	opts := []opendota.Option{
		opendota.WithBaseURL(cfg.OpenDotaBaseURL),
		opendota.WithMatchDetailsURL(cfg.MatchDetailsURL),
		opendota.WithMinInterval(cfg.MinRequestInterval),
		opendota.WithLogger(logger),
		opendota.WithRequestObserver(metrics.ObserveRequest),
	}
	if cfg.OpenDotaAPIKey != "" {
		opts = append(opts, opendota.WithAPIKey(cfg.OpenDotaAPIKey))
	}
	client := opendota.NewClient(opts...)

	obs := observer.New(client, store, q, observer.Config{
		DiscoveryLimit:         cfg.DiscoveryLimit,
		RecencyWindow:          cfg.RecencyWindow,
		PollingInterval:        cfg.PollingInterval,
		QueueProcessInterval:   cfg.QueueProcessInterval,
		ProfileRefreshInterval: cfg.ProfileRefreshInterval,
		RetryDelay:             cfg.RetryDelay,
		ShutdownGrace:          cfg.ShutdownGrace,
	}, observer.WithLogger(logger), observer.WithNotifier(notifier))

	matches, _, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count matches: %w", err)
	}
	logger.Info("observer starting",
		"players", len(players), "queued", q.Len(), "stored", matches,
		"polling_interval", cfg.PollingInterval, "recency_window", cfg.RecencyWindow)
	if err := notifier.Started(ctx, len(players), q.Len(), matches); err != nil {
		logger.Warn("failed to send start notification", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	}
	g.Go(func() error {
		err := obs.Run(gctx)
		if errors.Is(err, observer.ErrNoActivePlayers) {
			return &config.ConfigurationError{Key: "PLAYER_LIST_PATH", Err: err}
		}
		if err != nil {
			return err
		}
		// stop the metrics server with the loop
		stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete", "queued", q.Len())
	return nil
}
