package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"rsswatcher/internal/config"
	"rsswatcher/internal/fetcher"
	"rsswatcher/internal/httpclient"
	"rsswatcher/internal/media"
	"rsswatcher/internal/notify"
	"rsswatcher/internal/storage"
	"rsswatcher/internal/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log := newLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.Storage.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.Storage.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	httpClient, err := httpclient.New(cfg.Defaults.RequestTimeout(), cfg.Defaults.Proxy)
	if err != nil {
		log.Error("create http client", "error", err)
		os.Exit(1)
	}
	if cfg.Defaults.Proxy != "" {
		log.Info("routing outbound requests through proxy")
	}

	notifiers, err := buildNotifiers(cfg, httpClient, log)
	if err != nil {
		log.Error("create notifiers", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeNotifiers(notifiers); err != nil {
			log.Warn("close notifiers", "error", err)
		}
	}()

	fetch := fetcher.New(httpClient, cfg.Defaults.MaxRetries, log)

	downloader := media.NewDownloader(httpClient, cfg.Defaults.MaxMediaBytes, log)
	defer func() { _ = downloader.Close() }()

	w := watcher.New(cfg, store, fetch, downloader, notifiers, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.TestConnections(ctx); err != nil {
		log.Error("notifier connection check failed", "error", err)
		os.Exit(1)
	}

	if sched := startCleanup(ctx, cfg, store, log); sched != nil {
		defer sched.Stop()
	}

	log.Info("starting watcher", "feeds", len(cfg.Feeds))
	w.Run(ctx)
	log.Info("watcher stopped")
}

func buildNotifiers(cfg *config.Config, client *http.Client, log *slog.Logger) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(*cfg.Telegram, client, log)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.SimpleX != nil {
		notifiers = append(notifiers, notify.NewSimpleX(*cfg.SimpleX, log))
	}
	return notifiers, nil
}

func closeNotifiers(notifiers []notify.Notifier) error {
	var errs error
	for _, n := range notifiers {
		if err := n.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// startCleanup schedules the seen-entry retention job when both a
// schedule and a retention age are configured.
func startCleanup(ctx context.Context, cfg *config.Config, store storage.Storage, log *slog.Logger) *cron.Cron {
	if cfg.Defaults.CleanupSchedule == "" || cfg.Defaults.CleanupAfterDays <= 0 {
		return nil
	}

	age := time.Duration(cfg.Defaults.CleanupAfterDays) * 24 * time.Hour
	c := cron.New()
	_, err := c.AddFunc(cfg.Defaults.CleanupSchedule, func() {
		deleted, err := store.CleanupOlderThan(ctx, age)
		if err != nil {
			log.Error("seen-entry cleanup failed", "error", err)
			return
		}
		log.Info("seen-entry cleanup done", "deleted", deleted, "age", age)
	})
	if err != nil {
		log.Error("invalid cleanup schedule, cleanup disabled",
			"schedule", cfg.Defaults.CleanupSchedule, "error", err)
		return nil
	}

	c.Start()
	log.Info("cleanup scheduled",
		"schedule", cfg.Defaults.CleanupSchedule, "after_days", cfg.Defaults.CleanupAfterDays)
	return c
}

func newLogger(verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
