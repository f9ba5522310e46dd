package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedmail/internal/config"
	"feedmail/internal/feed"
	"feedmail/internal/mail"
	"feedmail/internal/scheduler"
	"feedmail/internal/storage/sqlite"
)

var (
	configPath    = flag.String("config", "config.toml", "Path to configuration file")
	watchInterval = flag.Duration("watch-interval", 10*time.Second, "How often to check the configuration file for changes")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal: %v, shutting down\n", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := newLogger(*logLevel)

	log.Info("loading configuration", "path", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	snap, err := config.Resolve(cfg)
	if err != nil {
		return fmt.Errorf("failed to resolve configuration: %w", err)
	}
	configs := config.NewStore(snap)

	store, err := sqlite.New(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	sender, err := mail.NewSMTPSender(cfg.SMTP, log)
	if err != nil {
		return fmt.Errorf("failed to set up mail transport: %w", err)
	}

	go configs.Watch(ctx, *configPath, *watchInterval, log)

	log.Info("starting scheduler", "groups", len(snap.Groups))
	sched := scheduler.New(store, feed.NewHTTPFetcher(log), sender, configs, log)
	return sched.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
