// Package main contains the entrypoint for the hookchat client.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hookchat/hookchat/internal/chat"
	"github.com/hookchat/hookchat/internal/config"
	"github.com/hookchat/hookchat/internal/database"
	"github.com/hookchat/hookchat/internal/engine"
	"github.com/hookchat/hookchat/internal/logger"
	"github.com/hookchat/hookchat/internal/retry"
	"github.com/hookchat/hookchat/internal/scheduler"
	"github.com/hookchat/hookchat/internal/secrets"
	"github.com/hookchat/hookchat/internal/tasks"
	"github.com/hookchat/hookchat/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger, db,
// secrets, dispatcher, engine, scheduler, chat UI), handles graceful
// shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "", "Path to configuration file (default ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	secretStore := secrets.NewKeyringProvider()

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = secrets.EnsureDeviceID(secretStore)
		if err != nil {
			log.Error("Failed to resolve device identifier", "error", err)
			return 1
		}
	}

	dispatcher := webhook.NewClient(webhook.Config{
		RequestTimeout:  cfg.Webhook.RequestTimeout,
		TransferTimeout: cfg.Webhook.TransferTimeout,
		UserAgent:       cfg.Webhook.UserAgent,
	}, secretStore, log)

	eng := engine.New(store, dispatcher, engine.DeviceInfo{
		ID:           deviceID,
		Platform:     cfg.Device.Platform,
		AppVersion:   cfg.Device.AppVersion,
		DeviceModel:  cfg.Device.DeviceModel,
		OSVersion:    cfg.Device.OSVersion,
		VoiceEnabled: cfg.Device.VoiceEnabled,
	}, log)

	taskMap := tasks.RegisterAll(tasks.Deps{
		Logger: log,
		Store:  store,
		Config: cfg,
	})
	sched, err := scheduler.New(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	if err := sched.Start(); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		return 1
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("Failed to stop scheduler", "error", err)
		}
	}()

	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	})

	ui := chat.New(eng, store, secretStore, retryPolicy, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ui.Run(gctx)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("Chat session ended with error", "error", err)
		return 1
	}

	log.Info("Shutting down")
	return 0
}
