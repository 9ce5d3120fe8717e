package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/clockwork"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/cycle"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/dooray"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/health"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/kma"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/ratelimit"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/service"
)

// runServe starts the reconciliation loop and blocks until shutdown.
func runServe(stderr io.Writer, configPath string) int {
	cfg, log, ok := loadOrExit(stderr, configPath)
	if !ok {
		return exitConfig
	}

	red := redact.New(cfg.ServiceKey, cfg.WebhookURL)
	clock := clockwork.Real{}

	store, err := openStateStore(cfg.StateBackend, cfg, log)
	if err != nil {
		logging.Error(log, "startup.invalid_config", "error", red.Error(err))
		return exitConfig
	}
	defer func() { _ = store.Close() }()

	healthStore := health.NewFileStore(cfg.HealthStatePath, log)
	monitor := health.NewMonitor(cfg.Health, cfg.BackfillMaxDays, cfg.BackfillWindowDays)

	client := kma.New(kma.Options{
		BaseURL:    cfg.APIBaseURL,
		ServiceKey: cfg.ServiceKey,
		PageSize:   cfg.PageSize,
		Timeout:    cfg.APITimeout,
		MaxRetries: cfg.APIMaxRetries,
		RetryDelay: cfg.APIRetryDelay,
		AreaNames:  cfg.AreaNames,
		Limiter:    ratelimit.New(cfg.APIRateLimit),
		Logger:     log,
		Redactor:   red,
	})
	defer client.Close()

	notifier := dooray.New(dooray.Options{
		WebhookURL:      cfg.WebhookURL,
		Timeout:         cfg.WebhookTimeout,
		MaxRetries:      cfg.WebhookMaxRetries,
		RetryDelay:      cfg.WebhookRetryDelay,
		Limiter:         ratelimit.New(cfg.WebhookRateLimit),
		BreakerEnabled:  cfg.BreakerEnabled,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
		Logger:          log,
		Redactor:        red,
	})
	defer notifier.Close()

	builder := dooray.NewBuilder(cfg.BotName, log)

	orch := cycle.New(cycle.Options{
		AreaCodes:           cfg.AreaCodes,
		AreaInterval:        cfg.AreaInterval,
		MaxWorkers:          cfg.MaxWorkers,
		MaxAttemptsPerCycle: cfg.MaxAttemptsPerCycle,
		DryRun:              cfg.DryRun,
		Clock:               clock,
		Logger:              log,
		Redactor:            red,
	}, client, store, notifier, builder)

	loop := service.New(cfg, orch, monitor, healthStore, store, notifier, builder, clock, log, red)

	logging.Info(log, "startup.ready",
		"areas", len(cfg.AreaCodes),
		"state_backend", cfg.StateBackend,
		"cycle_interval_sec", cfg.CycleInterval.Seconds(),
		"max_workers", cfg.MaxWorkers,
		"dry_run", cfg.DryRun,
		"run_once", cfg.RunOnce,
		"version", buildVersion,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		logging.Info(log, "shutdown.interrupt", "grace_sec", cfg.ShutdownGrace.Seconds())
		select {
		case runErr = <-done:
		case <-time.After(cfg.ShutdownGrace):
			logging.Warn(log, "shutdown.forced")
		}
	}

	if runErr != nil {
		logging.Error(log, "shutdown.unexpected_error", "error", red.Error(runErr))
		return exitRuntime
	}
	return exitOK
}
