// Package service drives the reconciliation loop: cycle pacing from the
// health monitor, health notifications, recovery backfill, and the daily
// state cleanup.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/clockwork"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/config"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/cycle"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/dooray"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/health"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/state"
)

// cleanupSpec is the daily cleanup schedule (local midnight).
const cleanupSpec = "0 0 * * *"

// minErrorWait is the floor applied to the inter-cycle wait after a
// failed iteration, preventing a no-delay error loop.
const minErrorWait = time.Second

// Loop repeats reconciliation cycles until its context is cancelled.
type Loop struct {
	cfg         config.Config
	orch        *cycle.Orchestrator
	monitor     *health.Monitor
	healthStore *health.FileStore
	store       state.Store
	sender      cycle.Sender
	builder     *dooray.Builder
	clock       clockwork.Clock
	log         *slog.Logger
	red         *redact.Redactor
}

// New wires a loop from its collaborators.
func New(cfg config.Config, orch *cycle.Orchestrator, monitor *health.Monitor, healthStore *health.FileStore, store state.Store, sender cycle.Sender, builder *dooray.Builder, clock clockwork.Clock, log *slog.Logger, red *redact.Redactor) *Loop {
	return &Loop{
		cfg:         cfg,
		orch:        orch,
		monitor:     monitor,
		healthStore: healthStore,
		store:       store,
		sender:      sender,
		builder:     builder,
		clock:       clock,
		log:         log,
		red:         red,
	}
}

// Run executes cycles until ctx is cancelled or a fatal error occurs.
// Retriable iteration failures are logged and absorbed; fatal errors are
// returned after a cycle.fatal_error event.
func (l *Loop) Run(ctx context.Context) error {
	hstate, err := l.healthStore.Load()
	if err != nil {
		// Read failures beyond corruption (which Load absorbs) start the
		// monitor fresh rather than blocking the service.
		hstate = health.State{}
	}

	sched, err := cron.ParseStandard(cleanupSpec)
	if err != nil {
		return fmt.Errorf("%w: cleanup schedule: %v", config.ErrInvalid, err)
	}
	nextCleanup := sched.Next(l.clock.Now())

	for {
		if ctx.Err() != nil {
			return nil
		}

		interval := l.monitor.SuggestedInterval(hstate, l.cfg.CycleInterval)
		if interval != l.cfg.CycleInterval {
			logging.Warn(l.log, "cycle.interval.adjusted",
				"interval_sec", interval.Seconds(),
				"base_interval_sec", l.cfg.CycleInterval.Seconds(),
				"consecutive_severe_failures", hstate.ConsecutiveSevereFailures,
			)
		}

		now := l.clock.Now()
		from := now.AddDate(0, 0, -l.cfg.LookbackDays)

		report, err := l.runCycle(ctx, from, now)
		if err != nil {
			if isFatal(err) {
				logging.Error(l.log, "cycle.fatal_error", "error", l.red.Error(err))
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			logging.Error(l.log, "cycle.iteration.failed", "error", l.red.Error(err))
			wait := interval
			if wait < minErrorWait {
				wait = minErrorWait
			}
			if sleepErr := l.clock.Sleep(ctx, wait); sleepErr != nil {
				return nil
			}
			continue
		}

		hstate = l.evaluateHealth(ctx, hstate, report, now)

		hstate = l.runBackfill(ctx, hstate)

		if l.cfg.CleanupEnabled && !l.clock.Now().Before(nextCleanup) {
			l.runCleanup(ctx)
			nextCleanup = sched.Next(l.clock.Now())
		}

		if l.cfg.RunOnce {
			logging.Info(l.log, "shutdown.run_once_complete")
			return nil
		}

		if err := l.clock.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// runCycle executes one orchestrator cycle, converting panics into
// fatal errors rather than crashing the loop without cleanup.
func (l *Loop) runCycle(ctx context.Context, from, to time.Time) (report cycle.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &fatalError{err: fmt.Errorf("panic in cycle: %v", r)}
		}
	}()
	return l.orch.Run(ctx, from, to)
}

// evaluateHealth feeds the cycle outcome to the monitor, persists the new
// state, and delivers any transition notifications.
func (l *Loop) evaluateHealth(ctx context.Context, hstate health.State, report cycle.Report, cycleStart time.Time) health.State {
	outcome := health.Outcome{
		At:          cycleStart,
		FailedAreas: report.FailedAreas,
		TotalAreas:  report.TotalAreas,
		ErrorCodes:  errorCodeKeys(report.ErrorCodes),
	}
	now := l.clock.Now()
	next, transitions := l.monitor.Evaluate(hstate, outcome, now)

	transition := string(health.NoEvent)
	if len(transitions) > 0 {
		transition = string(transitions[0])
	}
	logging.Info(l.log, "health.evaluate",
		"transition", transition,
		"incident_open", next.IncidentOpen,
		"fail_ratio", outcome.FailRatio(),
		"consecutive_severe_failures", next.ConsecutiveSevereFailures,
		"consecutive_stable_cycles", next.ConsecutiveStableCycles,
	)

	if err := l.healthStore.Save(next); err != nil {
		logging.Error(l.log, "state.persist_failed", "path", "health", "error", l.red.Error(err))
	}

	for _, tr := range transitions {
		msg := l.builder.Health(tr, next, now)
		if l.cfg.DryRun {
			logging.Info(l.log, "notification.dry_run", "transition", string(tr))
			continue
		}
		if _, err := l.sender.Send(ctx, msg); err != nil {
			logging.Error(l.log, "health.notification.failed",
				"transition", string(tr), "error", l.red.Error(err))
			continue
		}
		logging.Info(l.log, "health.notification.sent", "transition", string(tr))
	}
	return next
}

// runBackfill consumes up to the per-cycle budget of pending backfill
// segments, running each as an extra cycle over its historical window.
func (l *Loop) runBackfill(ctx context.Context, hstate health.State) health.State {
	if hstate.IncidentOpen || len(hstate.BackfillCursor) == 0 || ctx.Err() != nil {
		return hstate
	}
	segments, next := hstate.PopBackfill(l.cfg.BackfillMaxPerCycle)
	if err := l.healthStore.Save(next); err != nil {
		logging.Error(l.log, "state.persist_failed", "path", "health", "error", l.red.Error(err))
	}

	for _, seg := range segments {
		if ctx.Err() != nil {
			break
		}
		logging.Info(l.log, "health.backfill.start",
			"from", seg.From.Format("2006-01-02"),
			"to", seg.To.Format("2006-01-02"),
			"remaining", len(next.BackfillCursor),
		)
		report, err := l.runCycle(ctx, seg.From, seg.To)
		if err != nil {
			logging.Error(l.log, "health.backfill.failed",
				"from", seg.From.Format("2006-01-02"),
				"to", seg.To.Format("2006-01-02"),
				"error", l.red.Error(err),
			)
			continue
		}
		logging.Info(l.log, "health.backfill.complete",
			"from", seg.From.Format("2006-01-02"),
			"to", seg.To.Format("2006-01-02"),
			"alerts_fetched", report.AlertsFetched,
			"sent", report.Sent,
		)
	}
	return next
}

// runCleanup performs the automatic daily cleanup pass.
func (l *Loop) runCleanup(ctx context.Context) {
	olderThan := l.clock.Now().AddDate(0, 0, -l.cfg.CleanupRetentionDays)
	logging.Info(l.log, "state.cleanup.auto",
		"retention_days", l.cfg.CleanupRetentionDays,
		"include_unsent", l.cfg.CleanupIncludeUnsent,
	)
	deleted, err := l.store.CleanupStale(ctx, olderThan, l.cfg.CleanupIncludeUnsent)
	if err != nil {
		logging.Error(l.log, "state.cleanup.failed", "error", l.red.Error(err))
		return
	}
	logging.Info(l.log, "state.cleanup.complete", "deleted", deleted)
}

// fatalError marks failures that must stop the service.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// isFatal classifies loop errors: configuration problems and programming
// errors stop the service; transient upstream and state I/O failures are
// absorbed and retried next cycle.
func isFatal(err error) bool {
	if errors.Is(err, config.ErrInvalid) {
		return true
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	var ioErr *state.IOError
	if errors.As(err, &ioErr) {
		return false
	}
	return false
}

func errorCodeKeys(codes map[string]int) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	return out
}
