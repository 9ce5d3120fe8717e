// Package cycle runs one reconciliation cycle: fetch warnings for every
// configured region, track them in the state store, dispatch unseen ones
// to the webhook, and settle the results.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/clockwork"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/dooray"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/kma"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/state"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

// Fetcher fetches warnings for one region over one date window.
type Fetcher interface {
	Fetch(ctx context.Context, areaCode string, from, to time.Time) ([]warning.Event, error)
}

// Sender delivers one webhook payload, returning the attempt count.
type Sender interface {
	Send(ctx context.Context, msg dooray.Message) (int, error)
}

// AreaResult is the per-region rollup inside a Report.
type AreaResult struct {
	Fetched   int    `json:"fetched"`
	Failed    bool   `json:"failed"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Report aggregates everything one cycle did.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	From       time.Time
	To         time.Time

	Areas       map[string]AreaResult
	TotalAreas  int
	FailedAreas int

	FetchCalls    int
	AlertsFetched int

	Attempts     int
	Sent         int
	Failed       int
	DryRun       int
	Backpressure int
	PendingTotal int

	ErrorCodes map[string]int
}

// Options configures an Orchestrator.
type Options struct {
	AreaCodes           []string
	AreaInterval        time.Duration
	MaxWorkers          int
	MaxAttemptsPerCycle int
	DryRun              bool

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Redactor *redact.Redactor
}

// Orchestrator executes cycles. It is driven by one goroutine (the
// service loop); only the fetch phase fans out internally.
type Orchestrator struct {
	opts    Options
	fetcher Fetcher
	store   state.Store
	sender  Sender
	builder *dooray.Builder

	// cursor rotates the dispatch start region across cycles so no
	// region is starved under the per-cycle attempt budget.
	cursor int
}

// New builds an orchestrator.
func New(opts Options, fetcher Fetcher, store state.Store, sender Sender, builder *dooray.Builder) *Orchestrator {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	return &Orchestrator{opts: opts, fetcher: fetcher, store: store, sender: sender, builder: builder}
}

// Run executes one cycle over [from, to]. Per-region and per-event
// failures are absorbed into the report; only cross-cutting
// infrastructure failures (state store, cancellation) are returned.
func (o *Orchestrator) Run(ctx context.Context, from, to time.Time) (Report, error) {
	now := o.opts.Clock.Now()
	report := Report{
		StartedAt:  now,
		From:       from,
		To:         to,
		Areas:      make(map[string]AreaResult, len(o.opts.AreaCodes)),
		TotalAreas: len(o.opts.AreaCodes),
		ErrorCodes: map[string]int{},
	}
	logging.Info(o.opts.Logger, "cycle.start",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"areas", len(o.opts.AreaCodes),
	)

	events := o.fetchAll(ctx, &report, from, to)

	if err := o.track(ctx, &report, events); err != nil {
		return report, err
	}

	var sentIDs []string
	if ctx.Err() == nil {
		var err error
		sentIDs, err = o.dispatch(ctx, &report)
		if err != nil {
			return report, err
		}
	}

	if err := o.settle(ctx, &report, sentIDs); err != nil {
		return report, err
	}
	return report, nil
}

// fetchAll is Phase 1. Sequential mode paces regions with the configured
// delay; parallel mode dispatches to a bounded worker pool and ignores
// the delay.
func (o *Orchestrator) fetchAll(ctx context.Context, report *Report, from, to time.Time) []warning.Event {
	type fetchResult struct {
		events []warning.Event
		err    error
	}
	results := make(map[string]fetchResult, len(o.opts.AreaCodes))

	if o.opts.MaxWorkers > 1 {
		logging.Info(o.opts.Logger, "cycle.parallel_fetch", "workers", o.opts.MaxWorkers)
		if o.opts.AreaInterval > 0 {
			logging.Info(o.opts.Logger, "cycle.area_interval_ignored",
				"area_interval_sec", o.opts.AreaInterval.Seconds())
		}

		var (
			mu  sync.Mutex
			wg  sync.WaitGroup
			sem = make(chan struct{}, o.opts.MaxWorkers)
		)
		for _, area := range o.opts.AreaCodes {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(area string) {
				defer wg.Done()
				defer func() { <-sem }()
				logging.Info(o.opts.Logger, "area.start", "area_code", area)
				events, err := o.fetcher.Fetch(ctx, area, from, to)
				mu.Lock()
				results[area] = fetchResult{events: events, err: err}
				mu.Unlock()
			}(area)
		}
		wg.Wait()
	} else {
		for i, area := range o.opts.AreaCodes {
			if ctx.Err() != nil {
				break
			}
			if i > 0 && o.opts.AreaInterval > 0 {
				if err := o.opts.Clock.Sleep(ctx, o.opts.AreaInterval); err != nil {
					break
				}
			}
			logging.Info(o.opts.Logger, "area.start", "area_code", area)
			events, err := o.fetcher.Fetch(ctx, area, from, to)
			results[area] = fetchResult{events: events, err: err}
		}
	}

	var all []warning.Event
	for _, area := range o.opts.AreaCodes {
		res, ok := results[area]
		if !ok {
			// The region was never attempted (cancellation or a worker
			// that vanished); surface it as its own failure kind rather
			// than a silent drop.
			report.Areas[area] = AreaResult{Failed: true, ErrorKind: kma.KindMissingResult}
			report.FailedAreas++
			report.ErrorCodes[kma.KindMissingResult]++
			logging.Warn(o.opts.Logger, "area.failed",
				"area_code", area, "error_kind", kma.KindMissingResult)
			continue
		}
		report.FetchCalls++
		if res.err != nil {
			kind := kma.ErrorKind(res.err)
			report.Areas[area] = AreaResult{Failed: true, ErrorKind: kind}
			report.FailedAreas++
			report.ErrorCodes[kind]++
			logging.Warn(o.opts.Logger, "area.failed",
				"area_code", area,
				"error_kind", kind,
				"error", o.opts.Redactor.Error(res.err),
			)
			continue
		}
		report.Areas[area] = AreaResult{Fetched: len(res.events)}
		report.AlertsFetched += len(res.events)
		all = append(all, res.events...)
	}
	return all
}

// track is Phase 2: one batched upsert of every fetched event.
func (o *Orchestrator) track(ctx context.Context, report *Report, events []warning.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := o.opts.Clock.Now()
	records := make([]state.Record, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		id := ev.Fingerprint()
		if seen[id] {
			continue
		}
		seen[id] = true
		records = append(records, state.Record{
			EventID:     id,
			Event:       ev,
			FirstSeenAt: now,
			UpdatedAt:   now,
		})
	}
	if err := o.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	return nil
}

// dispatch is Phase 3: send pending events up to the attempt budget,
// rotating the starting region across cycles for fairness.
func (o *Orchestrator) dispatch(ctx context.Context, report *Report) ([]string, error) {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	byArea := make(map[string][]state.Record)
	for _, rec := range pending {
		byArea[rec.Event.AreaCode] = append(byArea[rec.Event.AreaCode], rec)
	}
	for _, recs := range byArea {
		sort.Slice(recs, func(i, j int) bool {
			if !recs[i].Event.AnnounceTime.Equal(recs[j].Event.AnnounceTime) {
				return recs[i].Event.AnnounceTime.Before(recs[j].Event.AnnounceTime)
			}
			return recs[i].EventID < recs[j].EventID
		})
	}

	order := o.dispatchOrder(byArea)
	budget := o.opts.MaxAttemptsPerCycle

	// Interleave one record per region per round so the attempt budget is
	// spent breadth-first: a single backlogged region can never consume
	// the whole budget while later regions starve.
	var queue []state.Record
	for round := 0; ; round++ {
		added := false
		for _, area := range order {
			if recs := byArea[area]; round < len(recs) {
				queue = append(queue, recs[round])
				added = true
			}
		}
		if !added {
			break
		}
	}

	var sentIDs []string
	skipped := make(map[string]int)
	for _, rec := range queue {
		area := rec.Event.AreaCode
		if ctx.Err() != nil || report.Attempts+report.DryRun >= budget {
			skipped[area]++
			continue
		}
		msg := o.builder.Warning(rec.Event)

		if o.opts.DryRun {
			report.DryRun++
			logging.Info(o.opts.Logger, "notification.dry_run",
				"event_id", rec.EventID, "area_code", area)
			continue
		}

		attempts, err := o.sender.Send(ctx, msg)
		report.Attempts++
		if err != nil {
			report.Failed++
			kind := senderErrorKind(err)
			report.ErrorCodes[kind]++
			logging.Error(o.opts.Logger, "notification.final_failure",
				"event_id", rec.EventID,
				"area_code", area,
				"attempts", attempts,
				"error_kind", kind,
				"error", o.opts.Redactor.Error(err),
			)
			continue
		}
		report.Sent++
		sentIDs = append(sentIDs, rec.EventID)
		logging.Info(o.opts.Logger, "notification.sent",
			"event_id", rec.EventID,
			"area_code", area,
			"attempt", attempts,
		)
	}
	for _, area := range order {
		if n := skipped[area]; n > 0 {
			report.Backpressure += n
			logging.Warn(o.opts.Logger, "notification.backpressure.applied",
				"area_code", area, "skipped", n)
		}
	}
	return sentIDs, nil
}

// dispatchOrder returns the configured regions rotated by the round-robin
// cursor, followed by any pending regions no longer in the configuration.
func (o *Orchestrator) dispatchOrder(byArea map[string][]state.Record) []string {
	n := len(o.opts.AreaCodes)
	order := make([]string, 0, len(byArea))
	if n > 0 {
		start := o.cursor % n
		o.cursor++
		for i := 0; i < n; i++ {
			area := o.opts.AreaCodes[(start+i)%n]
			if _, ok := byArea[area]; ok {
				order = append(order, area)
			}
		}
	}
	configured := make(map[string]bool, n)
	for _, a := range o.opts.AreaCodes {
		configured[a] = true
	}
	var extra []string
	for area := range byArea {
		if !configured[area] {
			extra = append(extra, area)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

// settle is Phase 4: one batched mark-sent plus the cycle metrics events.
func (o *Orchestrator) settle(ctx context.Context, report *Report, sentIDs []string) error {
	if len(sentIDs) > 0 {
		if err := o.store.MarkSent(ctx, sentIDs, o.opts.Clock.Now()); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	}
	pendingTotal, err := o.store.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	report.PendingTotal = pendingTotal
	report.FinishedAt = o.opts.Clock.Now()

	logging.Info(o.opts.Logger, "cycle.cost.metrics",
		"api_calls", report.FetchCalls,
		"alerts_fetched", report.AlertsFetched,
		"attempts", report.Attempts,
		"sent", report.Sent,
		"failed", report.Failed,
		"dry_run_skips", report.DryRun,
		"backpressure_skips", report.Backpressure,
		"pending_total", report.PendingTotal,
	)
	logging.Info(o.opts.Logger, "cycle.complete",
		"duration_sec", report.FinishedAt.Sub(report.StartedAt).Seconds(),
		"areas_total", report.TotalAreas,
		"areas_failed", report.FailedAreas,
		"alerts_fetched", report.AlertsFetched,
		"sent", report.Sent,
		"failed", report.Failed,
		"pending_total", report.PendingTotal,
	)
	return nil
}

// senderErrorKind maps a send failure to a stable histogram key.
func senderErrorKind(err error) string {
	switch {
	case errors.Is(err, dooray.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, dooray.ErrBusinessFailure):
		return "webhook_business_failure"
	}
	var se *dooray.StatusError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return "http_server_error"
		}
		return "http_client_error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport_error"
}
