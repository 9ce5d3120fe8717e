package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/config"
)

func testThresholds() config.HealthThresholds {
	return config.HealthThresholds{
		OutageWindow:              10 * time.Minute,
		OutageMinFailedCycles:     6,
		OutageConsecutiveFailures: 4,
		OutageFailRatio:           0.5,

		RecoveryWindow:               10 * time.Minute,
		RecoveryMaxFailRatio:         0.2,
		RecoveryConsecutiveSuccesses: 3,

		HeartbeatInterval: 30 * time.Minute,
		BackoffMax:        30 * time.Minute,
	}
}

func failing(at time.Time) Outcome {
	return Outcome{At: at, FailedAreas: 3, TotalAreas: 3, ErrorCodes: []string{"timeout"}}
}

func healthy(at time.Time) Outcome {
	return Outcome{At: at, FailedAreas: 0, TotalAreas: 3}
}

// feed runs a sequence of outcomes spaced by step and collects every
// transition that fired.
func feed(m *Monitor, st State, start time.Time, step time.Duration, outcomes []func(time.Time) Outcome) (State, []Transition) {
	var all []Transition
	now := start
	for _, mk := range outcomes {
		var trs []Transition
		st, trs = m.Evaluate(st, mk(now), now)
		all = append(all, trs...)
		now = now.Add(step)
	}
	return st, all
}

func repeat(mk func(time.Time) Outcome, n int) []func(time.Time) Outcome {
	out := make([]func(time.Time) Outcome, n)
	for i := range out {
		out[i] = mk
	}
	return out
}

func TestOutageDetectedExactlyOnce(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	// Six severe cycles within ten minutes fire exactly one detection.
	st, transitions := feed(m, State{}, start, 100*time.Second, repeat(failing, 6))

	count := 0
	for _, tr := range transitions {
		if tr == OutageDetected {
			count++
		}
	}
	assert.Equal(t, 1, count, "transitions: %v", transitions)
	assert.True(t, st.IncidentOpen)
	assert.False(t, st.IncidentOpenedAt.IsZero())
}

func TestOutageNeedsBothThresholds(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	// Five severe cycles meet the consecutive bar but not min-failed.
	st, transitions := feed(m, State{}, start, 100*time.Second, repeat(failing, 5))
	assert.Empty(t, transitions)
	assert.False(t, st.IncidentOpen)

	// Alternating severe/healthy never builds the consecutive run.
	var alternating []func(time.Time) Outcome
	for i := 0; i < 12; i++ {
		if i%2 == 0 {
			alternating = append(alternating, failing)
		} else {
			alternating = append(alternating, healthy)
		}
	}
	st, transitions = feed(m, State{}, start, 30*time.Second, alternating)
	assert.Empty(t, transitions)
	assert.False(t, st.IncidentOpen)
}

func TestRecoveryAfterOutage(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	st, _ := feed(m, State{}, start, 100*time.Second, repeat(failing, 6))
	require.True(t, st.IncidentOpen)

	st, transitions := feed(m, st, start.Add(600*time.Second), 100*time.Second, repeat(healthy, 8))
	recovered := 0
	for _, tr := range transitions {
		if tr == Recovered {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered, "transitions: %v", transitions)
	assert.False(t, st.IncidentOpen)
	assert.Zero(t, st.ConsecutiveSevereFailures)
	assert.NotEmpty(t, st.BackfillCursor, "recovery must schedule backfill")
}

func TestHeartbeatWhileIncidentOpen(t *testing.T) {
	t.Parallel()

	cfg := testThresholds()
	cfg.HeartbeatInterval = 5 * time.Minute
	m := NewMonitor(cfg, 7, 1)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	st, _ := feed(m, State{}, start, 100*time.Second, repeat(failing, 6))
	require.True(t, st.IncidentOpen)

	// Keep failing: heartbeats fire at the configured cadence, not every
	// cycle.
	st, transitions := feed(m, st, start.Add(600*time.Second), 100*time.Second, repeat(failing, 12))
	beats := 0
	for _, tr := range transitions {
		if tr == OutageHeartbeat {
			beats++
		}
	}
	assert.GreaterOrEqual(t, beats, 2)
	assert.LessOrEqual(t, beats, 5)
	assert.True(t, st.IncidentOpen)
}

func TestSuggestedIntervalBacksOff(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	base := time.Minute

	healthySt := State{}
	assert.Equal(t, base, m.SuggestedInterval(healthySt, base))

	open := State{IncidentOpen: true, ConsecutiveSevereFailures: 1}
	assert.Equal(t, 2*time.Minute, m.SuggestedInterval(open, base))
	open.ConsecutiveSevereFailures = 3
	assert.Equal(t, 8*time.Minute, m.SuggestedInterval(open, base))
	open.ConsecutiveSevereFailures = 20
	assert.Equal(t, 30*time.Minute, m.SuggestedInterval(open, base), "must cap at backoff max")
}

func TestBackfillSegmentsRespectCaps(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	now := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)

	// Five-day incident, one-day windows: five segments.
	segs := m.backfillSegments(now.AddDate(0, 0, -5), now)
	assert.Len(t, segs, 5)
	assert.Equal(t, now.AddDate(0, 0, -5), segs[0].From)
	assert.Equal(t, now, segs[len(segs)-1].To)

	// Thirty-day incident capped at seven days.
	segs = m.backfillSegments(now.AddDate(0, 0, -30), now)
	assert.Len(t, segs, 7)
	assert.Equal(t, now.AddDate(0, 0, -7), segs[0].From)

	// Sub-window incidents still produce one bounded segment.
	segs = m.backfillSegments(now.Add(-2*time.Hour), now)
	assert.Len(t, segs, 1)
	assert.Equal(t, now, segs[0].To)
}

func TestPopBackfill(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	st := State{BackfillCursor: []Segment{
		{From: now.AddDate(0, 0, -3), To: now.AddDate(0, 0, -2)},
		{From: now.AddDate(0, 0, -2), To: now.AddDate(0, 0, -1)},
		{From: now.AddDate(0, 0, -1), To: now},
	}}

	taken, next := st.PopBackfill(2)
	require.Len(t, taken, 2)
	assert.Len(t, next.BackfillCursor, 1)
	// The original state is untouched (value semantics).
	assert.Len(t, st.BackfillCursor, 3)

	taken, next = next.PopBackfill(5)
	assert.Len(t, taken, 1)
	assert.Empty(t, next.BackfillCursor)

	taken, _ = next.PopBackfill(2)
	assert.Empty(t, taken)
}

func TestWindowPruning(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	st := State{}
	now := start
	for i := 0; i < 50; i++ {
		st, _ = m.Evaluate(st, healthy(now), now)
		now = now.Add(time.Minute)
	}
	// Retention is max(outage, recovery) = 10 minutes of one-minute
	// samples plus the newest one.
	assert.LessOrEqual(t, len(st.Window), 12)
}

func TestZeroAreasIsNotSevere(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testThresholds(), 7, 1)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	st, trs := m.Evaluate(State{}, Outcome{At: now, TotalAreas: 0}, now)
	assert.Empty(t, trs)
	assert.Zero(t, st.ConsecutiveSevereFailures)
	assert.Equal(t, 1, st.ConsecutiveStableCycles)
}
