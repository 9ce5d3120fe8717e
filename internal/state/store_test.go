package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

func testEvent(area, station, seq string) warning.Event {
	return warning.Event{
		AreaCode:     area,
		AreaName:     "서울",
		KindCode:     "1",
		LevelCode:    "0",
		ActionCode:   "announce",
		AnnounceTime: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		StationID:    station,
		AnnounceSeq:  seq,
	}
}

func testRecord(id string, at time.Time) Record {
	return Record{
		EventID:     id,
		Event:       testEvent("L1", "108", id),
		FirstSeenAt: at,
		UpdatedAt:   at,
	}
}

// newTestStores builds one store of each backend in a temp dir.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileStore(filepath.Join(dir, "sent_messages.json"), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	db, err := NewSQLiteStore(filepath.Join(dir, "sent_messages.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{"file": file, "sqlite": db}
}

func TestStoreContractUpsertPreservesHistory(t *testing.T) {
	t.Parallel()

	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
			t1 := t0.Add(time.Hour)

			if err := s.Upsert(ctx, []Record{testRecord("a", t0)}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.MarkSent(ctx, []string{"a"}, t0.Add(time.Minute)); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}

			// Re-upserting the same payload later must not touch anything.
			if err := s.Upsert(ctx, []Record{testRecord("a", t1)}); err != nil {
				t.Fatalf("re-Upsert: %v", err)
			}

			all, err := s.ListAll(ctx)
			if err != nil {
				t.Fatalf("ListAll: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("len(all) = %d", len(all))
			}
			rec := all[0]
			if !rec.FirstSeenAt.Equal(t0) {
				t.Fatalf("first_seen_at regressed: %v", rec.FirstSeenAt)
			}
			if !rec.UpdatedAt.Equal(t0) {
				t.Fatalf("updated_at bumped without payload change: %v", rec.UpdatedAt)
			}
			if !rec.Sent || rec.LastSentAt == nil {
				t.Fatalf("sent flag lost: sent=%t last_sent_at=%v", rec.Sent, rec.LastSentAt)
			}

			// A changed payload updates payload + updated_at only.
			changed := testRecord("a", t1)
			changed.Event.AreaName = "부산"
			if err := s.Upsert(ctx, []Record{changed}); err != nil {
				t.Fatalf("changed Upsert: %v", err)
			}
			all, _ = s.ListAll(ctx)
			rec = all[0]
			if rec.Event.AreaName != "부산" {
				t.Fatalf("payload not updated: %q", rec.Event.AreaName)
			}
			if !rec.UpdatedAt.Equal(t1) {
				t.Fatalf("updated_at = %v, want %v", rec.UpdatedAt, t1)
			}
			if !rec.FirstSeenAt.Equal(t0) || !rec.Sent {
				t.Fatal("history fields must survive payload updates")
			}
		})
	}
}

func TestStoreContractPendingLifecycle(t *testing.T) {
	t.Parallel()

	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

			records := []Record{testRecord("a", t0), testRecord("b", t0), testRecord("c", t0)}
			if err := s.Upsert(ctx, records); err != nil {
				t.Fatalf("Upsert: %v", err)
			}

			n, err := s.CountPending(ctx)
			if err != nil || n != 3 {
				t.Fatalf("CountPending = %d, %v", n, err)
			}

			if err := s.MarkSent(ctx, []string{"a", "c"}, t0.Add(time.Minute)); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			pending, err := s.ListPending(ctx)
			if err != nil {
				t.Fatalf("ListPending: %v", err)
			}
			if len(pending) != 1 || pending[0].EventID != "b" {
				t.Fatalf("pending = %+v", pending)
			}
			if n, _ := s.CountPending(ctx); n != 1 {
				t.Fatalf("CountPending after mark = %d", n)
			}
		})
	}
}

func TestStoreContractCleanupStale(t *testing.T) {
	t.Parallel()

	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			fresh := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
			cutoff := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

			if err := s.Upsert(ctx, []Record{
				testRecord("old-sent", old),
				testRecord("old-pending", old),
				testRecord("fresh-sent", fresh),
			}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.MarkSent(ctx, []string{"old-sent", "fresh-sent"}, fresh); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}

			// Default: unsent survives, stale sent goes.
			deleted, err := s.CleanupStale(ctx, cutoff, false)
			if err != nil {
				t.Fatalf("CleanupStale: %v", err)
			}
			if deleted != 1 {
				t.Fatalf("deleted = %d, want 1", deleted)
			}
			if n, _ := s.CountPending(ctx); n != 1 {
				t.Fatalf("pending retries must survive cleanup, pending = %d", n)
			}

			// include_unsent sweeps the pending one too.
			deleted, err = s.CleanupStale(ctx, cutoff, true)
			if err != nil || deleted != 1 {
				t.Fatalf("CleanupStale(include_unsent) = %d, %v", deleted, err)
			}
			all, _ := s.ListAll(ctx)
			if len(all) != 1 || all[0].EventID != "fresh-sent" {
				t.Fatalf("all = %+v", all)
			}
		})
	}
}

func TestStoreContractMarkSentIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

			if err := s.Upsert(ctx, []Record{testRecord("a", t0)}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.MarkSent(ctx, []string{"a", "ghost"}, t0); err != nil {
				t.Fatalf("MarkSent with unknown id: %v", err)
			}
			if err := s.MarkSent(ctx, []string{"a"}, t0.Add(time.Hour)); err != nil {
				t.Fatalf("repeat MarkSent: %v", err)
			}
			if n, _ := s.CountPending(ctx); n != 0 {
				t.Fatalf("pending = %d", n)
			}
		})
	}
}
