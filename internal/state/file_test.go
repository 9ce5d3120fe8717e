package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent_messages.json")
	ctx := context.Background()
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	s, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Upsert(ctx, []Record{testRecord("a", t0), testRecord("b", t0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.MarkSent(ctx, []string{"a"}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	reopened, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d", len(all))
	}
	if n, _ := reopened.CountPending(ctx); n != 1 {
		t.Fatalf("pending after reopen = %d", n)
	}
}

func TestFileStoreDocumentShape(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent_messages.json")
	ctx := context.Background()
	s, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec := testRecord("stn:108|202607011000|1|announce|0", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if err := s.Upsert(ctx, []Record{rec}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("artifact is not JSON: %v", err)
	}
	inner, ok := doc["sent_messages"]
	if !ok {
		t.Fatalf("top-level key missing: %s", raw)
	}
	if _, ok := inner[rec.EventID]; !ok {
		t.Fatalf("record not keyed by fingerprint: %s", raw)
	}
}

func TestFileStoreCorruptionRecovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sent_messages.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("prewrite: %v", err)
	}

	s, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("corrupted artifact must not fail open: %v", err)
	}
	all, _ := s.ListAll(context.Background())
	if len(all) != 0 {
		t.Fatalf("expected fresh empty state, got %d records", len(all))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	foundBackup := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "sent_messages.json.broken-") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Fatalf("no .broken-* backup created: %v", entries)
	}

	// The store keeps working after recovery.
	if err := s.Upsert(context.Background(), []Record{testRecord("a", time.Now().UTC())}); err != nil {
		t.Fatalf("Upsert after recovery: %v", err)
	}
}

func TestFileStoreCountPendingIsCached(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent_messages.json")
	ctx := context.Background()
	s, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Upsert(ctx, []Record{testRecord("a", t0), testRecord("b", t0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, _ := s.CountPending(ctx); n != 2 {
		t.Fatalf("pending = %d", n)
	}
	_ = s.MarkSent(ctx, []string{"a"}, t0)
	if n, _ := s.CountPending(ctx); n != 1 {
		t.Fatalf("pending = %d", n)
	}
	if _, err := s.CleanupStale(ctx, t0.Add(time.Hour), true); err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n, _ := s.CountPending(ctx); n != 0 {
		t.Fatalf("pending after cleanup = %d", n)
	}
}
