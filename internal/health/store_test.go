package health

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "health_state.json")
	s := NewFileStore(path, nil)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	st := State{
		IncidentOpen:              true,
		IncidentOpenedAt:          now,
		LastHeartbeatAt:           now,
		ConsecutiveSevereFailures: 4,
		Window: []Sample{
			{At: now, Severe: true, FailRatio: 1, ErrorCodes: []string{"timeout"}},
		},
		BackfillCursor: []Segment{{From: now.AddDate(0, 0, -1), To: now}},
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.IncidentOpen || got.ConsecutiveSevereFailures != 4 {
		t.Fatalf("state lost: %+v", got)
	}
	if len(got.BackfillCursor) != 1 {
		t.Fatalf("backfill cursor must survive restart: %+v", got.BackfillCursor)
	}
	if !got.IncidentOpenedAt.Equal(now) {
		t.Fatalf("IncidentOpenedAt = %v", got.IncidentOpenedAt)
	}
	if len(got.Window) != 1 || !got.Window[0].Severe {
		t.Fatalf("window lost: %+v", got.Window)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	t.Parallel()

	s := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), nil)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.IncidentOpen || len(st.Window) != 0 {
		t.Fatalf("expected zero state, got %+v", st)
	}
}

func TestFileStoreCorruptionRecovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "health_state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("prewrite: %v", err)
	}

	s := NewFileStore(path, nil)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("corrupted state must not fail load: %v", err)
	}
	if st.IncidentOpen {
		t.Fatalf("expected fresh state, got %+v", st)
	}

	entries, _ := os.ReadDir(dir)
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "health_state.json.broken-") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no .broken-* backup: %v", entries)
	}
}
