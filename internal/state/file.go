package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
)

// fileDocument is the on-disk shape of the file backend.
type fileDocument struct {
	SentMessages map[string]Record `json:"sent_messages"`
}

// FileStore keeps the full record map in memory and rewrites the JSON
// artifact atomically (temp file + rename) after every mutation.
type FileStore struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	records map[string]Record
	pending int // cached count of sent=false records
}

// NewFileStore loads (or initializes) the state file at path. A corrupted
// artifact is renamed aside and replaced with a fresh empty state; load
// never fails because of corruption.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	s := &FileStore{path: path, log: log, records: map[string]Record{}}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &IOError{Op: "init", Err: err}
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		logging.Error(log, "state.read_failed", "path", path, "error", err.Error())
		return nil, &IOError{Op: "read", Err: err}
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.backupBroken(err)
		return s, nil
	}
	for id, rec := range doc.SentMessages {
		rec.EventID = id
		s.records[id] = rec
		if !rec.Sent {
			s.pending++
		}
	}
	return s, nil
}

// backupBroken renames the unparseable artifact aside. A failed rename is
// logged and otherwise ignored so a corrupted file never stops the service.
func (s *FileStore) backupBroken(cause error) {
	backup := brokenName(s.path, time.Now())
	logging.Error(s.log, "state.invalid_json", "path", s.path, "backup", backup, "error", cause.Error())
	if err := os.Rename(s.path, backup); err != nil {
		logging.Error(s.log, "state.backup_failed", "path", s.path, "error", err.Error())
	}
}

func (s *FileStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, rec := range records {
		if rec.EventID == "" {
			return &IOError{Op: "upsert", Err: fmt.Errorf("record missing event id")}
		}
		existing, ok := s.records[rec.EventID]
		if !ok {
			s.records[rec.EventID] = rec
			if !rec.Sent {
				s.pending++
			}
			changed = true
			continue
		}
		if payloadEqual(existing.Event, rec.Event) {
			continue
		}
		existing.Event = rec.Event
		existing.UpdatedAt = rec.UpdatedAt
		s.records[rec.EventID] = existing
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persistLocked(ctx)
}

func (s *FileStore) ListPending(ctx context.Context) ([]Record, error) {
	return s.list(func(r Record) bool { return !r.Sent })
}

func (s *FileStore) ListAll(ctx context.Context) ([]Record, error) {
	return s.list(func(r Record) bool { return true })
}

func (s *FileStore) list(keep func(Record) bool) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FileStore) MarkSent(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range eventIDs {
		rec, ok := s.records[id]
		if !ok || rec.Sent {
			continue
		}
		sentAt := at
		rec.Sent = true
		rec.LastSentAt = &sentAt
		s.records[id] = rec
		s.pending--
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persistLocked(ctx)
}

func (s *FileStore) CleanupStale(ctx context.Context, olderThan time.Time, includeUnsent bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rec := range s.records {
		if !rec.UpdatedAt.Before(olderThan) {
			continue
		}
		if !rec.Sent && !includeUnsent {
			continue
		}
		if !rec.Sent {
			s.pending--
		}
		delete(s.records, id)
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := s.persistLocked(ctx); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *FileStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *FileStore) Close() error { return nil }

// persistLocked writes the document through a temp file and renames it
// over the live artifact. Callers hold s.mu; the write itself is local
// disk I/O, never network.
func (s *FileStore) persistLocked(ctx context.Context) error {
	doc := fileDocument{SentMessages: s.records}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "persist", Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "persist", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "persist", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "persist", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "persist", Err: err}
	}
	return nil
}
