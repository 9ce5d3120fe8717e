package health

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
)

// FileStore persists monitor state as a JSON document. It follows the
// same corruption contract as the state store: an unparseable artifact is
// renamed aside and replaced with a fresh empty state, never an error.
type FileStore struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

// NewFileStore builds a store writing to path.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	return &FileStore{path: path, log: log}
}

// Load reads the persisted state. Missing and corrupted files both yield
// a zero State.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		logging.Error(s.log, "state.read_failed", "path", s.path, "error", err.Error())
		return State{}, err
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		backup := s.path + ".broken-" + time.Now().UTC().Format("20060102T150405Z")
		logging.Error(s.log, "state.invalid_json", "path", s.path, "backup", backup, "error", err.Error())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			logging.Error(s.log, "state.backup_failed", "path", s.path, "error", renameErr.Error())
		}
		return State{}, nil
	}
	return st, nil
}

// Save atomically rewrites the state file.
func (s *FileStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return err
	}
	return nil
}
