// Package state persists tracked warning events for deduplication.
//
// Two interchangeable backends implement the same contract: a single-file
// JSON document and an embedded SQLite database. Both key records by the
// event fingerprint, both survive crashes via atomic replacement, and both
// recover from a corrupted artifact by renaming it aside and continuing
// with a fresh empty state.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

// Record is one tracked warning event.
type Record struct {
	EventID     string        `json:"-"`
	Event       warning.Event `json:"payload"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastSentAt  *time.Time    `json:"last_sent_at,omitempty"`
	Sent        bool          `json:"sent"`
}

// Store is the backend-agnostic contract. Within one process all writers
// are serialized by the implementation; cross-process concurrent writers
// are not supported.
type Store interface {
	// Upsert inserts or refreshes records in one batch. An existing
	// fingerprint keeps its first_seen_at, sent, and last_sent_at; its
	// payload and updated_at change only when the payload differs.
	Upsert(ctx context.Context, records []Record) error
	// ListPending returns records with sent=false.
	ListPending(ctx context.Context) ([]Record, error)
	// ListAll returns every record.
	ListAll(ctx context.Context) ([]Record, error)
	// MarkSent flips sent=true and stamps last_sent_at for the given ids.
	MarkSent(ctx context.Context, eventIDs []string, at time.Time) error
	// CleanupStale deletes records whose updated_at is before olderThan.
	// Unsent records are kept unless includeUnsent is set, so pending
	// retries survive long outages. Returns the number deleted.
	CleanupStale(ctx context.Context, olderThan time.Time, includeUnsent bool) (int, error)
	// CountPending returns the number of records with sent=false.
	CountPending(ctx context.Context) (int, error)
	Close() error
}

// IOError wraps persistence failures so the service loop can classify
// them as retriable rather than fatal.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("state %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// payloadEqual reports whether two event payloads serialize identically.
func payloadEqual(a, b warning.Event) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// brokenTimestamp is the UTC basic-format stamp appended to backup names.
const brokenTimestamp = "20060102T150405Z"

func brokenName(path string, now time.Time) string {
	return path + ".broken-" + now.UTC().Format(brokenTimestamp)
}
