package state

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Migrate copies every record from the file backend into the SQLite
// backend, preserving first_seen_at, updated_at, last_sent_at, and sent
// exactly. Existing rows with the same fingerprint are replaced. Returns
// the number of migrated records.
func Migrate(ctx context.Context, from *FileStore, to *SQLiteStore) (int, error) {
	records, err := from.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := to.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &IOError{Op: "migrate", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO sent_messages
		(event_id, payload, first_seen_at, updated_at, last_sent_at, sent)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, &IOError{Op: "migrate", Err: err}
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if err := to.insertExact(ctx, stmt, rec); err != nil {
			return 0, &IOError{Op: "migrate", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &IOError{Op: "migrate", Err: err}
	}
	return len(records), nil
}

// VerifySummary is the structured result of an integrity comparison
// between the two backends.
type VerifySummary struct {
	FileCount   int      `json:"file_count"`
	SQLiteCount int      `json:"sqlite_count"`
	Compared    int      `json:"compared"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Ok reports whether the comparison passed. In strict mode any warning
// counts as a failure.
func (v VerifySummary) Ok(strict bool) bool {
	if len(v.Errors) > 0 {
		return false
	}
	return !strict || len(v.Warnings) == 0
}

// VerifyIntegrity compares the two backends row by row. Row-count and
// sent-flag mismatches and rows missing from either side are errors;
// timestamp drift on otherwise matching rows is a warning.
func VerifyIntegrity(ctx context.Context, file *FileStore, db *SQLiteStore) (VerifySummary, error) {
	var sum VerifySummary

	fileRecs, err := file.ListAll(ctx)
	if err != nil {
		return sum, err
	}
	dbRecs, err := db.ListAll(ctx)
	if err != nil {
		return sum, err
	}
	sum.FileCount = len(fileRecs)
	sum.SQLiteCount = len(dbRecs)
	if sum.FileCount != sum.SQLiteCount {
		sum.Errors = append(sum.Errors,
			fmt.Sprintf("row count mismatch: file=%d sqlite=%d", sum.FileCount, sum.SQLiteCount))
	}

	byID := make(map[string]Record, len(dbRecs))
	for _, rec := range dbRecs {
		byID[rec.EventID] = rec
	}

	sort.Slice(fileRecs, func(i, j int) bool { return fileRecs[i].EventID < fileRecs[j].EventID })
	for _, want := range fileRecs {
		got, ok := byID[want.EventID]
		if !ok {
			sum.Errors = append(sum.Errors, fmt.Sprintf("missing in sqlite: %s", want.EventID))
			continue
		}
		delete(byID, want.EventID)
		sum.Compared++

		if want.Sent != got.Sent {
			sum.Errors = append(sum.Errors,
				fmt.Sprintf("sent mismatch for %s: file=%t sqlite=%t", want.EventID, want.Sent, got.Sent))
		}
		if !sameInstant(want.FirstSeenAt, got.FirstSeenAt) {
			sum.Warnings = append(sum.Warnings,
				fmt.Sprintf("first_seen_at drift for %s", want.EventID))
		}
		if !sameInstant(want.UpdatedAt, got.UpdatedAt) {
			sum.Warnings = append(sum.Warnings,
				fmt.Sprintf("updated_at drift for %s", want.EventID))
		}
		if !sameOptionalInstant(want.LastSentAt, got.LastSentAt) {
			sum.Warnings = append(sum.Warnings,
				fmt.Sprintf("last_sent_at drift for %s", want.EventID))
		}
	}
	for id := range byID {
		sum.Errors = append(sum.Errors, fmt.Sprintf("missing in file: %s", id))
	}
	sort.Strings(sum.Errors)
	sort.Strings(sum.Warnings)
	return sum, nil
}

func sameInstant(a, b time.Time) bool {
	return a.UTC().Equal(b.UTC())
}

func sameOptionalInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameInstant(*a, *b)
}
