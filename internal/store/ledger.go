package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// The processed-email ledger stops the pipeline from re-parsing an email on
// every run. Entries never expire; cleanup is an operator concern.

func EmailProcessed(ctx context.Context, db *sql.DB, messageID string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_emails WHERE message_id = ? LIMIT 1;`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return true, nil
}

func MarkEmailProcessed(ctx context.Context, db *sql.DB, messageID, kind string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO processed_emails (message_id, kind, processed_at)
VALUES (?, ?, ?);`,
		messageID, kind, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}
	return nil
}

// RunSummary is one row of run history, persisted at the end of each run.
type RunSummary struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	EmailsRead    int
	Extracted     int
	NewRecords    int
	Unchanged     int
	Recomputed    int
	Ambiguous     int
	GeocodeCalls  int
	DistanceCalls int
	PlacesCalls   int
}

func InsertRunSummary(ctx context.Context, db *sql.DB, s RunSummary) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO runs (id, started_at, finished_at, emails_read, extracted,
  new_records, unchanged, recomputed, ambiguous,
  geocode_calls, distance_calls, places_calls)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?);`,
		s.ID,
		s.StartedAt.UTC().Format(time.RFC3339),
		s.FinishedAt.UTC().Format(time.RFC3339),
		s.EmailsRead, s.Extracted,
		s.NewRecords, s.Unchanged, s.Recomputed, s.Ambiguous,
		s.GeocodeCalls, s.DistanceCalls, s.PlacesCalls,
	)
	if err != nil {
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit run summaries, newest first.
func RecentRuns(ctx context.Context, db *sql.DB, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, started_at, finished_at, emails_read, extracted,
  new_records, unchanged, recomputed, ambiguous,
  geocode_calls, distance_calls, places_calls
FROM runs
ORDER BY started_at DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var started, finished string
		if err := rows.Scan(&s.ID, &started, &finished, &s.EmailsRead, &s.Extracted,
			&s.NewRecords, &s.Unchanged, &s.Recomputed, &s.Ambiguous,
			&s.GeocodeCalls, &s.DistanceCalls, &s.PlacesCalls); err != nil {
			return nil, err
		}
		s.StartedAt, _ = time.Parse(time.RFC3339, started)
		s.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, s)
	}
	return out, rows.Err()
}
