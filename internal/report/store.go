// Package report keeps a durable audit trail of moderation activity in
// PostgreSQL. Chat messages themselves are ephemeral; the audit rows are not.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/groupchat/internal/moderation"
)

// Store manages audit rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry is one persisted report row.
type Entry struct {
	MessageID  string
	Reporter   string
	Author     string
	Excerpt    string
	LedgerSize int
	Flagged    bool
	ReportedAt time.Time
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	return NewStore(db), nil
}

// RecordReport inserts one report row.
func (s *Store) RecordReport(ctx context.Context, ev moderation.ReportEvent) error {
	if ev.MessageID == "" || ev.Reporter == "" {
		return fmt.Errorf("report: missing message id or reporter")
	}
	if ev.LedgerSize <= 0 {
		return fmt.Errorf("report: invalid ledger size %d", ev.LedgerSize)
	}

	const query = `
		INSERT INTO message_reports (message_id, reporter, author, excerpt, ledger_size, flagged, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		ev.MessageID,
		ev.Reporter,
		ev.Author,
		ev.Excerpt,
		ev.LedgerSize,
		ev.Flagged,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("report: insert report: %w", err)
	}
	return nil
}

// RecordRemoval inserts the removal row for a message. A message is removed
// at most once, so a duplicate event is ignored.
func (s *Store) RecordRemoval(ctx context.Context, ev moderation.RemovalEvent) error {
	const query = `
		INSERT INTO message_removals (message_id, author, excerpt, reports, removed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		ev.MessageID,
		ev.Author,
		ev.Excerpt,
		ev.Reports,
		ev.RemovedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert removal: %w", err)
	}
	return nil
}

// Reports returns the rows recorded for messageID, oldest first.
func (s *Store) Reports(ctx context.Context, messageID string) ([]Entry, error) {
	const query = `
		SELECT message_id, reporter, author, excerpt, ledger_size, flagged, reported_at
		FROM message_reports
		WHERE message_id = $1
		ORDER BY reported_at, id`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("report: query reports: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MessageID, &e.Reporter, &e.Author, &e.Excerpt, &e.LedgerSize, &e.Flagged, &e.ReportedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: rows: %w", err)
	}
	return out, nil
}

// CountRecent returns the number of reports filed against messages by author
// within the given window.
func (s *Store) CountRecent(ctx context.Context, author string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM message_reports
		WHERE author = $1
		  AND reported_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, author, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
