package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"rsswatcher/internal/model"
	"rsswatcher/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// IsSeen reports whether the (guid, feedName) pair is already recorded.
func (s *SQLite) IsSeen(ctx context.Context, guid, feedName string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_entries WHERE guid = ? AND feed_name = ?`,
		guid, feedName,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return true, nil
}

// MarkSeen records one entry as seen. Re-marking is a no-op.
func (s *SQLite) MarkSeen(ctx context.Context, rec model.SeenRecord) error {
	now := timestamp(rec.SeenAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_entries (guid, feed_name, title, link, seen_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.GUID, rec.FeedName, rec.Title, rec.Link, now,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// MarkManySeen records a batch of entries as seen in one transaction.
func (s *SQLite) MarkManySeen(ctx context.Context, recs []model.SeenRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_entries (guid, feed_name, title, link, seen_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.GUID, rec.FeedName, rec.Title, rec.Link, timestamp(rec.SeenAt)); err != nil {
			return fmt.Errorf("mark seen %q: %w", rec.GUID, err)
		}
	}
	return tx.Commit()
}

// FeedState reports whether the feed's first-run bootstrap has completed.
func (s *SQLite) FeedState(ctx context.Context, feedName string) (model.FeedState, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM feed_state WHERE feed_name = ?`, feedName,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return model.FeedUninitialized, nil
	}
	if err != nil {
		return model.FeedUninitialized, fmt.Errorf("check feed state: %w", err)
	}
	return model.FeedInitialized, nil
}

// MarkFeedInitialized records the completion of a feed's first-run
// bootstrap. Re-marking is a no-op; the original timestamp is kept.
func (s *SQLite) MarkFeedInitialized(ctx context.Context, feedName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feed_state (feed_name, initialized_at) VALUES (?, ?)`,
		feedName, timestamp(time.Time{}),
	)
	if err != nil {
		return fmt.Errorf("mark feed initialized: %w", err)
	}
	return nil
}

// SeenCount returns the number of seen entries, for one feed or, with an
// empty feedName, across all feeds.
func (s *SQLite) SeenCount(ctx context.Context, feedName string) (int, error) {
	var count int
	var err error
	if feedName == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_entries`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM seen_entries WHERE feed_name = ?`, feedName,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count seen: %w", err)
	}
	return count, nil
}

// CleanupOlderThan deletes seen entries whose seen_at is older than age
// and returns how many rows were removed.
func (s *SQLite) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_entries WHERE seen_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}
