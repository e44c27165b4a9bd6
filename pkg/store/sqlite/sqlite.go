// Package sqlite is the embedded, file-backed event store. It is the default
// backend and needs no server, which keeps the demo runnable on one machine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/edgeflare/platewatch/pkg/plate"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS plates (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	plate       TEXT NOT NULL,
	"timestamp" TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS plates_timestamp_id_idx ON plates ("timestamp" DESC, id DESC);
`

// Store persists plate events in a SQLite database file.
type Store struct {
	db *sql.DB
	// writes are serialized here rather than through SQLITE_BUSY retries
	mu sync.Mutex
}

// Open opens (creating if needed) the database at dsn. A bare path such as
// "plates.db" is accepted and gets WAL journaling and a busy timeout.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, &plate.StorageError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &plate.StorageError{Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

func withPragmas(dsn string) string {
	if dsn == "" {
		dsn = "plates.db"
	}
	if strings.Contains(dsn, "_pragma=") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Init creates the plates table and its ordering index if they are absent.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &plate.StorageError{Op: "init", Err: err}
	}
	return nil
}

// Append inserts a new event and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, p, timestamp string) (plate.Event, error) {
	if err := plate.CheckFields(p, timestamp); err != nil {
		return plate.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO plates (plate, "timestamp") VALUES (?, ?)`, p, timestamp)
	if err != nil {
		return plate.Event{}, &plate.StorageError{Op: "append", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return plate.Event{}, &plate.StorageError{Op: "append", Err: err}
	}
	return plate.Event{ID: id, Plate: p, Timestamp: timestamp}, nil
}

// ListRecent returns up to limit events, newest timestamp first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]plate.Event, error) {
	if err := plate.CheckLimit(limit); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plate, "timestamp" FROM plates ORDER BY "timestamp" DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &plate.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	events := []plate.Event{}
	for rows.Next() {
		var e plate.Event
		if err := rows.Scan(&e.ID, &e.Plate, &e.Timestamp); err != nil {
			return nil, &plate.StorageError{Op: "list", Err: err}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &plate.StorageError{Op: "list", Err: err}
	}
	return events, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plates`).Scan(&n); err != nil {
		return 0, &plate.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &plate.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}
