// Package pg is the PostgreSQL event store, backed by a pgx connection pool.
package pg

import (
	"context"
	"fmt"

	"github.com/edgeflare/platewatch/pkg/plate"
	pgxutil "github.com/edgeflare/platewatch/pkg/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "plates"

// initLockID serializes concurrent Init calls from several processes.
const initLockID = 0x706c61746573 // "plates"

type Config struct {
	ConnString string
	Table      string
	MaxConns   int32
}

// Store persists plate events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	conn pgxutil.Conn
	name string
	// table is name quoted for use in statements
	table string
}

// Open connects to PostgreSQL. The table is not created until Init.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxutil.NewPool(ctx, pgxutil.Pool{ConnString: cfg.ConnString, MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, &plate.StorageError{Op: "open", Err: err}
	}
	s := New(pool, cfg.Table)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection. Close is a no-op for stores built this way.
func New(conn pgxutil.Conn, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{conn: conn, name: table, table: pgx.Identifier{table}.Sanitize()}
}

// Init creates the table and ordering index if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	index := pgx.Identifier{s.name + "_timestamp_id_idx"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`SELECT pg_advisory_xact_lock(%d)`, initLockID),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			plate       TEXT NOT NULL,
			"timestamp" TEXT COLLATE "C" NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("timestamp" COLLATE "C" DESC, id DESC)`, index, s.table),
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return &plate.StorageError{Op: "init", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return &plate.StorageError{Op: "init", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &plate.StorageError{Op: "init", Err: err}
	}
	return nil
}

// Append inserts a new event and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, p, timestamp string) (plate.Event, error) {
	if err := plate.CheckFields(p, timestamp); err != nil {
		return plate.Event{}, err
	}

	e := plate.Event{Plate: p, Timestamp: timestamp}
	query := fmt.Sprintf(`INSERT INTO %s (plate, "timestamp") VALUES ($1, $2) RETURNING id`, s.table)
	if err := s.conn.QueryRow(ctx, query, p, timestamp).Scan(&e.ID); err != nil {
		return plate.Event{}, &plate.StorageError{Op: "append", Err: err}
	}
	return e, nil
}

// ListRecent returns up to limit events, newest timestamp first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]plate.Event, error) {
	if err := plate.CheckLimit(limit); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, plate, "timestamp" FROM %s ORDER BY "timestamp" COLLATE "C" DESC, id DESC LIMIT $1`, s.table)
	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, &plate.StorageError{Op: "list", Err: err}
	}

	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[plate.Event])
	if err != nil {
		return nil, &plate.StorageError{Op: "list", Err: err}
	}
	if events == nil {
		events = []plate.Event{}
	}
	return events, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, &plate.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "SELECT 1"); err != nil {
		return &plate.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the pool if this store owns one.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
