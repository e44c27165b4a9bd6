package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the query surface shared by *pgx.Conn, *pgxpool.Pool and pgx.Tx,
// so stores can run against a pool in production and a single connection or
// transaction in tests.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin starts a transaction, or a savepoint when called on a pgx.Tx.
	Begin(ctx context.Context) (pgx.Tx, error)
}
