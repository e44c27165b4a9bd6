// Package pgtest wires tests to the PostgreSQL server named by TEST_DATABASE.
// Tests calling into it are skipped when the variable is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

const EnvVar = "TEST_DATABASE"

// ConnString returns the test connection string or skips the test.
func ConnString(t testing.TB) string {
	t.Helper()
	s := os.Getenv(EnvVar)
	if s == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", EnvVar)
	}
	return s
}

// ParseConfig returns a test connection config with server notices logged.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(ConnString(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	return config
}

// Connect opens a single connection that is closed when the test ends.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})

	return conn
}
