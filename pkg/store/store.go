// Package store defines the append-only plate event store and opens one of its
// backends by driver name.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/store/pg"
	"github.com/edgeflare/platewatch/pkg/store/sqlite"
	"go.uber.org/zap"
)

// DefaultLimit is the number of events returned when a caller gives none.
const DefaultLimit = 10

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a durable, append-only record of plate events.
//
// Append and ListRecent return plate.ErrInvalidArgument for empty fields and
// non-positive limits, and *plate.StorageError when the backend fails.
// ListRecent orders by timestamp descending as a raw string, ties broken by
// most recent insertion.
type Store interface {
	// Init creates the schema. Calling it again is a no-op.
	Init(ctx context.Context) error
	Append(ctx context.Context, plate, timestamp string) (plate.Event, error)
	ListRecent(ctx context.Context, limit int) ([]plate.Event, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*pg.Store)(nil)
)

// Config selects and configures a backend.
type Config struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"maxConns"`
}

// Open connects to the configured backend and initializes its schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		s, err = sqlite.Open(ctx, cfg.DSN)
	case DriverPostgres, "pg", "postgresql":
		s, err = pg.Open(ctx, pg.Config{ConnString: cfg.DSN, MaxConns: cfg.MaxConns})
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", plate.ErrInvalidArgument, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("event store ready", zap.String("driver", driverName(cfg.Driver)))
	return s, nil
}

func driverName(d string) string {
	if d == "" {
		return DriverSQLite
	}
	return strings.ToLower(d)
}
