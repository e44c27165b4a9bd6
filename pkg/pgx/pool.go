package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool describes how to build a *pgxpool.Pool.
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	ConnString string          // Used if Config is nil
	MaxConns   int32           // Overrides the pool_max_conns default when > 0
	// PingTimeout bounds the initial reachability check, defaults to 5 seconds
	PingTimeout time.Duration
}

var ErrNoConnString = errors.New("either Config or ConnString must be provided")

// NewPool creates a connection pool and verifies the server is reachable.
func NewPool(ctx context.Context, cfg Pool) (*pgxpool.Pool, error) {
	poolCfg := cfg.Config
	if poolCfg == nil {
		if cfg.ConnString == "" {
			return nil, ErrNoConnString
		}
		var err error
		if poolCfg, err = pgxpool.ParseConfig(cfg.ConnString); err != nil {
			return nil, fmt.Errorf("pgx: parse config: %w", err)
		}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool: %w", err)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping connection: %w", err)
	}

	return pool, nil
}
