// Package store wraps the pgxpool connection pool and provides the
// queries every agent uses to read and write sessions, transcripts, graph
// nodes, and snapshots. Every query is an independent auto-commit
// statement — there is no long-lived transaction, matching the one-write-
// per-event shape of the pipeline.
package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// pingTimeout bounds the liveness probe so a wedged pool can't hang a
// health endpoint.
const pingTimeout = 2 * time.Second

// Options configure Connect. MaxConns/MinConns left at zero fall back to
// a small pool: each agent writes at most one row per consumed event, so
// the pipeline never needs tr-engine-class connection counts.
type Options struct {
	DSN      string
	MaxConns int32
	MinConns int32
	Log      zerolog.Logger
}

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pgx pool against opts.DSN and verifies it with a ping
// before returning.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	minConns := opts.MinConns
	if minConns <= 0 {
		minConns = 2
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	opts.Log.Info().
		Str("dsn", redactDSN(opts.DSN)).
		Int32("pool_max", maxConns).
		Int32("pool_min", minConns).
		Msg("postgres pool ready")

	return &DB{Pool: pool, log: opts.Log}, nil
}

// HealthCheck pings the pool with a bounded deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// redactDSN strips the password from a connection string before it is
// logged. Unparseable strings are withheld entirely rather than risk
// leaking credentials.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	return u.Redacted()
}

func (db *DB) Close() {
	db.log.Debug().Msg("postgres pool closed")
	db.Pool.Close()
}
