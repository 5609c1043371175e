package store

import (
	"context"
	"fmt"
)

// migration is one post-release schema change. applied is a boolean query
// reporting whether the change is already present; sql is the idempotent
// statement that introduces it. Like every other store operation, each
// migration is its own auto-commit statement.
type migration struct {
	name    string
	applied string
	sql     string
}

// migrations lists pending schema changes in apply order. Empty for now —
// the schema is young enough that changes still go straight into
// schema.sql; this list exists so the first post-release change has
// somewhere to land without touching EnsureSchema's bootstrap path.
var migrations = []migration{}

// EnsureSchema brings the database up to date on agent start: it applies
// the embedded schema when the database is fresh, then walks the
// migrations list and applies whatever isn't there yet. Safe to run from
// every agent concurrently — the schema uses IF NOT EXISTS throughout and
// each migration re-checks before applying.
func (db *DB) EnsureSchema(ctx context.Context, schemaSQL []byte) error {
	fresh, err := db.missingTable(ctx, "sessions")
	if err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	if fresh {
		db.log.Info().Msg("fresh database, applying embedded schema")
		if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	for _, m := range migrations {
		var done bool
		if m.applied != "" {
			if err := db.Pool.QueryRow(ctx, m.applied).Scan(&done); err != nil {
				return fmt.Errorf("check migration %q: %w", m.name, err)
			}
		}
		if done {
			continue
		}
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %q: %w", m.name, err)
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
	}
	return nil
}

// missingTable reports whether name is absent from the public schema.
func (db *DB) missingTable(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = $1)`,
		name,
	).Scan(&exists)
	return !exists, err
}
