// Package seenstore gives the in-memory Seen-Commit Memory optional
// durability across restarts. The core scheduling engine never talks to
// this package directly; it is wired in by cmd/buildmonitor as an
// external collaborator that seeds internal/seen.Set before Start and
// persists it best-effort afterward, matching the spec's treatment of
// persistence as strictly an external concern.
package seenstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_commits (
	sha text PRIMARY KEY,
	ref_name text NOT NULL,
	first_seen_at timestamptz NOT NULL
)
`

// Store persists seen commit SHAs to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to dsn, applies the schema if missing, and returns a
// ready Store.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// LoadAll returns every SHA persisted so far, for seeding
// internal/seen.Set before the supervisor starts.
func (s *Store) LoadAll(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT sha FROM seen_commits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shas []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		shas = append(shas, sha)
	}
	return shas, rows.Err()
}

// Record persists one newly-seen SHA. Duplicate inserts are ignored: a
// SHA, once seen, is never recorded twice.
func (s *Store) Record(ctx context.Context, sha, refName string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO seen_commits (sha, ref_name, first_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (sha) DO NOTHING
	`, sha, refName, seenAt)
	return err
}

// RecordAsync persists sha in the background and logs (rather than
// propagates) any failure: durability is a best-effort convenience, and
// the dispatcher must never block a build launch on a database round
// trip.
func (s *Store) RecordAsync(sha, refName string, seenAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, sha, refName, seenAt); err != nil {
			s.log.Warn().Err(err).Str("sha", sha).Msg("seenstore: failed to persist seen commit")
		}
	}()
}
