// Package pgstorage implements storage.Backend on PostgreSQL with
// LISTEN/NOTIFY change notification. Notifications carry only the
// persistence key; watchers re-read the row, so bursts coalesce into
// the newest entry and delivered entries carry no diff.
package pgstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell/inkstore/pkg/storage"
)

const createTable = `
CREATE TABLE IF NOT EXISTS sync_entries (
	key         TEXT PRIMARY KEY,
	seq         BIGINT NOT NULL,
	origin      TEXT NOT NULL,
	envelope_id TEXT NOT NULL,
	written_at  TIMESTAMPTZ NOT NULL,
	diff        JSONB,
	state       JSONB NOT NULL
)`

// notifyChannel is shared by all keys; the notification payload is the
// persistence key that changed.
const notifyChannel = "inkstore_sync"

// Backend stores one row per persistence key in a pgx pool.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to a postgres:// DSN and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Backend, error) {
	if databaseURL == "" {
		return nil, errors.New("databaseURL is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// Read returns the latest entry for key.
func (b *Backend) Read(ctx context.Context, key string) (storage.Entry, bool, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT seq, origin, envelope_id, written_at, diff, state FROM sync_entries WHERE key = $1`, key)
	var (
		e   storage.Entry
		seq int64
	)
	err := row.Scan(&seq, &e.Origin, &e.EnvelopeID, &e.WrittenAt, &e.Diff, &e.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Entry{}, false, nil
	}
	if err != nil {
		return storage.Entry{}, false, err
	}
	e.Seq = uint64(seq)
	return e, true, nil
}

// Write upserts the entry for key and notifies listeners.
func (b *Backend) Write(ctx context.Context, key string, e storage.Entry) error {
	_, err := b.pool.Exec(ctx, `
INSERT INTO sync_entries (key, seq, origin, envelope_id, written_at, diff, state)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE SET
	seq = excluded.seq,
	origin = excluded.origin,
	envelope_id = excluded.envelope_id,
	written_at = excluded.written_at,
	diff = excluded.diff,
	state = excluded.state`,
		key, int64(e.Seq), e.Origin, e.EnvelopeID, e.WrittenAt.UTC(), e.Diff, e.State)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key)
	return err
}

// Watch holds a dedicated connection on LISTEN and re-reads the row
// whenever a notification names this key.
func (b *Backend) Watch(ctx context.Context, key string, fn func(storage.Entry)) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return err
	}
	last := ""
	if e, ok, err := b.Read(ctx, key); err == nil && ok {
		last = e.EnvelopeID
	}
	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("postgres watch lost", "key", key, "err", err)
				return
			}
			if n.Payload != key {
				continue
			}
			e, ok, err := b.Read(ctx, key)
			if err != nil || !ok || e.EnvelopeID == last {
				continue
			}
			last = e.EnvelopeID
			e.Diff = nil
			fn(e)
		}
	}()
	return nil
}

// Close closes the pool. Watch connections release with their contexts.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
