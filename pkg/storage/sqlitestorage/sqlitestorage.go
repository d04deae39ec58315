// Package sqlitestorage implements storage.Backend on SQLite through
// database/sql. Change notification is poll-based: watchers observe the
// newest entry, so delivered entries carry no diff and peers reconcile
// from full state.
package sqlitestorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/inkwell/inkstore/pkg/storage"
)

const createTable = `
CREATE TABLE IF NOT EXISTS sync_entries (
	key         TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	origin      TEXT NOT NULL,
	envelope_id TEXT NOT NULL,
	written_at  TEXT NOT NULL,
	diff        BLOB,
	state       BLOB NOT NULL
)`

// DefaultPollInterval is the watch poll cadence when no option is given.
const DefaultPollInterval = 250 * time.Millisecond

// Backend stores one row per persistence key.
type Backend struct {
	db   *sql.DB
	poll time.Duration
}

// Option configures the Backend at open time.
type Option func(*Backend)

// WithPollInterval sets the watch poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.poll = d
		}
	}
}

// Open opens a DATABASE_URL style sqlite DSN.
// Examples:
//   - sqlite:file:./ink.sqlite?cache=shared&_pragma=busy_timeout(5000)
//   - sqlite:file:test?mode=memory&cache=shared
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Backend, error) {
	if databaseURL == "" {
		return nil, errors.New("databaseURL is empty")
	}
	// ncruces/go-sqlite3 uses driver name "sqlite3" and DSN like file:... or :memory:
	dsn := databaseURL
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite:") {
		dsn = dsn[len("sqlite:"):]
	}
	if dsn == "" {
		dsn = "file:inkstore.sqlite?cache=shared&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	b := &Backend{db: db, poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Read returns the latest entry for key.
func (b *Backend) Read(ctx context.Context, key string) (storage.Entry, bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT seq, origin, envelope_id, written_at, diff, state FROM sync_entries WHERE key = ?`, key)
	var (
		e         storage.Entry
		seq       int64
		writtenAt string
		diff      []byte
		state     []byte
	)
	err := row.Scan(&seq, &e.Origin, &e.EnvelopeID, &writtenAt, &diff, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Entry{}, false, nil
	}
	if err != nil {
		return storage.Entry{}, false, err
	}
	e.Seq = uint64(seq)
	if ts, perr := time.Parse(time.RFC3339Nano, writtenAt); perr == nil {
		e.WrittenAt = ts
	}
	e.Diff = diff
	e.State = state
	return e, true, nil
}

// Write upserts the entry for key.
func (b *Backend) Write(ctx context.Context, key string, e storage.Entry) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO sync_entries (key, seq, origin, envelope_id, written_at, diff, state)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	seq = excluded.seq,
	origin = excluded.origin,
	envelope_id = excluded.envelope_id,
	written_at = excluded.written_at,
	diff = excluded.diff,
	state = excluded.state`,
		key, int64(e.Seq), e.Origin, e.EnvelopeID,
		e.WrittenAt.UTC().Format(time.RFC3339Nano), []byte(e.Diff), []byte(e.State))
	return err
}

// Watch polls for a changed envelope id and delivers the newest entry.
// Bursts between polls coalesce; the diff is dropped so consumers fall
// back to state reconciliation.
func (b *Backend) Watch(ctx context.Context, key string, fn func(storage.Entry)) error {
	last := ""
	if e, ok, err := b.Read(ctx, key); err == nil && ok {
		last = e.EnvelopeID
	}
	go func() {
		t := time.NewTicker(b.poll)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			e, ok, err := b.Read(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("sqlite watch read failed", "key", key, "err", err)
				continue
			}
			if !ok || e.EnvelopeID == last {
				continue
			}
			last = e.EnvelopeID
			e.Diff = nil
			fn(e)
		}
	}()
	return nil
}

// Close closes the underlying database.
func (b *Backend) Close() error { return b.db.Close() }

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
