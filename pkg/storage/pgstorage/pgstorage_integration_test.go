//go:build integration

package pgstorage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/inkwell/inkstore/pkg/storage"
)

func startPostgres(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("inkstore"),
		tcpostgres.WithUsername("inkstore"),
		tcpostgres.WithPassword("inkstore"),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	b, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPostgresReadWrite(t *testing.T) {
	b := startPostgres(t)
	ctx := t.Context()

	if _, ok, err := b.Read(ctx, "doc"); err != nil || ok {
		t.Fatalf("empty read: ok=%v err=%v", ok, err)
	}

	e := storage.Entry{
		Seq:        7,
		Origin:     "peer-a",
		EnvelopeID: "env-1",
		WrittenAt:  time.Now().UTC(),
		Diff:       json.RawMessage(`{"added":1}`),
		State:      json.RawMessage(`{"records":[]}`),
	}
	if err := b.Write(ctx, "doc", e); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.Read(ctx, "doc")
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	if got.Seq != 7 || got.Origin != "peer-a" || got.EnvelopeID != "env-1" {
		t.Fatalf("entry mismatch: %+v", got)
	}
	if got.Diff == nil {
		t.Fatal("diff lost on roundtrip")
	}

	// Upsert replaces the row for the same key.
	e.Seq, e.EnvelopeID = 8, "env-2"
	if err := b.Write(ctx, "doc", e); err != nil {
		t.Fatal(err)
	}
	got, _, err = b.Read(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 8 || got.EnvelopeID != "env-2" {
		t.Fatalf("upsert mismatch: %+v", got)
	}
}

func TestPostgresWatchDeliversWithoutDiff(t *testing.T) {
	b := startPostgres(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	seen := make(chan storage.Entry, 8)
	if err := b.Watch(ctx, "doc", func(e storage.Entry) { seen <- e }); err != nil {
		t.Fatal(err)
	}

	e := storage.Entry{
		Seq:        1,
		Origin:     "peer-a",
		EnvelopeID: "env-1",
		WrittenAt:  time.Now().UTC(),
		Diff:       json.RawMessage(`{"added":1}`),
		State:      json.RawMessage(`{"records":[]}`),
	}
	if err := b.Write(ctx, "doc", e); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-seen:
		if got.EnvelopeID != "env-1" {
			t.Fatalf("envelope=%q want env-1", got.EnvelopeID)
		}
		if got.Diff != nil {
			t.Fatal("notify watch must strip diff")
		}
		if got.State == nil {
			t.Fatal("state missing")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery")
	}

	// Other keys do not reach this watcher.
	if err := b.Write(ctx, "other", e); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-seen:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(500 * time.Millisecond):
	}
}
