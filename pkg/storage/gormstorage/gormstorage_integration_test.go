//go:build integration

package gormstorage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/inkwell/inkstore/pkg/storage"
)

func TestGormReadWrite(t *testing.T) {
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
	b, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if _, ok, err := b.Read(ctx, "doc"); err != nil || ok {
		t.Fatalf("empty read: ok=%v err=%v", ok, err)
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
	got, ok, err := b.Read(ctx, "doc")
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	if got.Seq != 1 || got.Origin != "peer-a" || got.Diff == nil {
		t.Fatalf("entry mismatch: %+v", got)
	}

	e.Seq, e.EnvelopeID = 2, "env-2"
	if err := b.Write(ctx, "doc", e); err != nil {
		t.Fatal(err)
	}
	got, _, err = b.Read(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 2 || got.EnvelopeID != "env-2" {
		t.Fatalf("upsert mismatch: %+v", got)
	}

	if err := b.Watch(ctx, "doc", func(storage.Entry) {}); err != storage.ErrWatchUnsupported {
		t.Fatalf("watch err=%v want ErrWatchUnsupported", err)
	}
}
