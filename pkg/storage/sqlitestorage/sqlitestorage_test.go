package sqlitestorage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/inkwell/inkstore/pkg/storage"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(t.Context(), ""); err == nil {
		t.Fatal("empty DSN accepted")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := t.Context()
	b, err := Open(ctx, "sqlite:file:rw?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if _, ok, err := b.Read(ctx, "board"); err != nil || ok {
		t.Fatalf("empty read: ok=%v err=%v", ok, err)
	}

	e := storage.Entry{
		Seq: 3, Origin: "peer-a", EnvelopeID: "01A",
		WrittenAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Diff:      json.RawMessage(`{"seq":3}`),
		State:     json.RawMessage(`{"records":[]}`),
	}
	if err := b.Write(ctx, "board", e); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.Read(ctx, "board")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.Seq != 3 || got.Origin != "peer-a" || got.EnvelopeID != "01A" {
		t.Fatalf("got=%+v", got)
	}
	if !got.WrittenAt.Equal(e.WrittenAt) {
		t.Fatalf("written_at=%v want %v", got.WrittenAt, e.WrittenAt)
	}
	if string(got.Diff) != `{"seq":3}` || string(got.State) != `{"records":[]}` {
		t.Fatalf("blobs: diff=%s state=%s", got.Diff, got.State)
	}

	// Upsert replaces the row.
	e.Seq, e.EnvelopeID, e.Diff = 4, "01B", nil
	if err := b.Write(ctx, "board", e); err != nil {
		t.Fatal(err)
	}
	latest, _, _ := b.Read(ctx, "board")
	if latest.Seq != 4 || latest.EnvelopeID != "01B" || len(latest.Diff) != 0 {
		t.Fatalf("latest=%+v", latest)
	}
}

func TestWatchDeliversNewestWithoutDiff(t *testing.T) {
	ctx := t.Context()
	b, err := Open(ctx, "sqlite:file:watch?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	// Entries written before the watch must not be replayed.
	pre := storage.Entry{Seq: 1, EnvelopeID: "01A", State: json.RawMessage(`{}`)}
	if err := b.Write(ctx, "board", pre); err != nil {
		t.Fatal(err)
	}

	got := make(chan storage.Entry, 4)
	if err := b.Watch(ctx, "board", func(e storage.Entry) { got <- e }); err != nil {
		t.Fatal(err)
	}

	next := storage.Entry{
		Seq: 2, Origin: "peer-b", EnvelopeID: "01B",
		Diff: json.RawMessage(`{"seq":2}`), State: json.RawMessage(`{"v":2}`),
	}
	if err := b.Write(ctx, "board", next); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.EnvelopeID != "01B" || e.Seq != 2 {
			t.Fatalf("entry=%+v", e)
		}
		if len(e.Diff) != 0 {
			t.Fatal("poll watch must strip the diff")
		}
		if string(e.State) != `{"v":2}` {
			t.Fatalf("state=%s", e.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch delivered nothing")
	}

	// An unchanged row stays quiet.
	select {
	case e := <-got:
		t.Fatalf("spurious delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
