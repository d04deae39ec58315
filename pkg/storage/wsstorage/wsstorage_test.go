package wsstorage

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inkwell/inkstore/pkg/storage"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRelay())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()
	b, err := Open(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func entry(seq uint64, origin string) storage.Entry {
	return storage.Entry{
		Seq:        seq,
		Origin:     origin,
		EnvelopeID: fmt.Sprintf("env-%d", seq),
		WrittenAt:  time.Now().UTC(),
		Diff:       json.RawMessage(`{"added":1}`),
		State:      json.RawMessage(`{"records":[]}`),
	}
}

func TestOpenRejectsBadScheme(t *testing.T) {
	if _, err := Open("ftp://relay"); err == nil {
		t.Fatal("want scheme error")
	}
}

func TestReadYourOwnWrite(t *testing.T) {
	srv := newRelayServer(t)
	b := newClient(t, srv)
	ctx := t.Context()

	if _, ok, err := b.Read(ctx, "doc"); err != nil || ok {
		t.Fatalf("empty read: ok=%v err=%v", ok, err)
	}
	if err := b.Write(ctx, "doc", entry(1, "peer-a")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := b.Read(ctx, "doc")
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	if got.Seq != 1 || got.EnvelopeID != "env-1" {
		t.Fatalf("entry mismatch: %+v", got)
	}
}

func TestHelloDeliversLatestToLateJoiner(t *testing.T) {
	srv := newRelayServer(t)
	writer := newClient(t, srv)
	ctx := t.Context()

	if err := writer.Write(ctx, "doc", entry(3, "peer-a")); err != nil {
		t.Fatal(err)
	}

	// The relay applies writes in arrival order; wait until it echoes
	// before a late joiner asks for the latest entry.
	deadline := time.Now().Add(2 * time.Second)
	for {
		late := newClient(t, srv)
		got, ok, err := late.Read(ctx, "doc")
		if err != nil {
			t.Fatal(err)
		}
		if ok && got.Seq == 3 {
			if got.Origin != "peer-a" {
				t.Fatalf("origin=%q want peer-a", got.Origin)
			}
			return
		}
		_ = late.Close()
		if time.Now().After(deadline) {
			t.Fatalf("late joiner never saw entry: ok=%v got=%+v", ok, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchFansOutInOrderWithDiff(t *testing.T) {
	srv := newRelayServer(t)
	a := newClient(t, srv)
	b := newClient(t, srv)
	ctx := t.Context()

	fromA := make(chan storage.Entry, 8)
	fromB := make(chan storage.Entry, 8)
	if err := a.Watch(ctx, "doc", func(e storage.Entry) { fromA <- e }); err != nil {
		t.Fatal(err)
	}
	if err := b.Watch(ctx, "doc", func(e storage.Entry) { fromB <- e }); err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if err := a.Write(ctx, "doc", entry(seq, "peer-a")); err != nil {
			t.Fatal(err)
		}
	}

	for name, ch := range map[string]chan storage.Entry{"own echo": fromA, "remote": fromB} {
		for seq := uint64(1); seq <= 3; seq++ {
			select {
			case got := <-ch:
				if got.Seq != seq {
					t.Fatalf("%s: seq=%d want %d", name, got.Seq, seq)
				}
				if got.Diff == nil {
					t.Fatalf("%s: diff stripped", name)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("%s: no delivery for seq %d", name, seq)
			}
		}
	}
}

func TestWatchIsKeyScoped(t *testing.T) {
	srv := newRelayServer(t)
	a := newClient(t, srv)
	b := newClient(t, srv)
	ctx := t.Context()

	other := make(chan storage.Entry, 1)
	if err := b.Watch(ctx, "other", func(e storage.Entry) { other <- e }); err != nil {
		t.Fatal(err)
	}
	if err := a.Write(ctx, "doc", entry(1, "peer-a")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-other:
		t.Fatalf("cross-key delivery: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClosedBackendRejectsOps(t *testing.T) {
	srv := newRelayServer(t)
	b := newClient(t, srv)
	ctx := t.Context()

	if err := b.Write(ctx, "doc", entry(1, "peer-a")); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Read(ctx, "doc"); err == nil {
		t.Fatal("read after close must fail")
	}
	if err := b.Write(ctx, "doc", entry(2, "peer-a")); err == nil {
		t.Fatal("write after close must fail")
	}
}
