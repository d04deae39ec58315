// Package storage defines the durable persistence capability sync peers
// write through: one entry per persistence key, last write wins, plus
// change notification for backends that can push or poll.
// Implementations must provide identical semantics across backends so a
// peer can switch backends without behavior changes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrWatchUnsupported is returned by backends that cannot deliver
// change notifications. Peers on such a backend keep durability but
// lose live sync.
var ErrWatchUnsupported = errors.New("storage: watch unsupported")

// Entry is the persisted representation of one persistence key: the
// latest full document-scope state plus the change envelope that
// produced it. Diff and State are opaque JSON blobs; the sync layer
// owns their encoding.
type Entry struct {
	// Seq is the writing instance's envelope counter, contiguous per
	// Origin. Readers use it to tell a missed entry from the next one.
	Seq uint64 `json:"seq"`

	// Origin identifies the writing instance, used to drop self-echoes.
	Origin string `json:"origin"`

	// EnvelopeID is a time-sortable unique id for this write.
	EnvelopeID string `json:"envelope_id"`

	// WrittenAt is the write time in UTC.
	WrittenAt time.Time `json:"written_at"`

	// Diff is the JSON change set that produced State, when one exists.
	// Poll backends may deliver entries without it.
	Diff json.RawMessage `json:"diff,omitempty"`

	// State is the latest full scoped snapshot document.
	State json.RawMessage `json:"state"`
}

// Backend is the host-supplied durable storage capability, keyed by
// persistence key. All methods must be safe for concurrent use.
type Backend interface {
	// Read returns the latest entry for key; ok is false when the key
	// has never been written.
	Read(ctx context.Context, key string) (Entry, bool, error)

	// Write replaces the entry for key. Concurrent writers race with
	// last-write-wins semantics; no locking is assumed.
	Write(ctx context.Context, key string, e Entry) error

	// Watch invokes fn for entries written under key by any instance,
	// including this one, until ctx is canceled. Delivery is
	// best-effort and in write order per key; poll-based backends may
	// coalesce bursts into the newest entry. Returns
	// ErrWatchUnsupported when the backend cannot notify.
	Watch(ctx context.Context, key string, fn func(Entry)) error

	// Close releases the backend. Watches stop with their contexts.
	Close() error
}
