// Package memstorage implements storage.Backend in process memory.
// Instances sharing one *Backend value see each other's writes, which
// makes it the backend for same-process sync and for tests.
package memstorage

import (
	"context"
	"errors"
	"sync"

	"github.com/inkwell/inkstore/pkg/storage"
)

var errClosed = errors.New("memstorage: closed")

// Backend keeps the latest entry per key and fans writes out to
// watchers synchronously, in write order.
type Backend struct {
	// fanMu serializes write+notify so watchers observe writes in
	// commit order even with concurrent writers.
	fanMu sync.Mutex

	mu       sync.RWMutex
	entries  map[string]storage.Entry
	watchers map[string]map[uint64]func(storage.Entry)
	nextID   uint64
	closed   bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		entries:  make(map[string]storage.Entry),
		watchers: make(map[string]map[uint64]func(storage.Entry)),
	}
}

// Read returns the latest entry for key.
func (b *Backend) Read(_ context.Context, key string) (storage.Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return storage.Entry{}, false, errClosed
	}
	e, ok := b.entries[key]
	if !ok {
		return storage.Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// Write replaces the entry for key and notifies every watcher of the
// key, including the writer's own, before returning.
func (b *Backend) Write(_ context.Context, key string, e storage.Entry) error {
	b.fanMu.Lock()
	defer b.fanMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed
	}
	b.entries[key] = cloneEntry(e)
	fns := make([]func(storage.Entry), 0, len(b.watchers[key]))
	for _, fn := range b.watchers[key] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(cloneEntry(e))
	}
	return nil
}

// Watch registers fn for writes under key until ctx is canceled.
func (b *Backend) Watch(ctx context.Context, key string, fn func(storage.Entry)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed
	}
	id := b.nextID
	b.nextID++
	bucket, ok := b.watchers[key]
	if !ok {
		bucket = make(map[uint64]func(storage.Entry))
		b.watchers[key] = bucket
	}
	bucket[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers[key], id)
		b.mu.Unlock()
	}()
	return nil
}

// Close drops all entries. Watches stop with their contexts.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.entries = nil
	return nil
}

func cloneEntry(e storage.Entry) storage.Entry {
	if e.Diff != nil {
		e.Diff = append([]byte(nil), e.Diff...)
	}
	if e.State != nil {
		e.State = append([]byte(nil), e.State...)
	}
	return e
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
