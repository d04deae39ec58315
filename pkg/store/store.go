// Package store implements the in-memory scoped record store: a keyed
// map of versioned records with transactional mutation, change
// subscription, and snapshot-consistent scoped queries.
//
// All writes go through Update. Commits are serialized, so observers
// see either the pre- or the post-transaction state of the store, never
// an intermediate one. Every committed transaction with a net effect
// produces exactly one ChangeSet, delivered to subscribers in commit
// order and retained in a bounded history for replay.
package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/inkwell/inkstore/pkg/record"
	"github.com/inkwell/inkstore/pkg/schema"
)

// DefaultHistoryLimit is the number of committed change sets retained
// for Changes replay when no WithHistoryLimit option is given.
const DefaultHistoryLimit = 512

// Store is an in-memory record store validated against one schema
// registry. Reads are safe for concurrent use; writes serialize on an
// internal commit lock.
type Store struct {
	reg *schema.Registry

	mu      sync.RWMutex
	byScope map[record.Scope]map[string]record.Record // scope -> id -> record

	// commitMu serializes commits and is held through subscriber
	// notification so delivery order matches commit order.
	commitMu sync.Mutex
	lastSeq  atomic.Uint64

	history    *skipmap.FuncMap[uint64, record.ChangeSet] // seq -> change set
	historyCap int

	subMu   sync.RWMutex
	subs    map[uint64]func(record.ChangeSet)
	nextSub uint64
}

// Option configures the Store at construction time.
type Option func(*Store)

// WithHistoryLimit caps the number of committed change sets retained
// for Changes replay. Values below 1 keep the default.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// New creates an empty store validated against reg.
func New(reg *schema.Registry, opts ...Option) *Store {
	s := &Store{
		reg:     reg,
		byScope: make(map[record.Scope]map[string]record.Record),
		history: skipmap.NewFunc[uint64, record.ChangeSet](func(a, b uint64) bool {
			return a < b
		}),
		historyCap: DefaultHistoryLimit,
		subs:       make(map[uint64]func(record.ChangeSet)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the schema registry the store validates against.
func (s *Store) Registry() *schema.Registry {
	return s.reg
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lookupLocked(id)
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// Has reports whether a record with the given id exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lookupLocked(id)
	return ok
}

// Put upserts a single record in its own transaction.
func (s *Store) Put(ctx context.Context, rec record.Record) error {
	_, err := s.Update(ctx, func(tx *Tx) error {
		return tx.Put(rec)
	})
	return err
}

// Delete removes a single record in its own transaction. Deleting an
// absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(tx *Tx) error {
		tx.Delete(id)
		return nil
	})
	return err
}

// Update runs fn inside a transaction and commits its staged mutations
// atomically. If fn returns an error the transaction aborts and the
// store is unchanged. The returned change set is the committed net
// effect; it is empty (Seq zero) when the transaction had none.
//
// Subscribers run synchronously on the committing goroutine before
// Update returns; callbacks must not start new transactions.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (record.ChangeSet, error) {
	return s.commit(ctx, fn, record.SourceLocal)
}

// ApplyRemote runs fn like Update but marks the committed change set as
// remotely sourced. Sync subscribers use the mark to skip forwarding,
// which is what keeps a diff from echoing between instances forever.
func (s *Store) ApplyRemote(ctx context.Context, fn func(tx *Tx) error) (record.ChangeSet, error) {
	return s.commit(ctx, fn, record.SourceRemote)
}

func (s *Store) commit(ctx context.Context, fn func(tx *Tx) error, source record.Source) (record.ChangeSet, error) {
	tr := otel.Tracer("store")
	_, span := tr.Start(ctx, "Store.Update")
	defer span.End()

	tx := &Tx{s: s, staged: make(map[string]stagedOp)}
	if err := fn(tx); err != nil {
		span.RecordError(err)
		return record.ChangeSet{}, err
	}
	if len(tx.staged) == 0 {
		return record.ChangeSet{}, nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	cs, err := s.applyStaged(tx.staged)
	if err != nil {
		span.RecordError(err)
		return record.ChangeSet{}, err
	}
	if cs.Empty() {
		return record.ChangeSet{}, nil
	}
	cs.Seq = s.lastSeq.Inc()
	cs.Source = source
	s.recordHistory(cs)
	span.SetAttributes(
		attribute.Int64("commit.seq", int64(cs.Seq)),
		attribute.Int("commit.records", cs.Len()),
		attribute.String("commit.source", string(source)),
	)
	s.notify(cs)
	return cs, nil
}

// applyStaged computes the net effect of the staged operations against
// the committed state and applies it. Caller holds commitMu.
func (s *Store) applyStaged(staged map[string]stagedOp) (record.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := record.ChangeSet{
		Added:   make(map[string]record.Record),
		Updated: make(map[string]record.Change),
		Removed: make(map[string]record.Record),
	}
	for id, op := range staged {
		before, existed := s.lookupLocked(id)
		switch {
		case op.del:
			if existed {
				cs.Removed[id] = before
			}
		case existed:
			if before.Scope != op.rec.Scope {
				return record.ChangeSet{}, scopeChangeError(op.rec, before.Scope)
			}
			if !before.Equal(op.rec) {
				cs.Updated[id] = record.Change{Before: before, After: op.rec}
			}
		default:
			cs.Added[id] = op.rec
		}
	}

	for _, rec := range cs.Added {
		s.setLocked(rec.Clone())
	}
	for _, ch := range cs.Updated {
		s.setLocked(ch.After.Clone())
	}
	for id, rec := range cs.Removed {
		delete(s.byScope[rec.Scope], id)
	}

	if len(cs.Added) == 0 {
		cs.Added = nil
	}
	if len(cs.Updated) == 0 {
		cs.Updated = nil
	}
	if len(cs.Removed) == 0 {
		cs.Removed = nil
	}
	return cs, nil
}

// Query returns a lazy, restartable sequence over a point-in-time copy
// of the records matching scope, ordered by id. Mutations committed
// after the call do not affect the sequence.
func (s *Store) Query(scope record.Scope) iter.Seq[record.Record] {
	s.mu.RLock()
	out := make([]record.Record, 0)
	for sc, bucket := range s.byScope {
		if !scope.Matches(sc) {
			continue
		}
		for _, rec := range bucket {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return func(yield func(record.Record) bool) {
		for _, rec := range out {
			if !yield(rec) {
				return
			}
		}
	}
}

// Subscribe registers fn to receive one change set per committed
// transaction, in commit order. The returned function removes the
// subscription; it is safe to call more than once.
func (s *Store) Subscribe(fn func(record.ChangeSet)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Changes returns the committed change sets with Seq > sinceSeq in
// commit order. The second result reports whether the bounded history
// still covers that range; when it is false the caller must fall back
// to a full snapshot.
func (s *Store) Changes(sinceSeq uint64) ([]record.ChangeSet, bool) {
	if sinceSeq >= s.lastSeq.Load() {
		return nil, true
	}
	var out []record.ChangeSet
	s.history.Range(func(seq uint64, cs record.ChangeSet) bool {
		if seq > sinceSeq {
			out = append(out, cs.Clone())
		}
		return true
	})
	if len(out) == 0 || out[0].Seq != sinceSeq+1 {
		return nil, false
	}
	return out, true
}

// LastSeq returns the sequence number of the most recent commit, zero
// when nothing has been committed.
func (s *Store) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// ScopeCount returns the number of records matching the scope filter.
func (s *Store) ScopeCount(scope record.Scope) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for sc, bucket := range s.byScope {
		if scope.Matches(sc) {
			n += len(bucket)
		}
	}
	return n
}

// RecordCount returns the total number of records.
func (s *Store) RecordCount() int {
	return s.ScopeCount(record.ScopeAll)
}

func (s *Store) lookupLocked(id string) (record.Record, bool) {
	for _, bucket := range s.byScope {
		if rec, ok := bucket[id]; ok {
			return rec, true
		}
	}
	return record.Record{}, false
}

func (s *Store) setLocked(rec record.Record) {
	bucket, ok := s.byScope[rec.Scope]
	if !ok {
		bucket = make(map[string]record.Record)
		s.byScope[rec.Scope] = bucket
	}
	bucket[rec.ID] = rec
}

func (s *Store) recordHistory(cs record.ChangeSet) {
	s.history.Store(cs.Seq, cs)
	for s.history.Len() > s.historyCap {
		var oldest uint64
		found := false
		s.history.Range(func(seq uint64, _ record.ChangeSet) bool {
			oldest, found = seq, true
			return false
		})
		if !found {
			return
		}
		s.history.Delete(oldest)
	}
}

func (s *Store) notify(cs record.ChangeSet) {
	s.subMu.RLock()
	fns := make([]func(record.ChangeSet), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(cs)
	}
}
