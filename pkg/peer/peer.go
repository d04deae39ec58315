// Package peer implements the cross-instance sync channel. A Peer binds
// one local store to a persistence key on a durable storage backend:
// attach loads and migrates the latest durable state, local document
// commits are persisted and broadcast in commit order, and remote
// entries apply back into the store without re-broadcast.
//
// Only document-scope records cross the channel. Session and presence
// records stay on their own instance no matter how many peers share a
// key.
//
// Conflict policy is last-write-wins per record id in arrival order.
// Entries carry a per-origin contiguous sequence; on a gap the peer
// stops trusting diffs and reconciles the document scope from the full
// state in the newest entry, so a lost message degrades to a catch-up
// instead of divergence.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/inkwell/inkstore/pkg/errmodel"
	"github.com/inkwell/inkstore/pkg/record"
	"github.com/inkwell/inkstore/pkg/snapshot"
	"github.com/inkwell/inkstore/pkg/storage"
	"github.com/inkwell/inkstore/pkg/store"
)

// DefaultQueueLimit bounds the outbound commit queue. When the backend
// falls this far behind, queued diffs collapse into one full-state
// entry and receivers reconcile instead of replaying.
const DefaultQueueLimit = 256

// flushTimeout bounds the final persist attempt during Close.
const flushTimeout = 2 * time.Second

// Peer is one attached instance on a persistence key. Create it with
// Attach; it runs until Close or until the attach context is canceled.
type Peer struct {
	id  string
	key string
	st  *store.Store
	bk  storage.Backend

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	done   chan struct{}

	queueLimit int
	outSeq     atomic.Uint64

	mu        sync.Mutex
	closed    bool
	pending   []record.ChangeSet
	collapsed bool
	lastSeen  map[string]uint64 // origin -> last applied entry seq
	lastEnv   map[string]string // origin -> last applied envelope id
	lastErr   *errmodel.Error
	lastDrop  *errmodel.Error
	wake      chan struct{}

	attached  atomic.Bool
	degraded  atomic.Bool
	watchLive atomic.Bool
	written   atomic.Uint64
	applied   atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Peer at attach time.
type Option func(*Peer)

// WithID overrides the generated peer identity. Two live peers must
// never share an id; they would drop each other's entries as echoes.
func WithID(id string) Option {
	return func(p *Peer) {
		if id != "" {
			p.id = id
		}
	}
}

// WithQueueLimit caps the outbound queue. Values below 1 keep the
// default.
func WithQueueLimit(n int) Option {
	return func(p *Peer) {
		if n > 0 {
			p.queueLimit = n
		}
	}
}

// Attach binds st to the persistence key on bk and returns the running
// peer.
//
// The durable state for the key, when present, is decoded, migrated to
// the registry's current versions, and applied to the store in one
// transaction before any subscription starts. A migration failure
// (NoMigrationPath) fails the attach and leaves the store untouched. An
// unreachable backend does not: the peer comes up degraded,
// in-memory-only, and reports StorageUnavailable through Status.
//
// Canceling ctx disposes the peer like Close does.
func Attach(ctx context.Context, st *store.Store, bk storage.Backend, key string, opts ...Option) (*Peer, error) {
	tr := otel.Tracer("peer")
	ctx, span := tr.Start(ctx, "Peer.Attach")
	defer span.End()

	if key == "" {
		return nil, errmodel.Validation("empty_persistence_key", "persistence key must not be empty", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Peer{
		id:         uuid.NewString(),
		key:        key,
		st:         st,
		bk:         bk,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		queueLimit: DefaultQueueLimit,
		lastSeen:   make(map[string]uint64),
		lastEnv:    make(map[string]string),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	span.SetAttributes(attribute.String("peer.id", p.id), attribute.String("peer.key", key))

	// 1. Load the latest durable state, if the backend has one.
	e, found, err := bk.Read(ctx, key)
	switch {
	case err != nil:
		p.degraded.Store(true)
		p.setErr(errmodel.StorageUnavailable("read", err))
		slog.Warn("attach without durable state", "key", key, "peer", p.id, "err", err)
	case found:
		if err := p.applyEntry(ctx, e, false); err != nil {
			cancel()
			span.RecordError(err)
			return nil, err
		}
		p.lastSeen[e.Origin] = e.Seq
		p.lastEnv[e.Origin] = e.EnvelopeID
	}
	if ctx.Err() != nil {
		cancel()
		return nil, ctx.Err()
	}

	// 2. Forward local commits only after the load committed, so the
	// loaded state is never echoed back out.
	p.unsub = st.Subscribe(p.onLocalCommit)

	// 3. Outbound worker, one goroutine so entries leave in commit order.
	go p.run()

	// 4. Live deliveries from other instances.
	if err := bk.Watch(runCtx, key, p.onRemote); err != nil {
		if err == storage.ErrWatchUnsupported {
			slog.Info("backend cannot watch, durability only", "key", key)
		} else {
			p.degraded.Store(true)
			p.setErr(errmodel.StorageUnavailable("watch", err))
			slog.Warn("watch unavailable", "key", key, "peer", p.id, "err", err)
		}
	} else {
		p.watchLive.Store(true)
	}

	p.attached.Store(true)
	return p, nil
}

// ID returns the peer identity written into outbound entries.
func (p *Peer) ID() string { return p.id }

// Key returns the persistence key the peer is attached to.
func (p *Peer) Key() string { return p.key }

// Close detaches from the store, stops the watch, and makes a final
// attempt to persist queued entries. It must not be called from a store
// subscriber.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.unsub()
	p.cancel()
	<-p.done
	p.attached.Store(false)
	return nil
}

// onLocalCommit queues the document-scope part of a local commit for
// the outbound worker. It runs on the committing goroutine with the
// store's commit lock held, so it must never block or reenter the
// store.
func (p *Peer) onLocalCommit(cs record.ChangeSet) {
	if cs.Source == record.SourceRemote {
		return
	}
	doc := cs.FilterScope(record.ScopeDocument)
	if doc.Empty() {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.pending) >= p.queueLimit {
		p.pending = p.pending[:0]
		p.collapsed = true
	}
	p.pending = append(p.pending, doc)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run drains the outbound queue until the peer context ends, then makes
// one final bounded flush so a clean shutdown does not lose the tail.
func (p *Peer) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), flushTimeout)
			p.flush(ctx)
			cancel()
			return
		case <-p.wake:
			p.flush(p.ctx)
		}
	}
}

func (p *Peer) flush(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 && !p.collapsed {
			p.mu.Unlock()
			return
		}
		batch := p.pending
		p.pending = nil
		collapsed := p.collapsed
		p.collapsed = false
		p.mu.Unlock()

		if collapsed {
			// Dropped diffs cannot be replayed; force receivers onto the
			// full state by writing an entry without one.
			p.writeEntry(ctx, record.ChangeSet{}, false)
		}
		for _, cs := range batch {
			p.writeEntry(ctx, cs, true)
		}
	}
}

// writeEntry persists one outbound entry: the current full document
// state plus, usually, the diff that triggered it. A failed write burns
// its sequence number, which reads as a gap on the receiving side and
// steers receivers to the next entry's full state.
func (p *Peer) writeEntry(ctx context.Context, cs record.ChangeSet, withDiff bool) {
	tr := otel.Tracer("peer")
	ctx, span := tr.Start(ctx, "Peer.persist")
	defer span.End()

	snap, err := snapshot.Export(ctx, p.st, record.ScopeDocument)
	if err != nil {
		span.RecordError(err)
		p.setErr(errmodel.From(err))
		return
	}
	state, err := snapshot.Encode(snap)
	if err != nil {
		span.RecordError(err)
		p.setErr(errmodel.From(err))
		return
	}
	var diff json.RawMessage
	if withDiff {
		diff, err = json.Marshal(cs)
		if err != nil {
			span.RecordError(err)
			p.setErr(errmodel.From(err))
			return
		}
	}

	e := storage.Entry{
		Seq:        p.outSeq.Inc(),
		Origin:     p.id,
		EnvelopeID: ulid.Make().String(),
		WrittenAt:  time.Now().UTC(),
		Diff:       diff,
		State:      state,
	}
	span.SetAttributes(attribute.Int64("entry.seq", int64(e.Seq)))
	if err := p.bk.Write(ctx, p.key, e); err != nil {
		span.RecordError(err)
		p.degraded.Store(true)
		p.setErr(errmodel.StorageUnavailable("write", err))
		slog.Warn("entry write failed", "key", p.key, "peer", p.id, "seq", e.Seq, "err", err)
		return
	}
	p.degraded.Store(false)
	p.written.Inc()
}

// onRemote handles one delivered entry. The backend calls it from a
// single goroutine per watch, so applies stay in arrival order.
func (p *Peer) onRemote(e storage.Entry) {
	if e.Origin == p.id {
		return
	}
	p.mu.Lock()
	lastSeq := p.lastSeen[e.Origin]
	lastEnv := p.lastEnv[e.Origin]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	// At-least-once delivery: duplicates and reordered stragglers are
	// superseded, not errors.
	if e.EnvelopeID == lastEnv || (lastSeq > 0 && e.Seq <= lastSeq) {
		p.dropped.Inc()
		p.setDrop(errmodel.SyncConflictDropped(e.Origin, e.Seq))
		slog.Debug("superseded entry dropped", "key", p.key, "origin", e.Origin, "seq", e.Seq)
		return
	}

	var err error
	if e.Diff != nil && e.Seq == lastSeq+1 {
		err = p.applyDiff(p.ctx, e)
	} else {
		err = p.applyEntry(p.ctx, e, true)
	}
	if err != nil {
		p.setErr(errmodel.From(err))
		slog.Error("remote entry apply failed", "key", p.key, "origin", e.Origin, "seq", e.Seq, "err", err)
		return
	}

	p.mu.Lock()
	p.lastSeen[e.Origin] = e.Seq
	p.lastEnv[e.Origin] = e.EnvelopeID
	p.mu.Unlock()
	p.applied.Inc()
}

// applyDiff replays one remote change set. Records that cannot be
// migrated or validated are dropped individually; the rest of the diff
// still applies.
func (p *Peer) applyDiff(ctx context.Context, e storage.Entry) error {
	var cs record.ChangeSet
	if err := json.Unmarshal(e.Diff, &cs); err != nil {
		// Unreadable diff, but the entry still carries full state.
		slog.Warn("diff unreadable, reconciling from state", "key", p.key, "origin", e.Origin, "err", err)
		return p.applyEntry(ctx, e, true)
	}

	reg := p.st.Registry()
	puts := make([]record.Record, 0, len(cs.Added)+len(cs.Updated))
	collect := func(rec record.Record) {
		if rec.Scope != record.ScopeDocument {
			return
		}
		m, err := reg.Migrate(rec)
		if err != nil {
			p.dropped.Inc()
			p.setDrop(errmodel.SyncConflictDropped(e.Origin, e.Seq))
			slog.Warn("remote record dropped", "id", rec.ID, "type", rec.Type, "err", err)
			return
		}
		puts = append(puts, m)
	}
	for _, rec := range cs.Added {
		collect(rec)
	}
	for _, ch := range cs.Updated {
		collect(ch.After)
	}

	_, err := p.st.ApplyRemote(ctx, func(tx *store.Tx) error {
		for _, rec := range puts {
			if err := tx.Put(rec); err != nil {
				p.dropped.Inc()
				p.setDrop(errmodel.SyncConflictDropped(e.Origin, e.Seq))
				slog.Warn("remote record dropped", "id", rec.ID, "type", rec.Type, "err", err)
			}
		}
		for id, rec := range cs.Removed {
			if rec.Scope != record.ScopeDocument {
				continue
			}
			tx.Delete(id)
		}
		return nil
	})
	return err
}

// applyEntry loads the full document state carried by an entry. With
// replace set, local document records absent from the remote state are
// deleted; attach uses insert-or-overwrite only.
func (p *Peer) applyEntry(ctx context.Context, e storage.Entry, replace bool) error {
	snap, err := snapshot.Decode(e.State)
	if err != nil {
		return fmt.Errorf("peer: durable state for %q: %w", p.key, err)
	}
	reg := p.st.Registry()
	if err := reg.CheckDescriptor(snap.Schema); err != nil {
		return err
	}

	remote := make(map[string]record.Record, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.Scope != record.ScopeDocument {
			continue
		}
		m, err := reg.Migrate(rec)
		if err != nil {
			return err
		}
		remote[rec.ID] = m
	}

	_, err = p.st.ApplyRemote(ctx, func(tx *store.Tx) error {
		if replace {
			for rec := range p.st.Query(record.ScopeDocument) {
				if _, ok := remote[rec.ID]; !ok {
					tx.Delete(rec.ID)
				}
			}
		}
		for _, rec := range remote {
			if err := tx.Put(rec); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (p *Peer) setErr(e *errmodel.Error) {
	p.mu.Lock()
	p.lastErr = e
	p.mu.Unlock()
}

func (p *Peer) setDrop(e *errmodel.Error) {
	p.mu.Lock()
	p.lastDrop = e
	p.mu.Unlock()
}

// Status is a point-in-time health report for the collaborator surface.
type Status struct {
	PeerID           string          `json:"peer_id"`
	Key              string          `json:"key"`
	Attached         bool            `json:"attached"`
	Degraded         bool            `json:"degraded"`
	WatchLive        bool            `json:"watch_live"`
	EntriesWritten   uint64          `json:"entries_written"`
	EntriesApplied   uint64          `json:"entries_applied"`
	ConflictsDropped uint64          `json:"conflicts_dropped"`
	LastError        *errmodel.Error `json:"last_error,omitempty"`
	LastConflict     *errmodel.Error `json:"last_conflict,omitempty"`
}

// Status reports the peer's identity, mode, and counters.
func (p *Peer) Status() Status {
	p.mu.Lock()
	lastErr, lastDrop := p.lastErr, p.lastDrop
	p.mu.Unlock()
	return Status{
		PeerID:           p.id,
		Key:              p.key,
		Attached:         p.attached.Load(),
		Degraded:         p.degraded.Load(),
		WatchLive:        p.watchLive.Load(),
		EntriesWritten:   p.written.Load(),
		EntriesApplied:   p.applied.Load(),
		ConflictsDropped: p.dropped.Load(),
		LastError:        lastErr,
		LastConflict:     lastDrop,
	}
}
