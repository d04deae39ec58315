// Package record defines the core contracts of the inkstore document
// model: records, scopes, and the change sets produced by committed
// store transactions.
//
// A record is the unit of storage for the editor's document layer.
// Records are plain JSON-serializable values; the store, the snapshot
// codec, and the sync channel all operate on the types in this package
// and nothing else, so hosts can hand records across process boundaries
// without translation.
//
// Records must be:
//   - Identified by a stable, unique ID for their whole lifetime
//   - Tagged with a record type registered in a schema.Registry
//   - Assigned to exactly one scope, fixed at creation time
//   - Serializable to JSON for snapshots and sync envelopes
package record

import (
	"reflect"
)

// Scope partitions records by purpose. Every record belongs to exactly
// one scope for its whole lifetime; moving a record between scopes means
// deleting it and recreating it under a new ID.
type Scope string

const (
	// ScopeDocument records hold shared document content. They are
	// persisted durably and synchronized across instances that share a
	// persistence key.
	ScopeDocument Scope = "document"

	// ScopeSession records hold per-instance editor state (viewport,
	// selection). They survive in snapshots when asked for, but never
	// cross the sync channel.
	ScopeSession Scope = "session"

	// ScopePresence records describe the live user of one instance
	// (cursor, pointer). They are neither persisted nor synchronized by
	// the local sync channel.
	ScopePresence Scope = "presence"

	// ScopeAll is a query/export filter matching every scope. It is not
	// a storable scope.
	ScopeAll Scope = "all"
)

// Storable reports whether s is a scope a record may be stored under.
func (s Scope) Storable() bool {
	switch s {
	case ScopeDocument, ScopeSession, ScopePresence:
		return true
	}
	return false
}

// Matches reports whether a record in scope other passes the filter s.
func (s Scope) Matches(other Scope) bool {
	return s == ScopeAll || s == other
}

// Record is a single versioned value in the store.
//
// Version is the schema version of Payload for this record's Type. The
// store only accepts records at the registry's current version; older
// versions are migrated at snapshot-import and sync-attach time.
type Record struct {
	// ID uniquely identifies the record within one store.
	ID string `json:"id"`

	// Type names the registered record type, e.g. "shape" or "camera".
	Type string `json:"type"`

	// Scope is the partition the record lives in. It must match the
	// scope declared for Type at registration.
	Scope Scope `json:"scope"`

	// Version is the schema version Payload conforms to.
	Version int `json:"version"`

	// Payload carries the type-specific data as a JSON object.
	Payload map[string]any `json:"payload,omitempty"`
}

// Clone returns a copy of r whose payload shares no mutable state with
// the original. Nested maps and slices are copied recursively.
func (r Record) Clone() Record {
	r.Payload = clonePayload(r.Payload)
	return r
}

// Equal reports whether two records are identical, payload included.
func (r Record) Equal(other Record) bool {
	if r.ID != other.ID || r.Type != other.Type || r.Scope != other.Scope || r.Version != other.Version {
		return false
	}
	return reflect.DeepEqual(r.Payload, other.Payload)
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Change pairs the committed states of one updated record.
type Change struct {
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// Source tells subscribers whether a commit originated from this
// instance or arrived over the sync channel. The sync layer only
// forwards local commits, which is what breaks the propagation loop.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ChangeSet is the net effect of one committed transaction: records
// added, updated, and removed, keyed by record ID. A record appears in
// at most one of the three maps. Change sets are immutable once
// published; subscribers must treat them as read-only.
type ChangeSet struct {
	// Seq is the store-local commit sequence number, strictly
	// increasing with commit order.
	Seq uint64 `json:"seq"`

	// Source marks the commit as locally authored or remotely applied.
	Source Source `json:"source,omitempty"`

	Added   map[string]Record `json:"added,omitempty"`
	Updated map[string]Change `json:"updated,omitempty"`
	Removed map[string]Record `json:"removed,omitempty"`
}

// Empty reports whether the change set carries no net effect.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Len returns the number of record entries across all three maps.
func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Updated) + len(c.Removed)
}

// FilterScope returns a copy of c containing only entries whose records
// match the scope filter. Seq and Source are preserved.
func (c ChangeSet) FilterScope(scope Scope) ChangeSet {
	if scope == ScopeAll {
		return c.Clone()
	}
	out := ChangeSet{Seq: c.Seq, Source: c.Source}
	for id, r := range c.Added {
		if scope.Matches(r.Scope) {
			if out.Added == nil {
				out.Added = make(map[string]Record)
			}
			out.Added[id] = r.Clone()
		}
	}
	for id, ch := range c.Updated {
		if scope.Matches(ch.After.Scope) {
			if out.Updated == nil {
				out.Updated = make(map[string]Change)
			}
			out.Updated[id] = Change{Before: ch.Before.Clone(), After: ch.After.Clone()}
		}
	}
	for id, r := range c.Removed {
		if scope.Matches(r.Scope) {
			if out.Removed == nil {
				out.Removed = make(map[string]Record)
			}
			out.Removed[id] = r.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the change set.
func (c ChangeSet) Clone() ChangeSet {
	out := ChangeSet{Seq: c.Seq, Source: c.Source}
	if c.Added != nil {
		out.Added = make(map[string]Record, len(c.Added))
		for id, r := range c.Added {
			out.Added[id] = r.Clone()
		}
	}
	if c.Updated != nil {
		out.Updated = make(map[string]Change, len(c.Updated))
		for id, ch := range c.Updated {
			out.Updated[id] = Change{Before: ch.Before.Clone(), After: ch.After.Clone()}
		}
	}
	if c.Removed != nil {
		out.Removed = make(map[string]Record, len(c.Removed))
		for id, r := range c.Removed {
			out.Removed[id] = r.Clone()
		}
	}
	return out
}

// IDs returns the set of record IDs touched by the change set.
func (c ChangeSet) IDs() map[string]struct{} {
	out := make(map[string]struct{}, c.Len())
	for id := range c.Added {
		out[id] = struct{}{}
	}
	for id := range c.Updated {
		out[id] = struct{}{}
	}
	for id := range c.Removed {
		out[id] = struct{}{}
	}
	return out
}
