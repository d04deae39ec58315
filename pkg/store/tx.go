package store

import (
	"fmt"

	"github.com/inkwell/inkstore/pkg/errmodel"
	"github.com/inkwell/inkstore/pkg/record"
)

// Tx stages the mutations of one transaction. A Tx is only valid inside
// the Update callback that created it and must not be used from other
// goroutines.
type Tx struct {
	s      *Store
	staged map[string]stagedOp // id -> last staged operation
}

type stagedOp struct {
	rec record.Record
	del bool
}

// Put stages an upsert. The record is validated synchronously against
// the registry: an unregistered type fails with UnknownRecordType, a
// bad payload, wrong scope, or non-current version fails with
// InvalidRecordShape. Within one transaction the last operation per id
// wins.
func (tx *Tx) Put(rec record.Record) error {
	if err := tx.s.reg.ValidateRecord(rec); err != nil {
		return err
	}
	if cur, ok := tx.s.Get(rec.ID); ok && cur.Scope != rec.Scope {
		return scopeChangeError(rec, cur.Scope)
	}
	tx.staged[rec.ID] = stagedOp{rec: rec.Clone()}
	return nil
}

// Delete stages a removal. Deleting an id that does not exist is a
// no-op at commit time.
func (tx *Tx) Delete(id string) {
	tx.staged[id] = stagedOp{del: true}
}

// Get reads through the staged state: it sees the transaction's own
// puts and deletes before the committed store.
func (tx *Tx) Get(id string) (record.Record, bool) {
	if op, ok := tx.staged[id]; ok {
		if op.del {
			return record.Record{}, false
		}
		return op.rec.Clone(), true
	}
	return tx.s.Get(id)
}

func scopeChangeError(rec record.Record, have record.Scope) error {
	return errmodel.InvalidRecordShape(rec.Type, rec.ID,
		fmt.Errorf("scope is immutable: stored under %q, put as %q", have, rec.Scope))
}
