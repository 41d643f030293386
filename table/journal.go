package table

import (
	"sync"

	"lstore/lock"
)

type modKind int

const (
	modInsert modKind = iota
	modUpdate
	modDelete
)

type modification struct {
	txn     lock.TxnID
	rid     uint64
	kind    modKind
	oldData []int64 // meta+user, as of before the modification
}

// journal records every modification made under a transaction so it
// can be undone on abort. Entries are keyed by an explicit
// transaction id passed in by the caller on every mutation, so two
// transactions running against the same table concurrently never
// clobber each other's rollback state.
type journal struct {
	mu      sync.Mutex
	entries []modification
}

func newJournal() *journal {
	return &journal{}
}

func (j *journal) record(txn lock.TxnID, rid uint64, kind modKind, oldData []int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, modification{txn: txn, rid: rid, kind: kind, oldData: oldData})
}

// take removes and returns every entry belonging to txn, in the order
// they were recorded.
func (j *journal) take(txn lock.TxnID) []modification {
	j.mu.Lock()
	defer j.mu.Unlock()

	var mine []modification
	kept := j.entries[:0:0]
	for _, e := range j.entries {
		if e.txn == txn {
			mine = append(mine, e)
		} else {
			kept = append(kept, e)
		}
	}
	j.entries = kept
	return mine
}
