// Package lock implements strict two-phase locking at record
// granularity. It never blocks a caller: acquisition either succeeds
// immediately or fails immediately, and the caller is responsible for
// aborting and retrying with backoff. There is no wait queue and no
// deadlock detection: a transaction that cannot get a lock gives up
// the locks it already holds and starts over.
package lock

import "sync"

// Mode is the kind of lock a transaction wants on a record.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// TxnID identifies a transaction for locking purposes. It is a bare
// integer rather than a pointer to the transaction itself so that the
// lock table never needs to know anything about the txn package.
type TxnID uint64

// entry is one record's lock state.
type entry struct {
	mu        sync.Mutex
	sharedBy  map[TxnID]struct{}
	exclusive TxnID // zero means unheld
	hasExcl   bool
}

func newEntry() *entry {
	return &entry{sharedBy: make(map[TxnID]struct{})}
}

// acquire attempts to grant mode to txn, returning false on conflict.
// A transaction that already holds the lone shared lock on a record
// may upgrade to exclusive in place.
func (e *entry) acquire(txn TxnID, mode Mode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, held := e.sharedBy[txn]; held {
		if mode == Shared {
			return true
		}
		if len(e.sharedBy) == 1 && !e.hasExcl {
			delete(e.sharedBy, txn)
			e.exclusive, e.hasExcl = txn, true
			return true
		}
		return false
	}

	if e.hasExcl && e.exclusive == txn {
		return true
	}

	switch mode {
	case Shared:
		if !e.hasExcl {
			e.sharedBy[txn] = struct{}{}
			return true
		}
		return false
	case Exclusive:
		if !e.hasExcl && len(e.sharedBy) == 0 {
			e.exclusive, e.hasExcl = txn, true
			return true
		}
		return false
	default:
		return false
	}
}

func (e *entry) release(txn TxnID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sharedBy, txn)
	if e.hasExcl && e.exclusive == txn {
		e.hasExcl = false
		e.exclusive = 0
	}
}

// Key identifies a lockable unit: a specific record, or a page-range
// scoped unit used for insert and other range-wide operations.
type Key struct {
	Table string
	Kind  KeyKind
	RID   uint64 // valid when Kind == RecordKey
	Range int    // valid when Kind == RangeKey
}

// KeyKind distinguishes a record-level lock from a page-range-level
// lock (used to serialize concurrent inserts into the same range's
// tail/base allocation without taking a whole-table lock).
type KeyKind int

const (
	RecordKey KeyKind = iota
	RangeKey
)

// Manager owns every record's and range's lock entry. A single mutex
// guards the entry map itself (creation of new entries); contention
// on an individual record's lock does not hold this mutex.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	// held tracks, per transaction, which keys it currently holds, so
	// Release can walk exactly those entries instead of every entry
	// the manager has ever created.
	held map[TxnID]map[Key]struct{}
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
		held:    make(map[TxnID]map[Key]struct{}),
	}
}

func (m *Manager) entryFor(key Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = newEntry()
		m.entries[key] = e
	}
	return e
}

// Acquire attempts to grant txn a lock of mode on key. On success it
// records the grant so Release can find it later.
func (m *Manager) Acquire(txn TxnID, key Key, mode Mode) bool {
	e := m.entryFor(key)
	if !e.acquire(txn, mode) {
		return false
	}

	m.mu.Lock()
	set, ok := m.held[txn]
	if !ok {
		set = make(map[Key]struct{})
		m.held[txn] = set
	}
	set[key] = struct{}{}
	m.mu.Unlock()

	return true
}

// AcquireShared is a convenience wrapper for Acquire(txn, key, Shared).
func (m *Manager) AcquireShared(txn TxnID, key Key) bool {
	return m.Acquire(txn, key, Shared)
}

// AcquireExclusive is a convenience wrapper for Acquire(txn, key, Exclusive).
func (m *Manager) AcquireExclusive(txn TxnID, key Key) bool {
	return m.Acquire(txn, key, Exclusive)
}

// Release drops every lock txn currently holds across every key. This
// is the "shrinking phase" of strict 2PL: called once, at transaction
// commit or abort, never mid-transaction.
func (m *Manager) Release(txn TxnID) {
	m.mu.Lock()
	set := m.held[txn]
	delete(m.held, txn)
	entries := make([]*entry, 0, len(set))
	for key := range set {
		entries = append(entries, m.entries[key])
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e != nil {
			e.release(txn)
		}
	}
}

// RecordLock returns the Key for a record-granularity lock.
func RecordLock(table string, rid uint64) Key {
	return Key{Table: table, Kind: RecordKey, RID: rid}
}

// RangeLock returns the Key for a page-range-granularity lock, used
// to serialize inserts within the same range.
func RangeLock(table string, rangeIdx int) Key {
	return Key{Table: table, Kind: RangeKey, Range: rangeIdx}
}
