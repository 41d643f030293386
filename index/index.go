// Package index implements the per-column ordered index: a
// sorted-key slice for O(log n) lookup, a hash map for O(1) node
// access, a doubly linked node chain for O(k) range traversal, and a
// tombstone set that defers removing dead keys from the sorted slice
// until a compaction threshold is crossed.
//
// Only base RIDs ever appear in an index; tail records are invisible
// to it.
package index

import (
	"sort"
	"sync"

	"lstore/config"
)

// Node is one value's entry in a column's index: the RID set for
// that value, plus its neighbors in sorted order. Go's garbage
// collector makes ordinary pointers safe here, so there is no need
// for the arena-of-indices workaround a strict-ownership language
// would require for a cyclic doubly-linked structure.
type Node struct {
	Value int64
	RIDs  map[uint64]struct{}
	prev  *Node
	next  *Node
}

// RecordSource lets Index rebuild a column's contents from the
// table's current state, without Index importing the table package.
type RecordSource interface {
	// BaseRIDs returns every base RID currently present in the page
	// directory (including tombstoned ones; CreateIndex is
	// responsible for skipping those via LatestValue's ok=false).
	BaseRIDs() []uint64
	// LatestValue returns column's value in rid's latest version, or
	// ok=false if rid is deleted or otherwise inaccessible.
	LatestValue(rid uint64, column int) (value int64, ok bool)
}

type columnIndex struct {
	nodes      map[int64]*Node
	head, tail *Node
	sortedKeys []int64
	dead       map[int64]struct{}
}

// Index holds, per column, either nil (no index) or a columnIndex.
// A single mutex guards every column's state across create/insert/
// delete/update/locate; locate paths copy the result set before
// returning so iteration afterward is lock-free.
type Index struct {
	mu      sync.Mutex
	columns []*columnIndex
}

// New returns an Index with room for numColumns columns, none
// indexed yet.
func New(numColumns int) *Index {
	return &Index{columns: make([]*columnIndex, numColumns)}
}

// HasIndex reports whether column currently has an index.
func (ix *Index) HasIndex(column int) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.columns[column] != nil
}

// Tx exposes Index's operations without re-locking, for use inside
// Transact closures that need several operations to be atomic with
// respect to other callers (e.g. Table.Insert's duplicate-key check
// followed by index population).
type Tx struct {
	ix *Index
}

// Transact runs fn with Index's mutex held for its whole duration.
func (ix *Index) Transact(fn func(tx *Tx)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fn(&Tx{ix: ix})
}

// HasIndex reports whether column currently has an index. Callable
// from inside a Transact closure.
func (tx *Tx) HasIndex(column int) bool {
	return tx.ix.columns[column] != nil
}

// CreateIndex builds an index on column by scanning every base RID
// in src and indexing its latest value. A no-op if column is already
// indexed.
func (tx *Tx) CreateIndex(column int, src RecordSource) {
	tx.ix.createIndexLocked(column, src)
}

func (ix *Index) createIndexLocked(column int, src RecordSource) {
	if ix.columns[column] != nil {
		return
	}

	byValue := make(map[int64]map[uint64]struct{})
	for _, rid := range src.BaseRIDs() {
		value, ok := src.LatestValue(rid, column)
		if !ok {
			continue
		}
		set, ok := byValue[value]
		if !ok {
			set = make(map[uint64]struct{})
			byValue[value] = set
		}
		set[rid] = struct{}{}
	}

	keys := make([]int64, 0, len(byValue))
	for v := range byValue {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	ci := &columnIndex{
		nodes:      make(map[int64]*Node, len(keys)),
		sortedKeys: keys,
		dead:       make(map[int64]struct{}),
	}

	var prev *Node
	for _, v := range keys {
		n := &Node{Value: v, RIDs: byValue[v], prev: prev}
		if prev != nil {
			prev.next = n
		} else {
			ci.head = n
		}
		prev = n
		ci.nodes[v] = n
	}
	ci.tail = prev

	ix.columns[column] = ci
}

// CreateIndex builds an index on column, locking internally. Provided
// for standalone callers that don't need CreateIndex to be atomic
// with anything else.
func (ix *Index) CreateIndex(column int, src RecordSource) {
	ix.Transact(func(tx *Tx) { tx.CreateIndex(column, src) })
}

// DropIndex removes column's index. A no-op for the primary key
// column is the caller's responsibility to enforce (this package has
// no notion of which column is the key).
func (tx *Tx) DropIndex(column int) {
	tx.ix.columns[column] = nil
}

// DropIndex removes column's index, locking internally.
func (ix *Index) DropIndex(column int) {
	ix.Transact(func(tx *Tx) { tx.DropIndex(column) })
}

// Locate returns a copy of the RID set for value in column, or an
// empty set if column has no index, value is unknown, or value's key
// is tombstoned.
func (tx *Tx) Locate(column int, value int64) map[uint64]struct{} {
	ci := tx.ix.columns[column]
	if ci == nil {
		return map[uint64]struct{}{}
	}
	if _, dead := ci.dead[value]; dead {
		return map[uint64]struct{}{}
	}
	n, ok := ci.nodes[value]
	if !ok {
		return map[uint64]struct{}{}
	}
	return copyRIDs(n.RIDs)
}

// Locate returns a copy of the RID set for value in column, locking
// internally.
func (ix *Index) Locate(column int, value int64) map[uint64]struct{} {
	var result map[uint64]struct{}
	ix.Transact(func(tx *Tx) { result = tx.Locate(column, value) })
	return result
}

// LocateRange returns the union of RID sets for every live value in
// [lo, hi] in column, binary-searching the sorted-key slice to find
// the starting point.
func (tx *Tx) LocateRange(column int, lo, hi int64) map[uint64]struct{} {
	result := map[uint64]struct{}{}
	ci := tx.ix.columns[column]
	if ci == nil {
		return result
	}

	keys := ci.sortedKeys
	start := sort.Search(len(keys), func(i int) bool { return keys[i] >= lo })

	for i := start; i < len(keys); i++ {
		key := keys[i]
		if key > hi {
			break
		}
		if _, dead := ci.dead[key]; dead {
			continue
		}
		n, ok := ci.nodes[key]
		if !ok {
			continue
		}
		for rid := range n.RIDs {
			result[rid] = struct{}{}
		}
	}
	return result
}

// LocateRange returns the union of RID sets for every live value in
// [lo, hi] in column, locking internally.
func (ix *Index) LocateRange(column int, lo, hi int64) map[uint64]struct{} {
	var result map[uint64]struct{}
	ix.Transact(func(tx *Tx) { result = tx.LocateRange(column, lo, hi) })
	return result
}

// Insert adds rid to value's RID set in column, creating the node
// (and inserting it in sorted position) if it doesn't exist, or
// reviving a tombstoned key. A no-op if column has no index.
func (tx *Tx) Insert(column int, value int64, rid uint64) {
	ci := tx.ix.columns[column]
	if ci == nil {
		return
	}

	delete(ci.dead, value)

	if n, ok := ci.nodes[value]; ok {
		n.RIDs[rid] = struct{}{}
		return
	}

	n := &Node{Value: value, RIDs: map[uint64]struct{}{rid: {}}}
	ci.nodes[value] = n

	switch {
	case ci.tail == nil:
		ci.head, ci.tail = n, n
		ci.sortedKeys = append(ci.sortedKeys, value)
	case value > ci.tail.Value:
		n.prev = ci.tail
		ci.tail.next = n
		ci.tail = n
		ci.sortedKeys = append(ci.sortedKeys, value)
	default:
		pos := sort.Search(len(ci.sortedKeys), func(i int) bool { return ci.sortedKeys[i] >= value })
		ci.sortedKeys = append(ci.sortedKeys, 0)
		copy(ci.sortedKeys[pos+1:], ci.sortedKeys[pos:])
		ci.sortedKeys[pos] = value

		switch {
		case pos == 0:
			n.next = ci.head
			ci.head.prev = n
			ci.head = n
		default:
			prevKey := ci.sortedKeys[pos-1]
			prevNode := ci.nodes[prevKey]
			// prevNode may be a dead key's now-removed node; walk the
			// live chain instead when that happens.
			for prevNode == nil && pos > 1 {
				pos--
				prevNode = ci.nodes[ci.sortedKeys[pos-1]]
			}
			if prevNode == nil {
				n.next = ci.head
				if ci.head != nil {
					ci.head.prev = n
				}
				ci.head = n
			} else {
				n.prev = prevNode
				n.next = prevNode.next
				prevNode.next = n
				if n.next != nil {
					n.next.prev = n
				} else {
					ci.tail = n
				}
			}
		}
	}
}

// Insert adds rid to value's RID set in column, locking internally.
func (ix *Index) Insert(column int, value int64, rid uint64) {
	ix.Transact(func(tx *Tx) { tx.Insert(column, value, rid) })
}

// Delete removes rid from value's RID set in column. When the set
// becomes empty, the node is unlinked and its key tombstoned rather
// than removed from the sorted-key slice immediately. If the
// tombstoned fraction of the slice reaches
// config.IndexCompactionFactor, the slice is compacted.
func (tx *Tx) Delete(column int, value int64, rid uint64) {
	ci := tx.ix.columns[column]
	if ci == nil {
		return
	}

	n, ok := ci.nodes[value]
	if !ok {
		return
	}
	delete(n.RIDs, rid)
	if len(n.RIDs) > 0 {
		return
	}

	ci.dead[value] = struct{}{}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		ci.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		ci.tail = n.prev
	}
	delete(ci.nodes, value)

	if len(ci.sortedKeys) > 0 && float64(len(ci.dead))/float64(len(ci.sortedKeys)) >= config.IndexCompactionFactor {
		tx.ix.compactLocked(ci)
	}
}

// Delete removes rid from value's RID set in column, locking
// internally.
func (ix *Index) Delete(column int, value int64, rid uint64) {
	ix.Transact(func(tx *Tx) { tx.Delete(column, value, rid) })
}

// Update moves rid from oldValue to newValue in column.
func (tx *Tx) Update(column int, oldValue, newValue int64, rid uint64) {
	tx.Delete(column, oldValue, rid)
	tx.Insert(column, newValue, rid)
}

// Update moves rid from oldValue to newValue in column, locking
// internally.
func (ix *Index) Update(column int, oldValue, newValue int64, rid uint64) {
	ix.Transact(func(tx *Tx) { tx.Update(column, oldValue, newValue, rid) })
}

// compactLocked drops every tombstoned key from ci's sorted-key
// slice and clears the tombstone set. Called with Index's mutex
// already held.
func (ix *Index) compactLocked(ci *columnIndex) {
	live := ci.sortedKeys[:0:0]
	for _, k := range ci.sortedKeys {
		if _, dead := ci.dead[k]; !dead {
			live = append(live, k)
		}
	}
	ci.sortedKeys = live
	ci.dead = make(map[int64]struct{})
}

func copyRIDs(src map[uint64]struct{}) map[uint64]struct{} {
	dst := make(map[uint64]struct{}, len(src))
	for rid := range src {
		dst[rid] = struct{}{}
	}
	return dst
}
