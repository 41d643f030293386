package query

import (
	"fmt"

	"lstore/lock"
	"lstore/table"
)

// Query wraps a single table with the query surface described in
// the package documentation. All methods take an explicit transaction id; callers running
// outside a txn.Transaction can pass any fixed id (e.g. txn.NewID())
// since these methods never touch the lock manager themselves.
type Query struct {
	Table *table.Table
}

// New returns a Query bound to tb.
func New(tb *table.Table) *Query {
	return &Query{Table: tb}
}

// Insert inserts a new row and returns its RID.
func (q *Query) Insert(txn lock.TxnID, columns []int64) (uint64, error) {
	return q.Table.Insert(txn, columns)
}

// matchingRIDs returns every RID whose latest value in searchCol
// equals searchKey, using the column's index when one exists and
// falling back to a full table scan otherwise.
func (q *Query) matchingRIDs(searchCol int, searchKey int64) map[uint64]struct{} {
	if q.Table.HasIndex(searchCol) {
		return q.Table.Locate(searchCol, searchKey)
	}

	rids := map[uint64]struct{}{}
	for _, rid := range q.Table.BaseRIDs() {
		values, _, err := q.Table.GetLatestVersion(rid)
		if err != nil {
			continue
		}
		if searchCol < len(values) && values[searchCol] == searchKey {
			rids[rid] = struct{}{}
		}
	}
	return rids
}

func project(rid uint64, key int64, values []int64, projection []bool) Record {
	cols := make([]*int64, len(values))
	for i, want := range projection {
		if want && i < len(values) {
			v := values[i]
			cols[i] = &v
		}
	}
	return Record{RID: rid, Key: key, Columns: cols}
}

// Select returns the projected current version of every row whose
// searchCol value equals searchKey. projection has one entry per
// table column; false entries are left nil in the result.
func (q *Query) Select(searchKey int64, searchCol int, projection []bool) ([]Record, error) {
	rids := q.matchingRIDs(searchCol, searchKey)

	results := make([]Record, 0, len(rids))
	for rid := range rids {
		values, _, err := q.Table.GetLatestVersion(rid)
		if err != nil {
			continue
		}
		results = append(results, project(rid, values[q.Table.KeyIndex], values, projection))
	}
	return results, nil
}

// SelectVersion is Select against a historical version, per
// table.Table.GetVersion's relativeVersion convention.
func (q *Query) SelectVersion(searchKey int64, searchCol int, projection []bool, relativeVersion int) ([]Record, error) {
	rids := q.matchingRIDs(searchCol, searchKey)

	results := make([]Record, 0, len(rids))
	for rid := range rids {
		values, _, err := q.Table.GetVersion(rid, relativeVersion)
		if err != nil {
			continue
		}
		results = append(results, project(rid, values[q.Table.KeyIndex], values, projection))
	}
	return results, nil
}

// Update applies a sparse column update (nil entries unchanged) to
// every row whose primary key equals primaryKey. The primary key
// column itself cannot be changed to a value that already exists.
func (q *Query) Update(txn lock.TxnID, primaryKey int64, columns []*int64) error {
	if newKey := columns[q.Table.KeyIndex]; newKey != nil && *newKey != primaryKey {
		if existing := q.Table.Locate(q.Table.KeyIndex, *newKey); len(existing) > 0 {
			return fmt.Errorf("query: update would collide with existing key %d", *newKey)
		}
	}

	rids := q.Table.Locate(q.Table.KeyIndex, primaryKey)
	if len(rids) == 0 {
		return table.ErrNotFound
	}
	for rid := range rids {
		if err := q.Table.UpdateRecord(txn, rid, columns); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes every row whose primary key equals primaryKey.
func (q *Query) Delete(txn lock.TxnID, primaryKey int64) error {
	rids := q.Table.Locate(q.Table.KeyIndex, primaryKey)
	if len(rids) == 0 {
		return table.ErrNotFound
	}
	for rid := range rids {
		if err := q.Table.DeleteRecord(txn, rid); err != nil {
			return err
		}
	}
	return nil
}

// Sum adds aggregateCol's current value across every row whose
// primary key falls in [startKey, endKey].
func (q *Query) Sum(startKey, endKey int64, aggregateCol int) (int64, error) {
	rids := q.Table.LocateRange(q.Table.KeyIndex, startKey, endKey)
	if len(rids) == 0 {
		return 0, table.ErrNotFound
	}

	var total int64
	for rid := range rids {
		values, _, err := q.Table.GetLatestVersion(rid)
		if err != nil {
			continue
		}
		total += values[aggregateCol]
	}
	return total, nil
}

// SumVersion is Sum against a historical version.
func (q *Query) SumVersion(startKey, endKey int64, aggregateCol int, relativeVersion int) (int64, error) {
	rids := q.Table.LocateRange(q.Table.KeyIndex, startKey, endKey)
	if len(rids) == 0 {
		return 0, table.ErrNotFound
	}

	var total int64
	for rid := range rids {
		values, _, err := q.Table.GetVersion(rid, relativeVersion)
		if err != nil {
			continue
		}
		total += values[aggregateCol]
	}
	return total, nil
}

// Increment adds delta to a single row's column, identified by
// primary key. It is expressed as a read-then-update rather than a
// dedicated table primitive, since incrementing is just a special
// case of update with the new value computed from the old one.
func (q *Query) Increment(txn lock.TxnID, primaryKey int64, column int, delta int64) error {
	rids := q.Table.Locate(q.Table.KeyIndex, primaryKey)
	if len(rids) == 0 {
		return table.ErrNotFound
	}

	for rid := range rids {
		values, _, err := q.Table.GetLatestVersion(rid)
		if err != nil {
			return err
		}
		newValue := values[column] + delta
		update := make([]*int64, q.Table.NumColumns)
		update[column] = &newValue
		if err := q.Table.UpdateRecord(txn, rid, update); err != nil {
			return err
		}
	}
	return nil
}
