// Package query implements the table-agnostic query surface: insert,
// select (current and historical), update, delete, sum, and
// increment. Every operation here is a direct, unlocked call against
// a table.Table. 2PL locking is layered on top by the txn package,
// which wraps these calls in Op closures with the right lock
// requests attached.
package query

// Record is a projected row returned by Select/SelectVersion: a RID,
// its primary-key value, and one value pointer per table column, with
// unrequested columns left nil.
type Record struct {
	RID     uint64
	Key     int64
	Columns []*int64
}
