package table

// Record is a single logical row as handed back to callers: its RID,
// its primary-key value, and its user columns in table-definition
// order (metadata columns are stripped before a Record is built).
type Record struct {
	RID     uint64
	Key     int64
	Columns []int64
}
