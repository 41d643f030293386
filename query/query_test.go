package query

import (
	"testing"

	"lstore/buffer"
	"lstore/disk"
	"lstore/lock"
	"lstore/table"
)

func newTestQuery(t *testing.T, numColumns, keyIndex int, withIndex bool) *Query {
	t.Helper()
	dir := t.TempDir()
	dm, err := disk.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	pool := buffer.NewPool(dm, 64, nil)
	tb := table.New("grades", numColumns, keyIndex, pool, nil)
	if withIndex {
		tb.CreateIndex(keyIndex)
	}
	return New(tb)
}

func boolsAllTrue(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

func TestInsertAndSelect(t *testing.T) {
	q := newTestQuery(t, 3, 0, true)

	if _, err := q.Insert(1, []int64{10, 20, 30}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	results, err := q.Select(10, 0, boolsAllTrue(3))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(results) != 1 || results[0].Key != 10 {
		t.Fatalf("Select = %+v, want one record with key 10", results)
	}
	if *results[0].Columns[1] != 20 {
		t.Errorf("projected column 1 = %v, want 20", *results[0].Columns[1])
	}
}

func TestSelectWithoutIndexFallsBackToScan(t *testing.T) {
	q := newTestQuery(t, 2, 0, false)
	q.Insert(1, []int64{1, 100})
	q.Insert(1, []int64{2, 200})

	results, err := q.Select(200, 1, boolsAllTrue(2))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(results) != 1 || results[0].Key != 2 {
		t.Fatalf("Select (unindexed scan) = %+v, want key 2", results)
	}
}

func TestSelectProjectionLeavesUnrequestedColumnsNil(t *testing.T) {
	q := newTestQuery(t, 2, 0, true)
	q.Insert(1, []int64{1, 100})

	results, _ := q.Select(1, 0, []bool{true, false})
	if results[0].Columns[0] == nil || results[0].Columns[1] != nil {
		t.Errorf("projection = %+v, want [non-nil nil]", results[0].Columns)
	}
}

func TestUpdateThenSelectSeesNewValue(t *testing.T) {
	q := newTestQuery(t, 2, 0, true)
	q.Insert(1, []int64{1, 100})

	v := int64(999)
	if err := q.Update(2, 1, []*int64{nil, &v}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	results, _ := q.Select(1, 0, boolsAllTrue(2))
	if *results[0].Columns[1] != 999 {
		t.Errorf("column 1 after update = %v, want 999", *results[0].Columns[1])
	}
}

func TestDeleteThenSelectReturnsNothing(t *testing.T) {
	q := newTestQuery(t, 1, 0, true)
	q.Insert(1, []int64{5})

	if err := q.Delete(2, 5); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	results, _ := q.Select(5, 0, boolsAllTrue(1))
	if len(results) != 0 {
		t.Errorf("Select after delete = %+v, want none", results)
	}
}

func TestSumAcrossKeyRange(t *testing.T) {
	q := newTestQuery(t, 2, 0, true)
	for i := int64(1); i <= 5; i++ {
		q.Insert(1, []int64{i, i * 10})
	}

	total, err := q.Sum(2, 4, 1)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if total != 20+30+40 {
		t.Errorf("Sum(2,4) = %d, want %d", total, 20+30+40)
	}
}

func TestSumVersionUsesHistoricalValues(t *testing.T) {
	q := newTestQuery(t, 2, 0, true)
	q.Insert(1, []int64{1, 100})

	v := int64(500)
	q.Update(2, 1, []*int64{nil, &v})

	current, _ := q.Sum(1, 1, 1)
	if current != 500 {
		t.Fatalf("current Sum = %d, want 500", current)
	}

	historical, err := q.SumVersion(1, 1, 1, -1)
	if err != nil {
		t.Fatalf("SumVersion failed: %v", err)
	}
	if historical != 100 {
		t.Errorf("SumVersion(-1) = %d, want 100", historical)
	}
}

func TestIncrement(t *testing.T) {
	q := newTestQuery(t, 2, 0, true)
	q.Insert(1, []int64{1, 10})

	if err := q.Increment(2, 1, 1, 5); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	results, _ := q.Select(1, 0, boolsAllTrue(2))
	if *results[0].Columns[1] != 15 {
		t.Errorf("column 1 after increment = %v, want 15", *results[0].Columns[1])
	}
}

func TestUpdateRejectsKeyCollision(t *testing.T) {
	q := newTestQuery(t, 1, 0, true)
	q.Insert(1, []int64{1})
	q.Insert(lock.TxnID(2), []int64{2})

	newKey := int64(2)
	if err := q.Update(3, 1, []*int64{&newKey}); err == nil {
		t.Error("Update to an already-existing key should fail")
	}
}
