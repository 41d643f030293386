package table

import (
	"testing"

	"lstore/buffer"
	"lstore/config"
	"lstore/disk"
	"lstore/lock"
)

func newTestTable(t *testing.T, numColumns, keyIndex int) *Table {
	t.Helper()
	dir := t.TempDir()
	dm, err := disk.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	pool := buffer.NewPool(dm, 64, nil)
	return New("grades", numColumns, keyIndex, pool, nil)
}

func ptr(v int64) *int64 { return &v }

func TestInsertAndReadRecord(t *testing.T) {
	tb := newTestTable(t, 3, 0)

	rid, err := tb.Insert(1, []int64{10, 20, 30})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	rec, err := tb.ReadRecord(rid)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if rec.Key != 10 || rec.Columns[1] != 20 || rec.Columns[2] != 30 {
		t.Errorf("ReadRecord = %+v, want columns [10 20 30]", rec)
	}
}

func TestInsertRejectsWrongColumnCount(t *testing.T) {
	tb := newTestTable(t, 3, 0)
	if _, err := tb.Insert(1, []int64{1, 2}); err == nil {
		t.Error("Insert with wrong column count should fail")
	}
}

func TestInsertRejectsDuplicateKeyWhenIndexed(t *testing.T) {
	tb := newTestTable(t, 2, 0)
	tb.CreateIndex(0)

	if _, err := tb.Insert(1, []int64{10, 20}); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	if _, err := tb.Insert(1, []int64{10, 99}); err == nil {
		t.Error("second Insert with duplicate key should fail")
	}
}

func TestUpdateRecordCreatesTailAndUpdatesLatest(t *testing.T) {
	tb := newTestTable(t, 2, 0)
	rid, _ := tb.Insert(1, []int64{10, 20})

	if err := tb.UpdateRecord(1, rid, []*int64{nil, ptr(99)}); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	values, schema, err := tb.GetLatestVersion(rid)
	if err != nil {
		t.Fatalf("GetLatestVersion failed: %v", err)
	}
	if values[0] != 10 || values[1] != 99 {
		t.Errorf("GetLatestVersion = %v, want [10 99]", values)
	}
	if schema&0x2 == 0 {
		t.Errorf("schema encoding = %b, want bit 1 set", schema)
	}
}

func TestGetVersionWalksHistory(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	rid, _ := tb.Insert(1, []int64{1})

	tb.UpdateRecord(1, rid, []*int64{ptr(2)})
	tb.UpdateRecord(1, rid, []*int64{ptr(3)})

	latest, _, _ := tb.GetVersion(rid, 0)
	if latest[0] != 3 {
		t.Errorf("version 0 = %v, want [3]", latest)
	}
	prev, _, _ := tb.GetVersion(rid, -1)
	if prev[0] != 2 {
		t.Errorf("version -1 = %v, want [2]", prev)
	}
	original, _, _ := tb.GetVersion(rid, -2)
	if original[0] != 1 {
		t.Errorf("version -2 = %v, want [1]", original)
	}
}

func TestGetVersionRejectsPositiveRelativeVersion(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	rid, _ := tb.Insert(1, []int64{1})

	if _, _, err := tb.GetVersion(rid, 1); err != ErrInvalidVersion {
		t.Errorf("GetVersion(rid, 1) = %v, want ErrInvalidVersion", err)
	}
}

func TestDeleteRecordTombstonesAndClearsIndex(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	tb.CreateIndex(0)
	rid, _ := tb.Insert(1, []int64{42})

	if err := tb.DeleteRecord(1, rid); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := tb.ReadRecord(rid); err != ErrNotFound {
		t.Errorf("ReadRecord after delete = %v, want ErrNotFound", err)
	}

	// Re-inserting the same key should now succeed.
	if _, err := tb.Insert(2, []int64{42}); err != nil {
		t.Errorf("re-insert of deleted key should succeed, got %v", err)
	}
}

func TestRollbackUndoesInsert(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	tb.CreateIndex(0)
	rid, _ := tb.Insert(1, []int64{7})

	tb.Rollback(1)

	if _, err := tb.ReadRecord(rid); err != ErrNotFound {
		t.Errorf("ReadRecord after rollback of insert = %v, want ErrNotFound", err)
	}
	if got := tb.index.Locate(0, 7); len(got) != 0 {
		t.Errorf("index should not contain rolled-back insert, got %v", got)
	}
}

func TestRollbackUndoesUpdate(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	rid, _ := tb.Insert(1, []int64{5})

	tb.UpdateRecord(2, rid, []*int64{ptr(50)})
	tb.Rollback(2)

	values, _, err := tb.GetLatestVersion(rid)
	if err != nil {
		t.Fatalf("GetLatestVersion failed: %v", err)
	}
	if values[0] != 5 {
		t.Errorf("GetLatestVersion after rollback = %v, want [5]", values)
	}
}

func TestRollbackUndoesDelete(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	rid, _ := tb.Insert(1, []int64{5})

	tb.DeleteRecord(2, rid)
	tb.Rollback(2)

	if _, err := tb.ReadRecord(rid); err != nil {
		t.Errorf("ReadRecord after rollback of delete = %v, want nil error", err)
	}
}

func TestRollbackOnlyAffectsOwnTransaction(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	ridA, _ := tb.Insert(lock.TxnID(1), []int64{1})
	ridB, _ := tb.Insert(lock.TxnID(2), []int64{2})

	tb.Rollback(1)

	if _, err := tb.ReadRecord(ridA); err != ErrNotFound {
		t.Errorf("txn 1's insert should be rolled back")
	}
	if _, err := tb.ReadRecord(ridB); err != nil {
		t.Errorf("txn 2's insert should be unaffected, got %v", err)
	}
}

func TestMergeAdvancesTPSWithoutMutatingBaseColumns(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	rid, _ := tb.Insert(1, []int64{1})
	tb.UpdateRecord(1, rid, []*int64{ptr(2)})

	tb.Merge()

	base, err := tb.readFull(rid)
	if err != nil {
		t.Fatalf("readFull failed: %v", err)
	}
	if base[config.NumMetadataColumns] != 1 { // first user column, still the original value
		t.Errorf("merge must not mutate base user columns, got %v", base)
	}

	values, _, _ := tb.GetLatestVersion(rid)
	if values[0] != 2 {
		t.Errorf("latest version after merge = %v, want [2]", values)
	}

	// The tail written by the update has RID 2; merge records it as
	// the base page's TPS.
	id := tb.ranges[0].pageID(false, config.RIDColumn, 0)
	pg, err := tb.pool.Fix(id, buffer.ModeRead)
	if err != nil {
		t.Fatalf("Fix TPS page failed: %v", err)
	}
	if tps := pg.GetTPS(); tps != 2 {
		t.Errorf("TPS after merge = %d, want 2", tps)
	}
	tb.pool.Unfix(id, false)
}

func TestReadSurvivesBufferPoolEviction(t *testing.T) {
	dir := t.TempDir()
	dm, err := disk.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	// A tiny pool forces every column's page out of the cache almost
	// immediately, so later reads must reload from disk with
	// NumRecords reset to zero and still succeed.
	pool := buffer.NewPool(dm, 2, nil)
	tb := New("grades", 2, 0, pool, nil)

	var rids []uint64
	for i := 0; i < 20; i++ {
		rid, err := tb.Insert(1, []int64{int64(i), int64(i * 10)})
		if err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		rids = append(rids, rid)
	}

	for i, rid := range rids {
		rec, err := tb.ReadRecord(rid)
		if err != nil {
			t.Fatalf("ReadRecord(%d) after eviction failed: %v", rid, err)
		}
		if rec.Key != int64(i) {
			t.Errorf("ReadRecord(%d).Key = %d, want %d", rid, rec.Key, i)
		}
	}
}

func TestInsertVolumeSpansPages(t *testing.T) {
	tb := newTestTable(t, 1, 0)
	const n = 600 // more than one page's worth (511), so each column spills into a second page
	for i := 0; i < n; i++ {
		if _, err := tb.Insert(lock.TxnID(1), []int64{int64(i)}); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	rec, err := tb.ReadRecord(uint64(n))
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if rec.Key != int64(n-1) {
		t.Errorf("ReadRecord(%d).Key = %d, want %d", n, rec.Key, n-1)
	}
}
