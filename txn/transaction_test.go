package txn

import (
	"testing"

	"lstore/buffer"
	"lstore/disk"
	"lstore/lock"
	"lstore/table"
)

func newTestTable(t *testing.T) *table.Table {
	t.Helper()
	dir := t.TempDir()
	dm, err := disk.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	pool := buffer.NewPool(dm, 64, nil)
	return table.New("grades", 2, 0, pool, nil)
}

func TestCommittedTransactionReleasesLocks(t *testing.T) {
	tb := newTestTable(t)
	mgr := lock.NewManager()

	tx := New(mgr)
	tx.Touch(tb)
	var rid uint64
	tx.AddOp(Op{
		Locks: []LockRequest{{Key: lock.RangeLock(tb.Name, 0), Mode: lock.Exclusive}},
		Run: func() error {
			r, err := tb.Insert(tx.ID, []int64{1, 2})
			rid = r
			return err
		},
	})

	if err := tx.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := tb.ReadRecord(rid); err != nil {
		t.Errorf("ReadRecord after commit = %v, want nil", err)
	}

	// Locks should be fully released: another transaction can take
	// the same range lock immediately.
	if !mgr.AcquireExclusive(999, lock.RangeLock(tb.Name, 0)) {
		t.Error("range lock should be free after commit")
	}
}

func TestAbortedTransactionRollsBackAndReleasesLocks(t *testing.T) {
	tb := newTestTable(t)
	mgr := lock.NewManager()

	blocker := lock.TxnID(42)
	mgr.AcquireExclusive(blocker, lock.RecordLock(tb.Name, 1))

	tx := New(mgr)
	tx.Touch(tb)
	tx.AddOp(Op{
		Locks: []LockRequest{
			{Key: lock.RangeLock(tb.Name, 0), Mode: lock.Exclusive},
			{Key: lock.RecordLock(tb.Name, 1), Mode: lock.Exclusive},
		},
		Run: func() error {
			return tb.UpdateRecord(tx.ID, 1, []*int64{nil, nil})
		},
	})

	if err := tx.Run(); err != ErrAborted {
		t.Fatalf("Run = %v, want ErrAborted", err)
	}

	if !mgr.AcquireExclusive(999, lock.RangeLock(tb.Name, 0)) {
		t.Error("aborted transaction should have released any locks it held")
	}
}

func TestRunWithRetrySucceedsAfterContentionClears(t *testing.T) {
	tb := newTestTable(t)
	mgr := lock.NewManager()

	key := lock.RangeLock(tb.Name, 0)
	holder := lock.TxnID(7)
	mgr.AcquireExclusive(holder, key)

	done := make(chan struct{})
	go func() {
		mgr.Release(holder)
		close(done)
	}()
	<-done

	var rid uint64
	err := RunWithRetry(func() *Transaction {
		tx := New(mgr)
		tx.Touch(tb)
		tx.AddOp(Op{
			Locks: []LockRequest{{Key: key, Mode: lock.Exclusive}},
			Run: func() error {
				r, err := tb.Insert(tx.ID, []int64{1, 2})
				rid = r
				return err
			},
		})
		return tx
	})
	if err != nil {
		t.Fatalf("RunWithRetry failed: %v", err)
	}
	if _, err := tb.ReadRecord(rid); err != nil {
		t.Errorf("ReadRecord after retry-commit = %v, want nil", err)
	}
}
