package workerpool

import (
	"testing"

	"go.uber.org/zap"

	"lstore/buffer"
	"lstore/disk"
	"lstore/lock"
	"lstore/table"
	"lstore/txn"
)

func newTestTable(t *testing.T) *table.Table {
	t.Helper()
	dm, err := disk.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	pool := buffer.NewPool(dm, 64, zap.NewNop())
	tb := table.New("grades", 2, 0, pool, zap.NewNop())
	tb.CreateIndex(0)
	return tb
}

func insertBuild(manager *lock.Manager, tb *table.Table, key, value int64) func() *txn.Transaction {
	return func() *txn.Transaction {
		tx := txn.New(manager)
		tx.Touch(tb)
		tx.AddOp(txn.Op{
			Locks: []txn.LockRequest{{Key: lock.RangeLock(tb.Name, 0), Mode: lock.Exclusive}},
			Run: func() error {
				_, err := tb.Insert(tx.ID, []int64{key, value})
				return err
			},
		})
		return tx
	}
}

func TestSubmitRunsEveryBatchAndReportsCommitted(t *testing.T) {
	manager := lock.NewManager()
	tb := newTestTable(t)

	p, err := New(4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Release()

	batches := []Batch{
		{Build: []func() *txn.Transaction{
			insertBuild(manager, tb, 1, 100),
			insertBuild(manager, tb, 2, 200),
		}},
		{Build: []func() *txn.Transaction{
			insertBuild(manager, tb, 3, 300),
		}},
	}

	results := p.Submit(batches)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Committed != 2 || results[0].Failed != 0 {
		t.Errorf("results[0] = %+v, want Committed=2 Failed=0", results[0])
	}
	if results[1].Committed != 1 || results[1].Failed != 0 {
		t.Errorf("results[1] = %+v, want Committed=1 Failed=0", results[1])
	}

	var stats Stats
	stats.Accumulate(results)
	if stats.Committed() != 3 {
		t.Errorf("stats.Committed() = %d, want 3", stats.Committed())
	}
	if stats.Failed() != 0 {
		t.Errorf("stats.Failed() = %d, want 0", stats.Failed())
	}
}

func TestSubmitWithDuplicateKeyRecordsFailure(t *testing.T) {
	manager := lock.NewManager()
	tb := newTestTable(t)

	p, err := New(2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Release()

	batches := []Batch{
		{Build: []func() *txn.Transaction{
			insertBuild(manager, tb, 1, 100),
			insertBuild(manager, tb, 1, 999),
		}},
	}

	results := p.Submit(batches)
	if results[0].Committed != 1 || results[0].Failed != 1 {
		t.Errorf("results[0] = %+v, want Committed=1 Failed=1", results[0])
	}
	if len(results[0].Errors) != 1 {
		t.Errorf("len(results[0].Errors) = %d, want 1", len(results[0].Errors))
	}
}
