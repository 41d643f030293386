// Package txn implements the strict two-phase-locking transaction
// runner: a growing phase that acquires every lock an operation will
// need up front, an execute phase that performs the operations, and a
// shrinking phase that releases every lock at commit or abort. A
// transaction that cannot acquire a lock aborts, rolls back, and is
// retried by the caller with exponential backoff. There is no
// blocking wait and no deadlock detection, because locks are never
// held across a blocking acquisition.
package txn

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"lstore/config"
	"lstore/lock"
	"lstore/table"
)

// ErrAborted is returned by Run when a transaction could not acquire
// every lock it needed and was rolled back.
var ErrAborted = errors.New("txn: aborted, could not acquire all locks")

var nextID atomic.Uint64

// NewID returns a fresh, process-unique transaction id.
func NewID() lock.TxnID {
	return lock.TxnID(nextID.Add(1))
}

// LockRequest is one lock a transaction's growing phase must acquire
// before any operation runs.
type LockRequest struct {
	Key  lock.Key
	Mode lock.Mode
}

// Op is one unit of work inside a transaction: a closure over the
// table mutation it performs, plus the locks it needs. A table's
// methods already take the transaction id explicitly, so op closures
// simply call straight through to them.
type Op struct {
	Locks []LockRequest
	Run   func() error
}

// Transaction is a single strict-2PL unit of work: a set of
// operations that either all succeed (holding every necessary lock
// for the whole duration) or all roll back.
type Transaction struct {
	ID      lock.TxnID
	Manager *lock.Manager
	Tables  []*table.Table // tables touched, for Rollback fan-out
	ops     []Op
}

// New returns a transaction with a fresh id, bound to manager.
func New(manager *lock.Manager) *Transaction {
	return &Transaction{ID: NewID(), Manager: manager}
}

// Touch records that tb participates in this transaction, so its
// journal gets rolled back on abort.
func (tx *Transaction) Touch(tb *table.Table) {
	for _, t := range tx.Tables {
		if t == tb {
			return
		}
	}
	tx.Tables = append(tx.Tables, tb)
}

// AddOp appends an operation to the transaction's program.
func (tx *Transaction) AddOp(op Op) {
	tx.ops = append(tx.ops, op)
}

// Run executes the transaction's growing, execute, and shrinking
// phases in order. On any lock-acquisition failure or operation
// error, every lock acquired so far is released, every table touched
// by this transaction has its modifications rolled back, and
// ErrAborted (or the operation's error) is returned. Locks are always
// released before Run returns, whether it commits or aborts.
func (tx *Transaction) Run() error {
	defer tx.Manager.Release(tx.ID)

	for _, op := range tx.ops {
		for _, req := range op.Locks {
			if !tx.Manager.Acquire(tx.ID, req.Key, req.Mode) {
				tx.rollback()
				return ErrAborted
			}
		}
	}

	for _, op := range tx.ops {
		if err := op.Run(); err != nil {
			tx.rollback()
			return err
		}
	}

	return nil
}

func (tx *Transaction) rollback() {
	for _, tb := range tx.Tables {
		tb.Rollback(tx.ID)
	}
}

// RunWithRetry runs build repeatedly, constructing a fresh
// Transaction each attempt (since a used Transaction's locks have
// already been released and its op list should not be replayed
// as-is), until it commits or config.MaxRetries is exhausted. Only
// ErrAborted (a lock conflict) is retried; any other error from an
// operation is returned at once, without a further attempt. Backoff
// between attempts grows exponentially, capped at
// config.MaxRetryDelay, with jitter to avoid synchronized retries
// across goroutines contending for the same locks.
func RunWithRetry(build func() *Transaction) error {
	delay := config.RetryDelay
	var lastErr error

	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		tx := build()
		err := tx.Run()
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, ErrAborted) {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		time.Sleep(delay + jitter)

		delay = time.Duration(float64(delay) * config.RetryBackoffMultiplier)
		if delay > config.MaxRetryDelay {
			delay = config.MaxRetryDelay
		}
	}

	return lastErr
}
