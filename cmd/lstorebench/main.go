// Command lstorebench opens a database, creates a single table from
// flags, and drives a fixed workload of inserts followed by
// increments (read-then-update) through the transaction-worker pool,
// reporting how many transactions committed versus failed. It is a benchmark driver, not a query
// language: there is no SQL parsing and no interactive shell.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lstore/db"
	"lstore/lock"
	"lstore/query"
	"lstore/txn"
	"lstore/workerpool"
)

var (
	dataDir    string
	numColumns int
	keyColumn  int
	numRecords int
	numUpdates int
	workers    int
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "lstorebench",
		Short: "Drive a fixed L-Store workload through the transaction-worker pool",
		RunE:  runBench,
	}

	flags := root.Flags()
	flags.StringVar(&dataDir, "data", "lstorebench-data", "directory to store table pages and metadata in")
	flags.IntVar(&numColumns, "columns", 5, "number of user columns in the benchmark table")
	flags.IntVar(&keyColumn, "key", 0, "index of the primary key column")
	flags.IntVar(&numRecords, "records", 1000, "number of rows to insert")
	flags.IntVar(&numUpdates, "updates", 1000, "number of update transactions to run after inserting")
	flags.IntVar(&workers, "workers", 8, "number of goroutines in the worker pool")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log every phase's commit/abort counts")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}
	defer logger.Sync()

	database, err := db.Open(dataDir, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("lstorebench: open %q: %w", dataDir, err)
	}
	defer database.Close()

	tb, err := database.CreateTable("bench", numColumns, keyColumn)
	if err != nil {
		return fmt.Errorf("lstorebench: create table: %w", err)
	}
	q := query.New(tb)

	pool, err := workerpool.New(workers)
	if err != nil {
		return fmt.Errorf("lstorebench: worker pool: %w", err)
	}
	defer pool.Release()

	var stats workerpool.Stats

	insertResults := pool.Submit(insertBatches(database.Locks, q))
	stats.Accumulate(insertResults)
	logger.Info("insert phase done", zap.Int64("committed", stats.Committed()), zap.Int64("failed", stats.Failed()))

	updateResults := pool.Submit(updateBatches(database.Locks, q))
	stats.Accumulate(updateResults)
	logger.Info("update phase done", zap.Int64("committed", stats.Committed()), zap.Int64("failed", stats.Failed()))

	fmt.Printf("committed=%d failed=%d\n", stats.Committed(), stats.Failed())
	return nil
}

// insertBatches spreads numRecords inserts, one per transaction, into
// workers-many batches so the pool runs them concurrently.
func insertBatches(manager *lock.Manager, q *query.Query) []workerpool.Batch {
	batches := make([]workerpool.Batch, workers)
	for i := 0; i < numRecords; i++ {
		key := int64(i)
		batches[i%workers].Build = append(batches[i%workers].Build, func() *txn.Transaction {
			return buildInsert(manager, q, key)
		})
	}
	return batches
}

func buildInsert(manager *lock.Manager, q *query.Query, key int64) *txn.Transaction {
	columns := make([]int64, numColumns)
	columns[keyColumn] = key
	for c := 0; c < numColumns; c++ {
		if c != keyColumn {
			columns[c] = rand.Int63n(1000)
		}
	}

	rangeIdx := 0 // bench table never exceeds one page range before this runs
	tx := txn.New(manager)
	tx.Touch(q.Table)
	tx.AddOp(txn.Op{
		Locks: []txn.LockRequest{{Key: lock.RangeLock(q.Table.Name, rangeIdx), Mode: lock.Exclusive}},
		Run: func() error {
			_, err := q.Insert(tx.ID, columns)
			return err
		},
	})
	return tx
}

// updateBatches spreads numUpdates increment transactions against
// random existing keys into workers-many batches.
func updateBatches(manager *lock.Manager, q *query.Query) []workerpool.Batch {
	batches := make([]workerpool.Batch, workers)
	for i := 0; i < numUpdates; i++ {
		key := rand.Int63n(int64(numRecords))
		batches[i%workers].Build = append(batches[i%workers].Build, func() *txn.Transaction {
			return buildIncrement(manager, q, key)
		})
	}
	return batches
}

func buildIncrement(manager *lock.Manager, q *query.Query, key int64) *txn.Transaction {
	column := (keyColumn + 1) % numColumns
	if numColumns == 1 {
		column = keyColumn
	}

	// The benchmark takes the first page range's lock rather than a
	// record lock for increments too, so every transaction here
	// serializes on that one range lock.
	tx := txn.New(manager)
	tx.Touch(q.Table)
	tx.AddOp(txn.Op{
		Locks: []txn.LockRequest{{Key: lock.RangeLock(q.Table.Name, 0), Mode: lock.Exclusive}},
		Run: func() error {
			return q.Increment(tx.ID, key, column, 1)
		},
	})
	return tx
}
