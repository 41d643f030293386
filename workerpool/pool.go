// Package workerpool runs batches of transactions concurrently across
// a bounded goroutine pool, one submission per batch.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"lstore/txn"
)

// Batch is a sequence of transactions to run in order, on a single
// pool goroutine, with RunWithRetry's backoff applied to each one
// independently. A batch's transactions are not required to commit
// together: each retries and commits, or exhausts retries, on its
// own.
type Batch struct {
	Build []func() *txn.Transaction
}

// Result summarizes one batch's outcome.
type Result struct {
	Committed int
	Failed    int
	Errors    []error
}

// Pool runs batches of transactions across a bounded set of
// goroutines via ants.
type Pool struct {
	inner *ants.Pool
}

// New returns a worker pool with at most size goroutines running
// batches concurrently.
func New(size int) (*Pool, error) {
	inner, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Release shuts the pool down, waiting for in-flight batches to
// finish.
func (p *Pool) Release() {
	p.inner.Release()
}

// Submit runs every batch concurrently (bounded by the pool's size)
// and returns each batch's Result in the same order batches were
// given, once all have finished.
func (p *Pool) Submit(batches []Batch) []Result {
	results := make([]Result, len(batches))
	var wg sync.WaitGroup
	wg.Add(len(batches))

	for i, b := range batches {
		i, b := i, b
		err := p.inner.Submit(func() {
			defer wg.Done()
			results[i] = runBatch(b)
		})
		if err != nil {
			// Pool is closed or overloaded beyond its queue; record it
			// as a fully failed batch rather than losing the result slot.
			results[i] = Result{Failed: len(b.Build), Errors: []error{err}}
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

func runBatch(b Batch) Result {
	var res Result
	for _, build := range b.Build {
		err := txn.RunWithRetry(build)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Committed++
	}
	return res
}

// Stats aggregates every batch's Result into a running total, useful
// for a benchmark driver that wants a single committed/failed count
// across the whole run.
type Stats struct {
	committed atomic.Int64
	failed    atomic.Int64
}

// Accumulate adds every result's counts into s.
func (s *Stats) Accumulate(results []Result) {
	for _, r := range results {
		s.committed.Add(int64(r.Committed))
		s.failed.Add(int64(r.Failed))
	}
}

// Committed returns the running committed count.
func (s *Stats) Committed() int64 { return s.committed.Load() }

// Failed returns the running failed count.
func (s *Stats) Failed() int64 { return s.failed.Load() }
