package table

import (
	"time"

	"go.uber.org/zap"

	"lstore/buffer"
	"lstore/config"
)

// StartMergeThread launches the background goroutine that
// periodically checks whether enough updates have accumulated to
// warrant a merge pass. It is idempotent; calling it twice without an
// intervening StopMergeThread is a no-op.
func (t *Table) StartMergeThread() {
	if t.stopCh != nil {
		return
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(config.MergeCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.updatesMu.Lock()
				shouldMerge := t.updatesSinceMerge >= config.MergeThresholdUpdates
				t.updatesMu.Unlock()
				if shouldMerge {
					t.Merge()
				}
			}
		}
	}()
}

// StopMergeThread signals the background merge goroutine to exit and
// waits for it to do so.
func (t *Table) StopMergeThread() {
	if t.stopCh == nil {
		return
	}
	close(t.stopCh)
	<-t.doneCh
	t.stopCh = nil
	t.doneCh = nil
}

// Merge runs one merge pass if no other merge is currently in
// progress; otherwise it is a no-op. Safe to call directly (e.g. from
// a test or an explicit flush-before-close path) as well as from the
// background goroutine.
func (t *Table) Merge() {
	if !t.mergeInProgress.TryLock() {
		return
	}
	defer t.mergeInProgress.Unlock()

	t.merge()

	t.updatesMu.Lock()
	t.updatesSinceMerge = 0
	t.updatesMu.Unlock()
}

// merge advances the TPS of every base page whose records have
// pending tail updates, without copying tail values back into the
// base columns. Base records keep their original values forever, so
// GetVersion can always walk the tail chain to reconstruct history.
func (t *Table) merge() {
	t.mergeRidsMu.Lock()
	pending := t.mergeRids
	t.mergeRids = make(map[uint64]struct{})
	t.mergeRidsMu.Unlock()

	if len(pending) == 0 {
		return
	}

	t.pageDirMu.Lock()
	byRange := make(map[int][]mergeEntry)
	for rid := range pending {
		loc, ok := t.pageDirectory[rid]
		if !ok || loc.isTail {
			continue
		}
		byRange[loc.rangeIdx] = append(byRange[loc.rangeIdx], mergeEntry{rid: rid, offset: loc.offset})
	}
	t.pageDirMu.Unlock()

	t.rangesMu.Lock()
	ranges := append([]*pageRange(nil), t.ranges...)
	t.rangesMu.Unlock()

	for rangeIdx, entries := range byRange {
		if rangeIdx >= len(ranges) {
			continue
		}
		pr := ranges[rangeIdx]

		if !pr.tryLock() {
			// Another operation holds the range; retry these RIDs on
			// the next merge cycle instead of blocking.
			t.mergeRidsMu.Lock()
			for _, e := range entries {
				t.mergeRids[e.rid] = struct{}{}
			}
			t.mergeRidsMu.Unlock()
			continue
		}

		t.mergeRange(pr, entries)
		pr.unlock()
	}
}

type mergeEntry struct {
	rid    uint64
	offset int
}

func (t *Table) mergeRange(pr *pageRange, entries []mergeEntry) {
	for _, e := range entries {
		pageIdx := e.offset / config.RecordsPerPage

		base, err := pr.readRecordLocked(false, e.offset)
		if err != nil {
			continue
		}

		baseRID := uint64(base[config.RIDColumn])
		tailRID := uint64(base[config.IndirectionColumn])
		if baseRID == config.DeletedRID || tailRID == 0 {
			continue
		}

		id := pr.pageID(false, config.RIDColumn, pageIdx)
		pg, err := t.pool.Fix(id, buffer.ModeWrite)
		if err != nil {
			t.logger.Error("table: merge: fix TPS page failed", zap.Error(err))
			continue
		}
		currentTPS := pg.GetTPS()
		if tailRID > currentTPS {
			pg.SetTPS(tailRID)
			t.pool.Unfix(id, true)
		} else {
			t.pool.Unfix(id, false)
		}
	}
}
