package table

import (
	"fmt"
	"sync"

	"lstore/buffer"
	"lstore/config"
	"lstore/disk"
)

// pageRange manages one range's base and tail page arrays. Base and
// tail records are counted separately; hasCapacity checks only the
// base count against maxRecords (computed once from
// config.PagesPerRange), and the tail count is checked against the
// same limit by Table.UpdateRecord when it picks a tail range.
type pageRange struct {
	mu sync.Mutex

	table        string
	rangeIdx     int
	totalColumns int
	pool         *buffer.Pool

	maxRecords int

	numBaseRecords int
	numTailRecords int

	numBasePagesPerCol []int
	numTailPagesPerCol []int
}

func newPageRange(tableName string, rangeIdx, totalColumns int, pool *buffer.Pool) *pageRange {
	basePages := make([]int, totalColumns)
	tailPages := make([]int, totalColumns)
	for i := range basePages {
		basePages[i] = 1
		tailPages[i] = 1
	}
	return &pageRange{
		table:              tableName,
		rangeIdx:           rangeIdx,
		totalColumns:       totalColumns,
		pool:               pool,
		maxRecords:         config.RecordsPerPage * config.PagesPerRange,
		numBasePagesPerCol: basePages,
		numTailPagesPerCol: tailPages,
	}
}

func (pr *pageRange) hasCapacity() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.numBaseRecords < pr.maxRecords
}

func (pr *pageRange) pageID(isTail bool, col, pageIdx int) disk.PageID {
	return disk.PageID{Table: pr.table, IsTail: isTail, Column: col, Range: pr.rangeIdx, Page: pageIdx}
}

// writeBaseRecord appends a full [meta+user] row to the base array
// and returns its offset within the range.
func (pr *pageRange) writeBaseRecord(row []int64) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	offset := pr.numBaseRecords
	for col, value := range row {
		pageIdx := offset / config.RecordsPerPage
		if pageIdx >= pr.numBasePagesPerCol[col] {
			pr.numBasePagesPerCol[col]++
		}

		id := pr.pageID(false, col, pageIdx)
		pg, err := pr.pool.Fix(id, buffer.ModeWrite)
		if err != nil {
			return 0, fmt.Errorf("table: write base record: %w", err)
		}
		if pg.NumRecords() == 0 {
			pg.SetNumRecords(offset % config.RecordsPerPage)
		}
		if err := pg.Append(value); err != nil {
			pr.pool.Unfix(id, false)
			return 0, fmt.Errorf("table: write base record: %w", err)
		}
		pr.pool.Unfix(id, true)
	}

	pr.numBaseRecords++
	return offset, nil
}

func (pr *pageRange) readBaseRecord(offset int) ([]int64, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.readRecordLocked(false, offset)
}

func (pr *pageRange) readTailRecord(offset int) ([]int64, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.readRecordLocked(true, offset)
}

func (pr *pageRange) readRecordLocked(isTail bool, offset int) ([]int64, error) {
	pageIdx := offset / config.RecordsPerPage
	slot := offset % config.RecordsPerPage

	total := pr.numBaseRecords
	if isTail {
		total = pr.numTailRecords
	}

	row := make([]int64, pr.totalColumns)
	for col := 0; col < pr.totalColumns; col++ {
		id := pr.pageID(isTail, col, pageIdx)
		pg, err := pr.pool.Fix(id, buffer.ModeRead)
		if err != nil {
			return nil, fmt.Errorf("table: read record: %w", err)
		}
		// A page freshly loaded from disk after a buffer-pool eviction
		// starts with NumRecords 0, since the slot count isn't stored
		// in the page bytes. Recompute it from this range's own
		// record counters before reading, the same way
		// updateBaseColumn does on the write path.
		if pg.NumRecords() == 0 && total > 0 {
			pg.SetNumRecords(populatedSlots(pageIdx, total))
		}
		v, err := pg.Read(slot)
		pr.pool.Unfix(id, false)
		if err != nil {
			return nil, fmt.Errorf("table: read record: %w", err)
		}
		row[col] = v
	}
	return row, nil
}

// updateBaseColumn overwrites one physical column of a base record in
// place. col is a physical column index (metadata columns included).
func (pr *pageRange) updateBaseColumn(offset, col int, value int64) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pageIdx := offset / config.RecordsPerPage
	slot := offset % config.RecordsPerPage

	id := pr.pageID(false, col, pageIdx)
	pg, err := pr.pool.Fix(id, buffer.ModeWrite)
	if err != nil {
		return fmt.Errorf("table: update base column: %w", err)
	}
	if pg.NumRecords() == 0 && pr.numBaseRecords > 0 {
		pg.SetNumRecords(populatedSlots(pageIdx, pr.numBaseRecords))
	}
	if err := pg.Update(slot, value); err != nil {
		pr.pool.Unfix(id, false)
		return fmt.Errorf("table: update base column: %w", err)
	}
	pr.pool.Unfix(id, true)
	return nil
}

// writeTailRecord appends a full [meta+user] row to the tail array
// and returns its offset within the range.
func (pr *pageRange) writeTailRecord(row []int64) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	offset := pr.numTailRecords
	for col, value := range row {
		pageIdx := offset / config.RecordsPerPage
		if pageIdx >= pr.numTailPagesPerCol[col] {
			pr.numTailPagesPerCol[col]++
		}

		id := pr.pageID(true, col, pageIdx)
		pg, err := pr.pool.Fix(id, buffer.ModeWrite)
		if err != nil {
			return 0, fmt.Errorf("table: write tail record: %w", err)
		}
		if pg.NumRecords() == 0 {
			pg.SetNumRecords(offset % config.RecordsPerPage)
		}
		if err := pg.Append(value); err != nil {
			pr.pool.Unfix(id, false)
			return 0, fmt.Errorf("table: write tail record: %w", err)
		}
		pr.pool.Unfix(id, true)
	}

	pr.numTailRecords++
	return offset, nil
}

// tryLock attempts to acquire the range's mutex without blocking, used
// by the merge thread so it never stalls behind a busy range.
func (pr *pageRange) tryLock() bool {
	return pr.mu.TryLock()
}

func (pr *pageRange) unlock() {
	pr.mu.Unlock()
}

// populatedSlots returns how many slots of the page at pageIdx are
// populated, given that the column's array holds total records in
// total. Every page except the last holding array is full.
func populatedSlots(pageIdx, total int) int {
	lastPageIdx := (total - 1) / config.RecordsPerPage
	if pageIdx < lastPageIdx {
		return config.RecordsPerPage
	}
	count := total % config.RecordsPerPage
	if count == 0 {
		count = config.RecordsPerPage
	}
	return count
}
