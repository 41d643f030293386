// Package table implements the base/tail column store: RID
// allocation, the page directory, record mutation, and (in
// merge.go) the non-destructive background merge.
package table

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lstore/buffer"
	"lstore/config"
	"lstore/disk"
	"lstore/index"
	"lstore/lock"
)

var (
	// ErrNotFound is returned when a RID has no entry in the page
	// directory, or resolves to a tombstoned base record.
	ErrNotFound = errors.New("table: record not found")
	// ErrDuplicateKey is returned by Insert when the primary key
	// value already exists.
	ErrDuplicateKey = errors.New("table: duplicate primary key")
	// ErrColumnCount is returned when a caller's column slice doesn't
	// match the table's declared width.
	ErrColumnCount = errors.New("table: wrong number of columns")
	// ErrInvalidVersion is returned by GetVersion for a positive
	// relativeVersion, which has no defined meaning (0 is latest,
	// negative walks backward through history).
	ErrInvalidVersion = errors.New("table: relativeVersion must be <= 0")
)

type location struct {
	rangeIdx int
	isTail   bool
	offset   int
}

// Table is one base/tail column store, backed by a shared buffer
// pool and disk manager. All public methods are safe for concurrent
// use.
type Table struct {
	Name         string
	NumColumns   int
	KeyIndex     int
	totalColumns int

	pool   *buffer.Pool
	index  *index.Index
	logger *zap.Logger

	pageDirMu     sync.Mutex
	pageDirectory map[uint64]location

	rangesMu            sync.Mutex
	ranges              []*pageRange
	currentRangeIdx     *int
	currentTailRangeIdx *int

	ridMu   sync.Mutex
	nextRID uint64

	mergeRidsMu sync.Mutex
	mergeRids   map[uint64]struct{}

	updatesMu         sync.Mutex
	updatesSinceMerge int

	mergeInProgress sync.Mutex
	stopCh          chan struct{}
	doneCh          chan struct{}

	journal *journal
}

// New creates an empty table. numColumns is the number of
// user-visible columns; keyIndex names which of those is the primary
// key.
func New(name string, numColumns, keyIndex int, pool *buffer.Pool, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		Name:          name,
		NumColumns:    numColumns,
		KeyIndex:      keyIndex,
		totalColumns:  config.NumMetadataColumns + numColumns,
		pool:          pool,
		index:         index.New(numColumns),
		logger:        logger,
		pageDirectory: make(map[uint64]location),
		nextRID:       1,
		mergeRids:     make(map[uint64]struct{}),
		journal:       newJournal(),
	}
}

func (t *Table) getOrCreateRange() *pageRange {
	t.rangesMu.Lock()
	defer t.rangesMu.Unlock()

	if t.currentRangeIdx == nil || !t.ranges[*t.currentRangeIdx].hasCapacity() {
		pr := newPageRange(t.Name, len(t.ranges), t.totalColumns, t.pool)
		t.ranges = append(t.ranges, pr)
		idx := len(t.ranges) - 1
		t.currentRangeIdx = &idx
	}
	return t.ranges[*t.currentRangeIdx]
}

func (t *Table) rangeAt(idx int) *pageRange {
	t.rangesMu.Lock()
	defer t.rangesMu.Unlock()
	return t.ranges[idx]
}

func (t *Table) allocRID() uint64 {
	t.ridMu.Lock()
	defer t.ridMu.Unlock()
	rid := t.nextRID
	t.nextRID++
	return rid
}

// Insert writes a new base record and returns its RID. columns must
// have exactly NumColumns entries.
func (t *Table) Insert(txn lock.TxnID, columns []int64) (uint64, error) {
	if len(columns) != t.NumColumns {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrColumnCount, t.NumColumns, len(columns))
	}

	var rid uint64
	var dupErr error

	t.index.Transact(func(tx *index.Tx) {
		if tx.HasIndex(t.KeyIndex) {
			if existing := tx.Locate(t.KeyIndex, columns[t.KeyIndex]); len(existing) > 0 {
				dupErr = fmt.Errorf("%w: column %d value %d", ErrDuplicateKey, t.KeyIndex, columns[t.KeyIndex])
				return
			}
		}

		rid = t.allocRID()

		row := make([]int64, t.totalColumns)
		row[config.IndirectionColumn] = 0
		row[config.RIDColumn] = int64(rid)
		row[config.TimestampColumn] = time.Now().Unix()
		row[config.SchemaEncodingColumn] = 0
		copy(row[config.NumMetadataColumns:], columns)

		pr := t.getOrCreateRange()
		offset, err := pr.writeBaseRecord(row)
		if err != nil {
			dupErr = err
			return
		}

		t.pageDirMu.Lock()
		t.pageDirectory[rid] = location{rangeIdx: pr.rangeIdx, offset: offset}
		t.pageDirMu.Unlock()

		for col := 0; col < t.NumColumns; col++ {
			if tx.HasIndex(col) {
				tx.Insert(col, columns[col], rid)
			}
		}

		t.journal.record(txn, rid, modInsert, nil)
	})

	if dupErr != nil {
		return 0, dupErr
	}
	return rid, nil
}

// readFull returns a RID's full [meta+user] row, or ErrNotFound if
// absent or tombstoned.
func (t *Table) readFull(rid uint64) ([]int64, error) {
	t.pageDirMu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.pageDirMu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	pr := t.rangeAt(loc.rangeIdx)

	var row []int64
	var err error
	if loc.isTail {
		row, err = pr.readTailRecord(loc.offset)
	} else {
		row, err = pr.readBaseRecord(loc.offset)
	}
	if err != nil {
		return nil, err
	}

	if uint64(row[config.RIDColumn]) == config.DeletedRID {
		return nil, ErrNotFound
	}
	return row, nil
}

// ReadRecord returns the base record for rid, without following the
// indirection chain.
func (t *Table) ReadRecord(rid uint64) (*Record, error) {
	row, err := t.readFull(rid)
	if err != nil {
		return nil, err
	}
	cols := append([]int64(nil), row[config.NumMetadataColumns:]...)
	return &Record{RID: rid, Key: cols[t.KeyIndex], Columns: cols}, nil
}

// GetLatestVersion follows rid's indirection pointer to the newest
// tail record (or the base record, if none exists) and returns its
// user columns and schema encoding.
func (t *Table) GetLatestVersion(rid uint64) ([]int64, uint64, error) {
	base, err := t.readFull(rid)
	if err != nil {
		return nil, 0, err
	}

	indirection := uint64(base[config.IndirectionColumn])
	if indirection == 0 {
		return base[config.NumMetadataColumns:], uint64(base[config.SchemaEncodingColumn]), nil
	}

	tail, err := t.readFull(indirection)
	if err != nil {
		// Indirection pointer is stale; fall back to the base record
		// rather than failing the read.
		return base[config.NumMetadataColumns:], uint64(base[config.SchemaEncodingColumn]), nil
	}
	return tail[config.NumMetadataColumns:], uint64(tail[config.SchemaEncodingColumn]), nil
}

// GetVersion returns a historical version of rid. relativeVersion is
// 0 for the latest version, -1 for one version before that, and so
// on; it never advances past the base record. A positive
// relativeVersion returns ErrInvalidVersion.
func (t *Table) GetVersion(rid uint64, relativeVersion int) ([]int64, uint64, error) {
	if relativeVersion > 0 {
		return nil, 0, ErrInvalidVersion
	}

	base, err := t.readFull(rid)
	if err != nil {
		return nil, 0, err
	}
	if relativeVersion == 0 {
		return t.GetLatestVersion(rid)
	}

	tailRID := uint64(base[config.IndirectionColumn])
	if tailRID == 0 {
		return base[config.NumMetadataColumns:], uint64(base[config.SchemaEncodingColumn]), nil
	}

	steps := -relativeVersion

	curr := tailRID
	for i := 0; i < steps; i++ {
		if curr == 0 {
			break
		}
		rec, err := t.readFull(curr)
		if err != nil {
			return nil, 0, err
		}
		curr = uint64(rec[config.IndirectionColumn])
	}

	if curr == 0 {
		return base[config.NumMetadataColumns:], uint64(base[config.SchemaEncodingColumn]), nil
	}
	rec, err := t.readFull(curr)
	if err != nil {
		return nil, 0, err
	}
	return rec[config.NumMetadataColumns:], uint64(rec[config.SchemaEncodingColumn]), nil
}

// UpdateRecord applies a sparse column update to rid by appending a
// new tail record. A nil entry in columns means the column is
// unchanged.
func (t *Table) UpdateRecord(txn lock.TxnID, rid uint64, columns []*int64) error {
	base, err := t.readFull(rid)
	if err != nil {
		return err
	}
	t.journal.record(txn, rid, modUpdate, append([]int64(nil), base...))

	latest, schema, err := t.GetLatestVersion(rid)
	if err != nil {
		return err
	}

	tailRID := t.allocRID()
	prevTail := uint64(base[config.IndirectionColumn])

	newSchema := schema
	type change struct {
		col      int
		old, new int64
	}
	var changes []change
	for i, v := range columns {
		if v == nil {
			continue
		}
		newSchema |= 1 << uint(i)
		changes = append(changes, change{col: i, old: latest[i], new: *v})
	}

	row := make([]int64, t.totalColumns)
	row[config.IndirectionColumn] = int64(prevTail)
	row[config.RIDColumn] = int64(tailRID)
	row[config.TimestampColumn] = time.Now().Unix()
	row[config.SchemaEncodingColumn] = int64(newSchema)
	for i := 0; i < t.NumColumns; i++ {
		if columns[i] != nil {
			row[config.NumMetadataColumns+i] = *columns[i]
		} else {
			row[config.NumMetadataColumns+i] = latest[i]
		}
	}

	t.rangesMu.Lock()
	if t.currentTailRangeIdx == nil || t.ranges[*t.currentTailRangeIdx].numTailRecords >= config.RecordsPerPage*config.PagesPerRange {
		t.rangesMu.Unlock()
		t.getOrCreateRange()
		t.rangesMu.Lock()
		idx := *t.currentRangeIdx
		t.currentTailRangeIdx = &idx
	}
	tailRange := t.ranges[*t.currentTailRangeIdx]
	t.rangesMu.Unlock()

	offset, err := tailRange.writeTailRecord(row)
	if err != nil {
		return err
	}

	t.pageDirMu.Lock()
	t.pageDirectory[tailRID] = location{rangeIdx: tailRange.rangeIdx, isTail: true, offset: offset}
	baseLoc := t.pageDirectory[rid]
	t.pageDirMu.Unlock()

	basePR := t.rangeAt(baseLoc.rangeIdx)
	if err := basePR.updateBaseColumn(baseLoc.offset, config.IndirectionColumn, int64(tailRID)); err != nil {
		return err
	}
	if err := basePR.updateBaseColumn(baseLoc.offset, config.SchemaEncodingColumn, int64(newSchema)); err != nil {
		return err
	}

	t.index.Transact(func(tx *index.Tx) {
		for _, c := range changes {
			if tx.HasIndex(c.col) {
				tx.Update(c.col, c.old, c.new, rid)
			}
		}
	})

	t.mergeRidsMu.Lock()
	t.mergeRids[rid] = struct{}{}
	t.mergeRidsMu.Unlock()

	t.updatesMu.Lock()
	t.updatesSinceMerge++
	t.updatesMu.Unlock()

	return nil
}

// DeleteRecord tombstones rid's base record (setting its RID column
// to config.DeletedRID) and removes it from every secondary index.
// Deleting via a tail RID is not supported, matching the underlying
// model: deletion is always a base-record operation.
func (t *Table) DeleteRecord(txn lock.TxnID, rid uint64) error {
	t.pageDirMu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.pageDirMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if loc.isTail {
		return fmt.Errorf("table: delete %d: %w", rid, ErrNotFound)
	}

	base, err := t.readFull(rid)
	if err != nil {
		return err
	}
	t.journal.record(txn, rid, modDelete, append([]int64(nil), base...))

	latest, _, err := t.GetLatestVersion(rid)
	if err != nil {
		return err
	}

	pr := t.rangeAt(loc.rangeIdx)
	if err := pr.updateBaseColumn(loc.offset, config.RIDColumn, int64(config.DeletedRID)); err != nil {
		return err
	}

	t.index.Transact(func(tx *index.Tx) {
		for col := 0; col < t.NumColumns; col++ {
			if tx.HasIndex(col) {
				tx.Delete(col, latest[col], rid)
			}
		}
	})

	return nil
}

// CreateIndex builds a secondary index on column from the table's
// current contents.
func (t *Table) CreateIndex(column int) {
	t.index.CreateIndex(column, t)
}

// DropIndex removes column's secondary index.
func (t *Table) DropIndex(column int) {
	t.index.DropIndex(column)
}

// HasIndex reports whether column currently has a secondary index.
func (t *Table) HasIndex(column int) bool {
	return t.index.HasIndex(column)
}

// Locate returns the RID set for value in column's index, or an
// empty set if column is unindexed.
func (t *Table) Locate(column int, value int64) map[uint64]struct{} {
	return t.index.Locate(column, value)
}

// LocateRange returns the union of RID sets for every indexed value
// in [lo, hi] in column.
func (t *Table) LocateRange(column int, lo, hi int64) map[uint64]struct{} {
	return t.index.LocateRange(column, lo, hi)
}

// BaseRIDs implements index.RecordSource.
func (t *Table) BaseRIDs() []uint64 {
	t.pageDirMu.Lock()
	defer t.pageDirMu.Unlock()

	rids := make([]uint64, 0, len(t.pageDirectory))
	for rid, loc := range t.pageDirectory {
		if !loc.isTail {
			rids = append(rids, rid)
		}
	}
	return rids
}

// LatestValue implements index.RecordSource.
func (t *Table) LatestValue(rid uint64, column int) (int64, bool) {
	values, _, err := t.GetLatestVersion(rid)
	if err != nil {
		return 0, false
	}
	return values[column], true
}

// Rollback undoes every modification recorded under txn, in reverse
// order, restoring the page directory and secondary indexes to their
// pre-transaction state.
func (t *Table) Rollback(txn lock.TxnID) {
	mods := t.journal.take(txn)
	for i := len(mods) - 1; i >= 0; i-- {
		t.undo(mods[i])
	}
}

func (t *Table) undo(m modification) {
	switch m.kind {
	case modInsert:
		t.undoInsert(m.rid)
	case modUpdate:
		t.undoUpdate(m.rid, m.oldData)
	case modDelete:
		t.undoDelete(m.rid, m.oldData)
	}
}

func (t *Table) undoInsert(rid uint64) {
	t.pageDirMu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.pageDirMu.Unlock()
	if !ok {
		return
	}

	// Read the values to unindex before the tombstone hides the record.
	latest, _, latestErr := t.GetLatestVersion(rid)

	pr := t.rangeAt(loc.rangeIdx)
	if err := pr.updateBaseColumn(loc.offset, config.RIDColumn, int64(config.DeletedRID)); err != nil {
		t.logger.Error("table: rollback insert failed", zap.Uint64("rid", rid), zap.Error(err))
	}

	if latestErr == nil {
		t.index.Transact(func(tx *index.Tx) {
			for col := 0; col < t.NumColumns; col++ {
				if tx.HasIndex(col) {
					tx.Delete(col, latest[col], rid)
				}
			}
		})
	}

	t.pageDirMu.Lock()
	delete(t.pageDirectory, rid)
	t.pageDirMu.Unlock()
}

func (t *Table) undoUpdate(rid uint64, oldData []int64) {
	if oldData == nil {
		return
	}

	t.pageDirMu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.pageDirMu.Unlock()
	if !ok {
		return
	}

	currentLatest, _, curErr := t.GetLatestVersion(rid)

	pr := t.rangeAt(loc.rangeIdx)
	for col := config.NumMetadataColumns; col < len(oldData); col++ {
		if err := pr.updateBaseColumn(loc.offset, col, oldData[col]); err != nil {
			t.logger.Error("table: rollback update failed", zap.Uint64("rid", rid), zap.Error(err))
		}
	}
	if err := pr.updateBaseColumn(loc.offset, config.IndirectionColumn, oldData[config.IndirectionColumn]); err != nil {
		t.logger.Error("table: rollback update failed", zap.Uint64("rid", rid), zap.Error(err))
	}
	if err := pr.updateBaseColumn(loc.offset, config.SchemaEncodingColumn, oldData[config.SchemaEncodingColumn]); err != nil {
		t.logger.Error("table: rollback update failed", zap.Uint64("rid", rid), zap.Error(err))
	}

	if curErr == nil {
		oldUser := oldData[config.NumMetadataColumns:]
		t.index.Transact(func(tx *index.Tx) {
			for col := 0; col < t.NumColumns && col < len(oldUser) && col < len(currentLatest); col++ {
				if !tx.HasIndex(col) {
					continue
				}
				if oldUser[col] != currentLatest[col] {
					tx.Update(col, currentLatest[col], oldUser[col], rid)
				}
			}
		})
	}
}

func (t *Table) undoDelete(rid uint64, oldData []int64) {
	if oldData == nil {
		return
	}

	t.pageDirMu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.pageDirMu.Unlock()
	if !ok {
		return
	}

	pr := t.rangeAt(loc.rangeIdx)
	if err := pr.updateBaseColumn(loc.offset, config.RIDColumn, oldData[config.RIDColumn]); err != nil {
		t.logger.Error("table: rollback delete failed", zap.Uint64("rid", rid), zap.Error(err))
	}

	userCols := oldData[config.NumMetadataColumns:]
	t.index.Transact(func(tx *index.Tx) {
		for col := 0; col < t.NumColumns && col < len(userCols); col++ {
			if tx.HasIndex(col) {
				tx.Insert(col, userCols[col], rid)
			}
		}
	})
}

// Snapshot captures the table's on-disk metadata shape for
// persistence by the db package.
func (t *Table) Snapshot() *disk.TableMeta {
	t.pageDirMu.Lock()
	dir := make(map[uint64]disk.RecordLocation, len(t.pageDirectory))
	for rid, loc := range t.pageDirectory {
		dir[rid] = disk.RecordLocation{RangeIdx: loc.rangeIdx, IsTail: loc.isTail, Offset: loc.offset}
	}
	t.pageDirMu.Unlock()

	t.rangesMu.Lock()
	ranges := make([]disk.PageRangeMeta, len(t.ranges))
	for i, pr := range t.ranges {
		pr.mu.Lock()
		ranges[i] = disk.PageRangeMeta{
			NumBaseRecords:     pr.numBaseRecords,
			NumTailRecords:     pr.numTailRecords,
			NumBasePagesPerCol: append([]int(nil), pr.numBasePagesPerCol...),
			NumTailPagesPerCol: append([]int(nil), pr.numTailPagesPerCol...),
		}
		pr.mu.Unlock()
	}
	var curIdx, curTailIdx *int
	if t.currentRangeIdx != nil {
		v := *t.currentRangeIdx
		curIdx = &v
	}
	if t.currentTailRangeIdx != nil {
		v := *t.currentTailRangeIdx
		curTailIdx = &v
	}
	t.rangesMu.Unlock()

	t.updatesMu.Lock()
	updates := t.updatesSinceMerge
	t.updatesMu.Unlock()

	t.ridMu.Lock()
	next := t.nextRID
	t.ridMu.Unlock()

	var indexed []int
	for col := 0; col < t.NumColumns; col++ {
		if t.index.HasIndex(col) {
			indexed = append(indexed, col)
		}
	}

	return &disk.TableMeta{
		NumColumns:          t.NumColumns,
		KeyIndex:            t.KeyIndex,
		NextRID:             next,
		PageRanges:          ranges,
		PageDirectory:       dir,
		CurrentRangeIdx:     curIdx,
		CurrentTailRangeIdx: curTailIdx,
		UpdatesSinceMerge:   updates,
		IndexedColumns:      indexed,
	}
}

// Restore rebuilds a table's in-memory state from persisted metadata.
func Restore(name string, meta *disk.TableMeta, pool *buffer.Pool, logger *zap.Logger) *Table {
	t := New(name, meta.NumColumns, meta.KeyIndex, pool, logger)
	t.nextRID = meta.NextRID

	t.pageDirectory = make(map[uint64]location, len(meta.PageDirectory))
	for rid, loc := range meta.PageDirectory {
		t.pageDirectory[rid] = location{rangeIdx: loc.RangeIdx, isTail: loc.IsTail, offset: loc.Offset}
	}

	t.ranges = make([]*pageRange, len(meta.PageRanges))
	for i, rm := range meta.PageRanges {
		pr := newPageRange(name, i, t.totalColumns, pool)
		pr.numBaseRecords = rm.NumBaseRecords
		pr.numTailRecords = rm.NumTailRecords
		if len(rm.NumBasePagesPerCol) == t.totalColumns {
			pr.numBasePagesPerCol = append([]int(nil), rm.NumBasePagesPerCol...)
		}
		if len(rm.NumTailPagesPerCol) == t.totalColumns {
			pr.numTailPagesPerCol = append([]int(nil), rm.NumTailPagesPerCol...)
		}
		t.ranges[i] = pr
	}
	t.currentRangeIdx = meta.CurrentRangeIdx
	t.currentTailRangeIdx = meta.CurrentTailRangeIdx
	t.updatesSinceMerge = meta.UpdatesSinceMerge

	for _, col := range meta.IndexedColumns {
		t.CreateIndex(col)
	}

	return t
}
