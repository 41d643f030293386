package disk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RecordLocation is the page directory's value type: where a RID's
// record physically lives.
type RecordLocation struct {
	RangeIdx int  `json:"range_idx"`
	IsTail   bool `json:"is_tail"`
	Offset   int  `json:"offset"`
}

// PageRangeMeta is the persisted shape of one table.PageRange: record
// counts and per-column page counts for both the base and tail
// arrays. Page bytes themselves are authoritative on disk; this is
// only the directory into them.
type PageRangeMeta struct {
	NumBaseRecords     int   `json:"num_base_records"`
	NumTailRecords     int   `json:"num_tail_records"`
	NumBasePagesPerCol []int `json:"num_base_pages_per_col"`
	NumTailPagesPerCol []int `json:"num_tail_pages_per_col"`
}

// TableMeta is the single keyed metadata blob persisted per table,
// written atomically at close. It records everything needed to
// reconstruct a table.Table's logical state; the page bytes
// themselves hold the record data.
type TableMeta struct {
	NumColumns          int                       `json:"num_columns"`
	KeyIndex            int                       `json:"key_index"`
	NextRID             uint64                    `json:"next_rid"`
	PageRanges          []PageRangeMeta           `json:"page_ranges"`
	PageDirectory       map[uint64]RecordLocation `json:"page_directory"`
	CurrentRangeIdx     *int                      `json:"current_range_idx"`
	CurrentTailRangeIdx *int                      `json:"current_tail_range_idx"`
	UpdatesSinceMerge   int                       `json:"updates_since_merge"`
	IndexedColumns      []int                     `json:"indexed_columns"`
}

// metaPath returns the path to a table's meta.json.
func (m *Manager) metaPath(table string) string {
	return filepath.Join(m.TableDir(table), "meta.json")
}

// WriteMeta writes a table's metadata blob atomically: it writes to a
// temp file in the same directory and renames it into place, so a
// crash mid-write never leaves a half-written meta.json behind.
func (m *Manager) WriteMeta(table string, meta *TableMeta) error {
	dir := m.TableDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: write meta for %q: %w", table, err)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("disk: marshal meta for %q: %w", table, err)
	}

	tmp, err := os.CreateTemp(dir, "meta-*.json.tmp")
	if err != nil {
		return fmt.Errorf("disk: write meta for %q: %w", table, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: write meta for %q: %w", table, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: write meta for %q: %w", table, err)
	}

	if err := os.Rename(tmpName, m.metaPath(table)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: write meta for %q: %w", table, err)
	}
	return nil
}

// ReadMeta reads a table's metadata blob. It returns (nil, nil) if no
// metadata file exists yet for the table.
func (m *Manager) ReadMeta(table string) (*TableMeta, error) {
	path := m.metaPath(table)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read meta for %q: %w", table, err)
	}

	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("disk: unmarshal meta for %q: %w", table, err)
	}
	return &meta, nil
}
