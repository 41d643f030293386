package disk

import (
	"bytes"
	"testing"

	"lstore/config"
)

func TestReadPageMissingIsZeroFilled(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	buf, err := m.ReadPage(PageID{Table: "grades", Column: 0, Range: 0, Page: 0})
	if err != nil {
		t.Fatalf("ReadPage on a never-written page failed: %v", err)
	}
	if len(buf) != config.PageSize {
		t.Fatalf("ReadPage returned %d bytes, want %d", len(buf), config.PageSize)
	}
	if !bytes.Equal(buf, make([]byte, config.PageSize)) {
		t.Error("ReadPage on a never-written page should be zero-filled")
	}
}

func TestWriteThenReadPageRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	id := PageID{Table: "grades", IsTail: true, Column: 2, Range: 1, Page: 3}
	want := make([]byte, config.PageSize)
	for i := range want {
		want[i] = byte(i % 251)
	}

	if err := m.WritePage(id, want); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	got, err := m.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("ReadPage after WritePage did not round-trip")
	}
}

func TestWritePageWrongSizeRejected(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir)

	id := PageID{Table: "grades", Column: 0, Range: 0, Page: 0}
	if err := m.WritePage(id, make([]byte, 10)); err == nil {
		t.Error("WritePage with wrong-sized buffer should fail")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if meta, err := m.ReadMeta("grades"); err != nil || meta != nil {
		t.Fatalf("ReadMeta on unwritten table = (%v, %v), want (nil, nil)", meta, err)
	}

	idx := 2
	want := &TableMeta{
		NumColumns: 3,
		KeyIndex:   0,
		NextRID:    42,
		PageRanges: []PageRangeMeta{
			{NumBaseRecords: 10, NumTailRecords: 3, NumBasePagesPerCol: []int{1, 1, 1, 1, 1, 1, 1}, NumTailPagesPerCol: []int{1, 1, 1, 1, 1, 1, 1}},
		},
		PageDirectory: map[uint64]RecordLocation{
			1: {RangeIdx: 0, IsTail: false, Offset: 0},
			2: {RangeIdx: 0, IsTail: true, Offset: 0},
		},
		CurrentRangeIdx:   &idx,
		UpdatesSinceMerge: 7,
		IndexedColumns:    []int{0, 2},
	}

	if err := m.WriteMeta("grades", want); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	got, err := m.ReadMeta("grades")
	if err != nil {
		t.Fatalf("ReadMeta failed: %v", err)
	}
	if got.NumColumns != want.NumColumns || got.NextRID != want.NextRID {
		t.Errorf("ReadMeta = %+v, want %+v", got, want)
	}
	if got.PageDirectory[2].IsTail != true {
		t.Error("ReadMeta lost page directory tail flag")
	}
	if got.CurrentRangeIdx == nil || *got.CurrentRangeIdx != 2 {
		t.Errorf("ReadMeta CurrentRangeIdx = %v, want 2", got.CurrentRangeIdx)
	}
}
