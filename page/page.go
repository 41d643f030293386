// Package page implements the fixed 4 KiB physical page: an 8-byte
// TPS header followed by a bounded run of 8-byte integer slots.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lstore/config"
)

// ErrBoundsViolation is returned when a read or write targets a slot
// outside a page's populated range.
var ErrBoundsViolation = errors.New("page: bounds violation")

// ErrPageFull is returned by Append when the page has no remaining
// capacity for another slot.
var ErrPageFull = errors.New("page: full")

const headerSize = 8

// Page is a fixed-size byte slab. The first 8 bytes hold the Tail
// Progress Sequence number (TPS); the remaining bytes hold up to
// config.RecordsPerPage 8-byte slots, appended monotonically starting
// at slot 0.
//
// Pin/dirty/num-records state is transient (process-local) and is
// reconstructed on reload from the table's persisted record counts,
// not stored in the page bytes themselves.
type Page struct {
	buf        [config.PageSize]byte
	numRecords int32
	dirty      bool
	pinCount   int32
}

// New returns a freshly zeroed page.
func New() *Page {
	return &Page{}
}

// HasCapacity reports whether another slot can be appended.
func (p *Page) HasCapacity() bool {
	return int(p.numRecords) < config.RecordsPerPage
}

// NumRecords returns the number of populated slots.
func (p *Page) NumRecords() int {
	return int(p.numRecords)
}

// SetNumRecords forcibly sets the populated-slot count. Used by the
// disk/table layer to reconstruct page state after a reload, where
// the slot count is derived from the table's persisted record
// counters rather than from any on-disk marker.
func (p *Page) SetNumRecords(n int) {
	p.numRecords = int32(n)
}

// Append writes value at the next free slot (index NumRecords),
// advances NumRecords, and marks the page dirty.
func (p *Page) Append(value int64) error {
	if !p.HasCapacity() {
		return ErrPageFull
	}
	offset := headerSize + int(p.numRecords)*8
	binary.LittleEndian.PutUint64(p.buf[offset:offset+8], uint64(value))
	p.numRecords++
	p.dirty = true
	return nil
}

// Read returns the value at slot, bounds-checked against NumRecords.
func (p *Page) Read(slot int) (int64, error) {
	if slot < 0 || slot >= int(p.numRecords) {
		return 0, fmt.Errorf("%w: slot %d, num_records %d", ErrBoundsViolation, slot, p.numRecords)
	}
	offset := headerSize + slot*8
	return int64(binary.LittleEndian.Uint64(p.buf[offset : offset+8])), nil
}

// Update overwrites the value at a previously appended slot and marks
// the page dirty.
func (p *Page) Update(slot int, value int64) error {
	if slot < 0 || slot >= int(p.numRecords) {
		return fmt.Errorf("%w: slot %d, num_records %d", ErrBoundsViolation, slot, p.numRecords)
	}
	offset := headerSize + slot*8
	binary.LittleEndian.PutUint64(p.buf[offset:offset+8], uint64(value))
	p.dirty = true
	return nil
}

// GetTPS returns the Tail Progress Sequence number stored in the
// page header.
func (p *Page) GetTPS() uint64 {
	return binary.LittleEndian.Uint64(p.buf[0:headerSize])
}

// SetTPS overwrites the page header's TPS and marks the page dirty.
func (p *Page) SetTPS(tps uint64) {
	binary.LittleEndian.PutUint64(p.buf[0:headerSize], tps)
	p.dirty = true
}

// IsDirty reports whether the page has unflushed modifications.
func (p *Page) IsDirty() bool {
	return p.dirty
}

// ClearDirty clears the dirty flag, called after a successful
// write-back to disk.
func (p *Page) ClearDirty() {
	p.dirty = false
}

// Pin increments the pin count, preventing eviction.
func (p *Page) Pin() {
	p.pinCount++
}

// Unpin decrements the pin count, if positive.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// IsPinned reports whether the page is currently pinned.
func (p *Page) IsPinned() bool {
	return p.pinCount > 0
}

// Bytes returns the raw backing slab, for handing to the disk
// manager on write-back.
func (p *Page) Bytes() []byte {
	return p.buf[:]
}

// LoadBytes overwrites the backing slab from a disk read. The caller
// is responsible for setting NumRecords afterward (see SetNumRecords)
// since the slot count is not itself encoded in the page bytes.
func (p *Page) LoadBytes(b []byte) {
	copy(p.buf[:], b)
}
